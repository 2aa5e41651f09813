package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"areasched/internal/batch"
	"areasched/internal/config"
	"areasched/internal/expand"
	appLog "areasched/internal/log"
	"areasched/internal/metrics"
)

// Runner is the part of batch.Runner the status server reads from.
type Runner interface {
	Status() batch.Status
	Plan(ctx context.Context) (expand.Result, error)
}

// Server exposes watch-mode status: /health, /metrics, /api/status and
// /api/plan.
type Server struct {
	cfg     *config.Config
	runner  Runner
	metrics *metrics.Metrics
	mux     *http.ServeMux

	// NextRun is reported by /api/status when set.
	NextRun func() time.Time

	// In-memory cache for /api/plan so repeated requests do not reload and
	// re-expand the inputs.
	planMu    sync.RWMutex
	planCache *planCache
}

const planCacheTTL = 30 * time.Second

func NewServer(cfg *config.Config, runner Runner, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		runner:  runner,
		metrics: m,
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the server's handler, wrapped in Basic Auth when
// credentials are configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="areasched", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/plan", s.handlePlan)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type statusResponse struct {
	Running bool       `json:"running"`
	NextRun *time.Time `json:"next_run,omitempty"`
	LastRun *runDTO    `json:"last_run,omitempty"`
}

type runDTO struct {
	RunID      string    `json:"run_id"`
	Started    time.Time `json:"started"`
	DurationMS int64     `json:"duration_ms"`
	DryRun     bool      `json:"dry_run"`
	Intervals  int       `json:"intervals"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
}

// handleStatus reports whether a batch is running and how the last one went.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.runner.Status()
	resp := statusResponse{Running: st.Running}
	if s.NextRun != nil {
		if next := s.NextRun(); !next.IsZero() {
			resp.NextRun = &next
		}
	}
	if rep := st.Last; rep != nil {
		failed := rep.Failed()
		resp.LastRun = &runDTO{
			RunID:      rep.RunID,
			Started:    rep.Started,
			DurationMS: rep.Duration.Milliseconds(),
			DryRun:     rep.DryRun,
			Intervals:  len(rep.Planned),
			Completed:  len(rep.Outcomes) - failed,
			Failed:     failed,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type planResponse struct {
	Windows   []windowDTO `json:"windows"`
	Warnings  []string    `json:"warnings,omitempty"`
	Truncated []string    `json:"truncated,omitempty"`
}

type windowDTO struct {
	Polygon      string    `json:"polygon"`
	PolygonIndex int       `json:"polygon_index"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	TimeZone     string    `json:"timezone"`
}

type planCache struct {
	resp      planResponse
	updatedAt time.Time
}

// handlePlan returns the windows the next batch would query, the same list
// a dry run logs.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	now := time.Now()

	s.planMu.RLock()
	pc := s.planCache
	s.planMu.RUnlock()
	if pc != nil && now.Sub(pc.updatedAt) < planCacheTTL {
		writeJSON(w, http.StatusOK, pc.resp)
		return
	}

	res, err := s.runner.Plan(r.Context())
	if err != nil {
		appLog.Error("api plan: failed to build plan", err)
		writeError(w, http.StatusInternalServerError, "failed to build plan")
		return
	}

	resp := planResponse{
		Windows:   make([]windowDTO, 0, len(res.Intervals)),
		Truncated: res.TruncatedEvents,
	}
	for _, iv := range res.Intervals {
		resp.Windows = append(resp.Windows, windowDTO{
			Polygon:      iv.Polygon,
			PolygonIndex: iv.PolygonIndex,
			Start:        iv.Start,
			End:          iv.End,
			TimeZone:     iv.Start.Location().String(),
		})
	}
	for _, warn := range res.Warnings {
		resp.Warnings = append(resp.Warnings, warn.Error())
	}

	s.planMu.Lock()
	s.planCache = &planCache{resp: resp, updatedAt: time.Now()}
	s.planMu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
