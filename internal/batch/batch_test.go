package batch

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"areasched/internal/config"
	"areasched/internal/events"
	appLog "areasched/internal/log"
	"areasched/internal/metrics"
	"areasched/internal/registry"
)

func init() {
	appLog.SetOutput(io.Discard)
}

const eventsCSV = `Polygon Exact Name,Timeframe Start,Timeframe End,Time Repitition Frame,Specific Day,TimeZone,Start Time (empty= All Day),End Time (empty= All Day),OverNight Timelap
*  cafe central ,2025-01-01,2025-01-03,Daily,,UTC,10:00,12:00,
Nowhere,2025-01-01,2025-01-03,Daily,,UTC,,,
`

const polygons = `{"type":"FeatureCollection","features":[
{"type":"Feature","properties":{"Name":"Café Central"},"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]]}}
]}`

func setup(t *testing.T, apiURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}
	cfg := config.DefaultConfig()
	cfg.API.URL = apiURL
	cfg.API.Key = "k"
	cfg.Events = write("event.csv", eventsCSV)
	cfg.GeoJSON = write("pol.geojson", polygons)
	cfg.OutputDir = filepath.Join(dir, "outputs")
	cfg.IDsDir = filepath.Join(dir, "advertiser_ids")
	cfg.ErrorLogPath = filepath.Join(dir, "error_log.csv")
	cfg.SummaryPath = filepath.Join(dir, "device_counts_summary.csv")
	cfg.Workers = 2
	return cfg
}

func stubAPI(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"features":[{"properties":{"devices":[{"advertiserID":"a"},{"advertiserID":"b"},{"advertiserID":"a"}]}}]}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunEndToEnd(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	cfg := setup(t, stubAPI(t, &calls).URL)

	r := NewRunner(cfg, metrics.New())
	rep, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rep.Outcomes) != 3 || rep.Failed() != 0 {
		t.Fatalf("outcomes=%d failed=%d", len(rep.Outcomes), rep.Failed())
	}
	if calls.Load() != 3 {
		t.Fatalf("api calls = %d, want 3", calls.Load())
	}

	summary, err := os.ReadFile(cfg.SummaryPath)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(summary)), "\n")
	if len(lines) != 4 || !strings.HasSuffix(lines[1], ",2") {
		t.Fatalf("summary:\n%s", summary)
	}

	ids, err := os.ReadDir(cfg.IDsDir)
	if err != nil || len(ids) != 3 {
		t.Fatalf("ids files = %d, err=%v", len(ids), err)
	}
	if _, err := os.Stat(cfg.ErrorLogPath); !os.IsNotExist(err) {
		t.Fatal("error log should not exist on a clean run")
	}

	st := r.Status()
	if st.Running || st.Last == nil || st.Last.RunID != rep.RunID {
		t.Fatalf("status = %+v", st)
	}
}

// sixtyDays is one timed event per day from 2025-01-01 through 2025-03-01.
const sixtyDays = `Polygon Exact Name,Timeframe Start,Timeframe End,Time Repitition Frame,Specific Day,TimeZone,Start Time (empty= All Day),End Time (empty= All Day),OverNight Timelap
Café Central,2025-01-01,2025-03-01,Daily,,UTC,10:00,12:00,
`

func TestRunWithIntermittentFailures(t *testing.T) {
	t.Parallel()
	const intervals = 60

	var (
		mu       sync.Mutex
		rng      = rand.New(rand.NewSource(7))
		failures atomic.Int32
		calls    atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		mu.Lock()
		roll := rng.Intn(10)
		mu.Unlock()
		switch {
		case roll < 2:
			failures.Add(1)
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, `{"error":"upstream"}`)
		case roll < 3:
			failures.Add(1)
			_, _ = io.WriteString(w, `{"features":[`)
		default:
			_, _ = io.WriteString(w, `{"features":[{"properties":{"devices":[{"advertiserID":"a"},{"advertiserID":"b"}]}}]}`)
		}
	}))
	t.Cleanup(srv.Close)

	cfg := setup(t, srv.URL)
	cfg.Workers = 8
	if err := os.WriteFile(cfg.Events, []byte(sixtyDays), 0o644); err != nil {
		t.Fatal(err)
	}

	m := metrics.New()
	rep, err := NewRunner(cfg, m).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rep.Outcomes) != intervals || rep.Failed() != 0 {
		t.Fatalf("outcomes=%d failed=%d, want %d and 0", len(rep.Outcomes), rep.Failed(), intervals)
	}
	if calls.Load() != intervals {
		t.Fatalf("api calls = %d, want %d", calls.Load(), intervals)
	}
	failed := int(failures.Load())

	summary, err := os.ReadFile(cfg.SummaryPath)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	rows := strings.Split(strings.TrimSpace(string(summary)), "\n")[1:]
	if len(rows) != intervals {
		t.Fatalf("summary rows = %d, want %d", len(rows), intervals)
	}
	empty := 0
	for _, row := range rows {
		switch {
		case strings.HasSuffix(row, ",0"):
			empty++
		case !strings.HasSuffix(row, ",2"):
			t.Fatalf("unexpected summary row %q", row)
		}
	}
	if empty != failed {
		t.Fatalf("zero-device rows = %d, want %d", empty, failed)
	}

	errRows := 0
	if f, err := os.Open(cfg.ErrorLogPath); err == nil {
		recs, err := csv.NewReader(f).ReadAll()
		f.Close()
		if err != nil {
			t.Fatalf("error log: %v", err)
		}
		errRows = len(recs) - 1
	} else if !os.IsNotExist(err) {
		t.Fatal(err)
	}
	if errRows != failed {
		t.Fatalf("error log rows = %d, want %d", errRows, failed)
	}

	ids, err := os.ReadDir(cfg.IDsDir)
	if err != nil && failed < intervals {
		t.Fatal(err)
	}
	if len(ids) != intervals-failed {
		t.Fatalf("ids files = %d, want %d", len(ids), intervals-failed)
	}
	if n := testutil.ToFloat64(m.APICalls.WithLabelValues(metrics.OutcomeOK)); int(n) != intervals-failed {
		t.Fatalf("ok calls = %v, want %d", n, intervals-failed)
	}
	if n := testutil.ToFloat64(m.Intervals); int(n) != intervals {
		t.Fatalf("completed intervals = %v, want %d", n, intervals)
	}
}

func TestRunDryRun(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	cfg := setup(t, stubAPI(t, &calls).URL)

	r := NewRunner(cfg, nil)
	r.DryRun = true
	rep, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rep.Planned) != 3 || calls.Load() != 0 {
		t.Fatalf("planned=%d calls=%d", len(rep.Planned), calls.Load())
	}
	for _, p := range []string{cfg.SummaryPath, cfg.OutputDir, cfg.IDsDir, cfg.ErrorLogPath} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("dry run created %s", p)
		}
	}
}

func TestRunMissingInputs(t *testing.T) {
	t.Parallel()
	cfg := setup(t, "http://127.0.0.1:0")
	cfg.Events = filepath.Join(t.TempDir(), "missing.csv")
	if _, err := NewRunner(cfg, nil).Run(context.Background()); !errors.Is(err, events.ErrSourceMissing) {
		t.Fatalf("err = %v, want ErrSourceMissing", err)
	}

	cfg = setup(t, "http://127.0.0.1:0")
	cfg.GeoJSON = filepath.Join(t.TempDir(), "missing.geojson")
	if _, err := NewRunner(cfg, nil).Run(context.Background()); !errors.Is(err, registry.ErrRegistryMissing) {
		t.Fatalf("err = %v, want ErrRegistryMissing", err)
	}
}
