package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"areasched/internal/audit"
	appLog "areasched/internal/log"
	"areasched/internal/metrics"
	"areasched/internal/model"
	"areasched/internal/query"
	"areasched/internal/split"
	"areasched/internal/store"
)

func init() {
	appLog.SetOutput(io.Discard)
}

type window struct {
	start, end time.Time
}

func (w window) days() int {
	s := model.DateOf(w.start).In(time.UTC)
	e := model.DateOf(w.end).In(time.UTC)
	return int(e.Sub(s).Hours()/24) + 1
}

// dayStub answers every call with one device per UTC day touched by the
// window plus a device shared by all windows, so any window's count exceeds
// its day span.
type dayStub struct {
	mu    sync.Mutex
	calls []window
	fail  func(window) int
}

func (s *dayStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Features []struct {
			Properties struct {
				Start int64 `json:"startDateTimeEpochMS"`
				End   int64 `json:"endDateTimeEpochMS"`
			} `json:"properties"`
		} `json:"features"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Features) != 1 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	p := body.Features[0].Properties
	win := window{start: time.UnixMilli(p.Start).UTC(), end: time.UnixMilli(p.End).UTC()}

	s.mu.Lock()
	s.calls = append(s.calls, win)
	s.mu.Unlock()

	if s.fail != nil {
		if code := s.fail(win); code != 0 {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"error":"upstream"}`))
			return
		}
	}

	devices := []string{`{"advertiserID":"shared"}`}
	for d := model.DateOf(win.start); !d.After(model.DateOf(win.end)); d = d.AddDays(1) {
		devices = append(devices, fmt.Sprintf(`{"advertiserID":"day-%s"}`, d))
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"type":"FeatureCollection","features":[{"properties":{"devices":[%s]}}]}`, strings.Join(devices, ","))
}

type fixture struct {
	exec    *Executor
	stub    *dayStub
	errLog  *audit.ErrorLog
	metrics *metrics.Metrics
	idsDir  string
}

func newFixture(t *testing.T, stub *dayStub) *fixture {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	f := &fixture{
		stub:    stub,
		errLog:  audit.NewErrorLog(filepath.Join(dir, "error_log.csv")),
		metrics: metrics.New(),
		idsDir:  filepath.Join(dir, "ids"),
	}
	client := query.NewClient(query.Options{URL: srv.URL, Key: "test-key", Timeout: 5 * time.Second})
	st := store.New(filepath.Join(dir, "outputs"), f.idsDir)
	f.exec = New(client, st, f.errLog, split.Policy{Threshold: 2, ChunkDays: 2}, f.metrics)
	return f
}

func eightDays(t *testing.T) model.Interval {
	t.Helper()
	iv, err := model.NewInterval("Harbor Market", 1,
		time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 8, 10, 0, 0, 0, time.UTC),
		&model.Geometry{Raw: []byte(`{"type":"Point","coordinates":[0,0]}`)})
	if err != nil {
		t.Fatal(err)
	}
	return iv
}

func TestEpochMS(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{"midnight start", time.Date(2025, 1, 1, 0, 0, 0, 0, loc), time.Date(2025, 1, 1, 23, 59, 59, 0, loc)},
		{"explicit midnight end", time.Date(2025, 1, 2, 0, 0, 0, 0, loc), time.Date(2025, 1, 2, 23, 59, 59, 0, loc)},
		{"one second past", time.Date(2025, 1, 1, 0, 0, 1, 0, loc), time.Date(2025, 1, 1, 0, 0, 1, 0, loc)},
		{"evening", time.Date(2025, 1, 1, 22, 0, 0, 0, loc), time.Date(2025, 1, 1, 22, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		if got := EpochMS(tt.in); got != tt.want.UnixMilli() {
			t.Errorf("%s: EpochMS = %d, want %d", tt.name, got, tt.want.UnixMilli())
		}
	}
}

func TestRecursiveSplitIsLossless(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &dayStub{})

	got, err := f.exec.Execute(context.Background(), eightDays(t))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	want := model.NewDeviceSet("shared")
	for d := (model.Date{Year: 2025, Month: 1, Day: 1}); d.Day <= 8; d = d.AddDays(1) {
		want.Add("day-" + d.String())
	}
	if got.Len() != want.Len() {
		t.Fatalf("union has %d ids, want %d: %v", got.Len(), want.Len(), got.Sorted())
	}
	for id := range want {
		if _, ok := got[id]; !ok {
			t.Fatalf("missing %s", id)
		}
	}

	// 8 days -> 4+4 -> 2+2+2+2: one root, two inner, four leaves.
	if len(f.stub.calls) != 7 {
		t.Fatalf("calls = %d, want 7", len(f.stub.calls))
	}
	leaves := 0
	for _, c := range f.stub.calls {
		if c.days() <= 2 {
			leaves++
		}
	}
	if leaves != 4 {
		t.Fatalf("leaf calls = %d, want 4", leaves)
	}

	entries, err := os.ReadDir(f.idsDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 4 {
		t.Fatalf("persisted %d id files, want 4", len(entries))
	}
	if n := testutil.ToFloat64(f.metrics.Splits); n != 3 {
		t.Fatalf("splits = %v, want 3", n)
	}
	if n := testutil.ToFloat64(f.metrics.APICalls.WithLabelValues(metrics.OutcomeOK)); n != 7 {
		t.Fatalf("ok calls = %v, want 7", n)
	}
	if f.errLog.Count() != 0 {
		t.Fatalf("unexpected error rows: %d", f.errLog.Count())
	}
}

func TestDepthLimitKeepsWindowWhole(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		depth      int
		maxDepth   int
		wantCalls  int
		wantLeaves int
	}{
		{"at limit", 3, 3, 1, 1},
		{"one level left", 0, 1, 3, 2},
		{"policy bound", 0, split.Policy{ChunkDays: 2}.MaxDepth(8), 7, 4},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, &dayStub{})
			got, err := f.exec.execute(context.Background(), eightDays(t), tt.depth, tt.maxDepth)
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			// Every leaf reports "shared" plus its own days, so the union is
			// the same whatever the depth.
			if got.Len() != 9 {
				t.Fatalf("union has %d ids, want 9", got.Len())
			}
			if len(f.stub.calls) != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", len(f.stub.calls), tt.wantCalls)
			}
			if n := testutil.ToFloat64(f.metrics.Leaves); int(n) != tt.wantLeaves {
				t.Fatalf("leaves = %v, want %d", n, tt.wantLeaves)
			}
			if n := testutil.ToFloat64(f.metrics.Splits); int(n) != tt.wantCalls-tt.wantLeaves {
				t.Fatalf("splits = %v, want %d", n, tt.wantCalls-tt.wantLeaves)
			}
		})
	}
}

func TestFailedHalfDoesNotAffectSibling(t *testing.T) {
	t.Parallel()
	stub := &dayStub{fail: func(w window) int {
		if w.start.Day() >= 5 {
			return http.StatusServiceUnavailable
		}
		return 0
	}}
	f := newFixture(t, stub)

	got, err := f.exec.Execute(context.Background(), eightDays(t))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// shared + days 1..4 from the surviving half.
	if got.Len() != 5 {
		t.Fatalf("union = %v", got.Sorted())
	}
	if f.errLog.Count() != 1 {
		t.Fatalf("error rows = %d, want 1", f.errLog.Count())
	}
	data, err := os.ReadFile(f.errLog.Path())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "503") || !strings.Contains(string(data), "upstream") {
		t.Fatalf("error row missing status/body:\n%s", data)
	}
}

func TestTransportFailureRecordsStatusZero(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	dir := t.TempDir()
	errLog := audit.NewErrorLog(filepath.Join(dir, "error_log.csv"))
	client := query.NewClient(query.Options{URL: url, Timeout: 2 * time.Second})
	exec := New(client, store.New(dir, dir), errLog, split.Policy{Threshold: 10, ChunkDays: 15}, nil)

	got, err := exec.Execute(context.Background(), eightDays(t))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.Len() != 0 || errLog.Count() != 1 {
		t.Fatalf("devices=%d errors=%d", got.Len(), errLog.Count())
	}
	data, _ := os.ReadFile(errLog.Path())
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if !strings.Contains(lines[1], ",0,") {
		t.Fatalf("row = %q, want status 0", lines[1])
	}
}

type failingStore struct{}

func (failingStore) Put(iv model.Interval, _ model.QueryResult) (store.Artifact, error) {
	return store.Artifact{}, errors.New("disk full")
}

func TestPersistFailureAbortsInterval(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(&dayStub{})
	defer srv.Close()

	client := query.NewClient(query.Options{URL: srv.URL})
	errLog := audit.NewErrorLog(filepath.Join(t.TempDir(), "error_log.csv"))
	exec := New(client, failingStore{}, errLog, split.Policy{Threshold: 100, ChunkDays: 15}, nil)

	if _, err := exec.Execute(context.Background(), eightDays(t)); err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("err = %v, want persist failure", err)
	}
}
