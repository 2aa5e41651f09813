package audit

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"sync"

	"areasched/internal/config"
	"areasched/internal/model"
)

const summaryTimeFormat = "2006-01-02 15:04"

var summaryHeader = []string{"Polygon", "Start", "End", "Unique Devices"}

// Summary collects one record per top-level interval.
type Summary struct {
	mu      sync.Mutex
	records []model.SummaryRecord
}

func NewSummary() *Summary {
	return &Summary{}
}

func (s *Summary) Add(rec model.SummaryRecord) {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
}

// Records returns a copy of the collected records in arrival order.
func (s *Summary) Records() []model.SummaryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.SummaryRecord, len(s.records))
	copy(out, s.records)
	return out
}

func (s *Summary) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Flush writes the summary CSV to path, with timestamps in each interval's
// own zone. Nothing is written when no records were collected; wrote reports
// whether a file was produced.
func (s *Summary) Flush(path string) (wrote bool, err error) {
	recs := s.Records()
	if len(recs) == 0 {
		return false, nil
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(summaryHeader); err != nil {
		return false, err
	}
	for _, r := range recs {
		row := []string{
			r.Polygon,
			r.Start.Format(summaryTimeFormat),
			r.End.Format(summaryTimeFormat),
			strconv.Itoa(r.UniqueDevices),
		}
		if err := w.Write(row); err != nil {
			return false, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return false, err
	}

	if err := config.WriteFileAtomic(path, buf.Bytes(), 0o644, ".areasched-summary-*.tmp"); err != nil {
		return false, fmt.Errorf("write summary: %w", err)
	}
	return true, nil
}
