// Package audit holds the two shared sinks of a batch: the append-only error
// log and the per-interval device count summary. Both are safe for use by
// concurrent workers.
package audit

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"unicode/utf8"

	"areasched/internal/model"
)

// MaxMessageBytes bounds the Error column.
const MaxMessageBytes = 400

const errorTimeFormat = "2006-01-02 15:04:05 UTC"

var errorHeader = []string{"Polygon", "Start", "End", "Status", "Error"}

// ErrorLog appends failed windows to a CSV file. Each Record opens, writes
// and closes the file under one lock so rows from different workers never
// interleave.
type ErrorLog struct {
	mu   sync.Mutex
	path string
	n    int
}

func NewErrorLog(path string) *ErrorLog {
	return &ErrorLog{path: path}
}

func (l *ErrorLog) Path() string { return l.path }

// Count returns the number of rows appended by this ErrorLog.
func (l *ErrorLog) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

// Record appends one row. The header is written only when the file is new
// or empty.
func (l *ErrorLog) Record(rec model.ErrorRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create error log dir: %w", err)
		}
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open error log: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat error log: %w", err)
	}

	w := csv.NewWriter(f)
	if st.Size() == 0 {
		if err := w.Write(errorHeader); err != nil {
			return err
		}
	}
	row := []string{
		rec.Polygon,
		rec.Start.UTC().Format(errorTimeFormat),
		rec.End.UTC().Format(errorTimeFormat),
		strconv.Itoa(rec.Status),
		Truncate(rec.Message, MaxMessageBytes),
	}
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write error log: %w", err)
	}
	l.n++
	return nil
}

// Truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
