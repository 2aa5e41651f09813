package events

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	appLog "areasched/internal/log"
	"areasched/internal/model"
)

// ErrSourceMissing means the event source file does not exist. It is one of
// the two conditions that abort a run.
var ErrSourceMissing = errors.New("event source not found")

// Format identifies an event source encoding.
type Format int

const (
	FormatCSV Format = iota
	FormatICS
)

// Options configures Load.
type Options struct {
	// CacheDir is used for remote sources.
	CacheDir string
	// DefaultLocation applies to ICS events with floating times.
	DefaultLocation *time.Location
}

// Load reads event specs from a local path or an http(s) URL. The format is
// chosen by extension, falling back to sniffing for BEGIN:VCALENDAR.
func Load(ctx context.Context, path string, opts Options) ([]model.RecurringEventSpec, error) {
	var body []byte
	if isURL(path) {
		res, err := NewFetcher(opts.CacheDir).Fetch(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("fetch event source: %w", err)
		}
		body = res.Body
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrSourceMissing, path)
			}
			return nil, err
		}
		body = data
	}

	var (
		specs []model.RecurringEventSpec
		err   error
	)
	switch detectFormat(path, body) {
	case FormatICS:
		specs, err = ParseICS(body, opts.DefaultLocation)
	default:
		specs, err = ParseCSV(bytes.NewReader(body))
	}
	if err != nil {
		name := path
		if isURL(path) {
			name = redactURL(path)
		}
		return nil, fmt.Errorf("event source %s: %w", name, err)
	}
	appLog.Info("event source loaded", "events", len(specs))
	return specs, nil
}

func isURL(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

func detectFormat(path string, body []byte) Format {
	ext := strings.ToLower(filepath.Ext(strings.SplitN(path, "?", 2)[0]))
	switch ext {
	case ".ics", ".ical", ".ifb":
		return FormatICS
	case ".csv":
		return FormatCSV
	}
	if bytes.HasPrefix(bytes.TrimSpace(body), []byte("BEGIN:VCALENDAR")) {
		return FormatICS
	}
	return FormatCSV
}
