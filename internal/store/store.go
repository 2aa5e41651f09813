// Package store writes the per-leaf artifacts: the pretty-printed API
// response and the sorted advertiser ID list. Names are deterministic so a
// rerun over the same window overwrites instead of duplicating.
package store

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"areasched/internal/config"
	"areasched/internal/model"
)

const (
	labelTimeFormat = "20060102T1504"
	tempPattern     = ".areasched-leaf-*.tmp"
)

// Store persists leaf results under two directories.
type Store struct {
	outputDir string
	idsDir    string
}

// Artifact names the files written for one leaf.
type Artifact struct {
	Label    string
	JSONPath string
	IDsPath  string
}

func New(outputDir, idsDir string) *Store {
	return &Store{outputDir: outputDir, idsDir: idsDir}
}

// CleanLabel makes a polygon name safe for use in a file name.
func CleanLabel(name string) string {
	r := strings.NewReplacer(" ", "_", "/", "_", "-", "", `\`, "_")
	return r.Replace(name)
}

// Label is <clean name>_<index>_<UTC start>_<UTC end>.
func Label(iv model.Interval) string {
	return fmt.Sprintf("%s_%04d_%s_%s",
		CleanLabel(iv.Polygon),
		iv.PolygonIndex,
		iv.Start.UTC().Format(labelTimeFormat),
		iv.End.UTC().Format(labelTimeFormat),
	)
}

// Put writes both artifacts for iv, replacing any earlier copies.
func (s *Store) Put(iv model.Interval, res model.QueryResult) (Artifact, error) {
	label := Label(iv)
	a := Artifact{
		Label:    label,
		JSONPath: filepath.Join(s.outputDir, label+".json"),
		IDsPath:  filepath.Join(s.idsDir, label+".txt"),
	}

	if err := config.WriteFileAtomic(a.JSONPath, prettyJSON(res.Raw), 0o644, tempPattern); err != nil {
		return a, fmt.Errorf("write %s: %w", a.JSONPath, err)
	}

	var ids bytes.Buffer
	for _, id := range res.Devices.Sorted() {
		ids.WriteString(id)
		ids.WriteByte('\n')
	}
	if err := config.WriteFileAtomic(a.IDsPath, ids.Bytes(), 0o644, tempPattern); err != nil {
		return a, fmt.Errorf("write %s: %w", a.IDsPath, err)
	}
	return a, nil
}

// prettyJSON indents raw with two spaces. Bodies that are not JSON are
// written unchanged.
func prettyJSON(raw []byte) []byte {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return raw
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}
