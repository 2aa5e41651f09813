package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/paulmach/orb/geojson"

	appLog "areasched/internal/log"
	"areasched/internal/model"
)

var (
	// ErrPolygonNotFound is returned when an event names a region the
	// registry does not know.
	ErrPolygonNotFound = errors.New("polygon not found")
	// ErrRegistryMissing means no GeoJSON file could be located.
	ErrRegistryMissing = errors.New("polygon registry not found")
)

// defaultRegistryFile is preferred by Discover when present.
const defaultRegistryFile = "pol.geojson"

// nameProperties are checked in order for a feature's display name.
var nameProperties = []string{"Name of the business", "Name", "name"}

// Polygon is one named region of interest.
type Polygon struct {
	Name     string
	Index    int
	Geometry *model.Geometry
}

// Registry is a read-only, name-normalized polygon lookup. It is safe for
// concurrent reads once built.
type Registry struct {
	polygons []*Polygon
	byKey    map[string]*Polygon
}

// Load reads a GeoJSON FeatureCollection from path.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrRegistryMissing, path)
		}
		return nil, err
	}
	reg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("registry %s: %w", path, err)
	}
	appLog.Info("polygon registry loaded", "path", path, "polygons", reg.Len())
	return reg, nil
}

// rawCollection keeps each feature's geometry bytes untouched, since orb
// drops Z values, bbox and foreign members when it re-encodes.
type rawCollection struct {
	Features []struct {
		Geometry json.RawMessage `json:"geometry"`
	} `json:"features"`
}

// Parse builds a Registry from GeoJSON bytes. Features are indexed in file
// order; when two names normalize identically the later feature wins.
func Parse(data []byte) (*Registry, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("decode geojson: %w", err)
	}
	var rc rawCollection
	if err := json.Unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("decode geojson: %w", err)
	}
	if len(rc.Features) != len(fc.Features) {
		return nil, fmt.Errorf("decode geojson: %d features, %d geometries", len(fc.Features), len(rc.Features))
	}

	reg := &Registry{
		polygons: make([]*Polygon, 0, len(fc.Features)),
		byKey:    make(map[string]*Polygon, len(fc.Features)),
	}
	for idx, f := range fc.Features {
		raw := []byte("null")
		if g := rc.Features[idx].Geometry; len(g) > 0 {
			raw = []byte(g)
		}
		p := &Polygon{
			Name:  featureName(f, idx),
			Index: idx,
			Geometry: &model.Geometry{
				Shape: f.Geometry,
				Raw:   raw,
			},
		}
		reg.polygons = append(reg.polygons, p)
		reg.byKey[NormalizeName(p.Name)] = p
	}
	return reg, nil
}

func featureName(f *geojson.Feature, idx int) string {
	for _, key := range nameProperties {
		if s, ok := f.Properties[key].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return fmt.Sprintf("polygon%02d", idx)
}

// Lookup resolves a display name. Any spelling that normalizes to the same
// key returns the same polygon.
func (r *Registry) Lookup(name string) (*Polygon, error) {
	if p, ok := r.byKey[NormalizeName(name)]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrPolygonNotFound, name)
}

// Len returns the number of polygons.
func (r *Registry) Len() int {
	return len(r.polygons)
}

// Discover locates a registry file in dir when none was given explicitly:
// pol.geojson if present, otherwise the only *.geojson file, otherwise the
// largest one.
func Discover(dir string) (string, error) {
	preferred := filepath.Join(dir, defaultRegistryFile)
	if _, err := os.Stat(preferred); err == nil {
		return preferred, nil
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.geojson"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", ErrRegistryMissing
	}
	if len(matches) == 1 {
		return matches[0], nil
	}

	type candidate struct {
		path string
		size int64
	}
	cands := make([]candidate, 0, len(matches))
	for _, m := range matches {
		st, err := os.Stat(m)
		if err != nil {
			continue
		}
		cands = append(cands, candidate{path: m, size: st.Size()})
	}
	if len(cands) == 0 {
		return "", ErrRegistryMissing
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].size > cands[j].size })
	return cands[0].path, nil
}
