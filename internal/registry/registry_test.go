package registry

import (
	"errors"
	"os"
	"strings"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
)

const sampleGeoJSON = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "properties": {"Name of the business": "Café Central"},
     "geometry": {"type": "Polygon", "coordinates": [[[0,0],[1,0],[1,1],[0,1],[0,0]]]}},
    {"type": "Feature", "properties": {"name": "Harbor  Market"},
     "geometry": {"type": "Polygon", "coordinates": [[[2,2],[3,2],[3,3],[2,3],[2,2]]]}},
    {"type": "Feature", "properties": {},
     "geometry": {"type": "Point", "coordinates": [5,5]}}
  ]
}`

func TestNormalizeName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{in: "*  Café Central ", want: "cafe central"},
		{in: "cafe central", want: "cafe central"},
		{in: "CAFE\tCENTRAL", want: "cafe central"},
		{in: "ＡＢＣ  Store", want: "abc store"},
		{in: "", want: ""},
	}
	for _, tt := range tests {
		if got := NormalizeName(tt.in); got != tt.want {
			t.Fatalf("NormalizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLookupEquivalentSpellings(t *testing.T) {
	t.Parallel()
	reg, err := Parse([]byte(sampleGeoJSON))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if reg.Len() != 3 {
		t.Fatalf("Len = %d, want 3", reg.Len())
	}

	a, err := reg.Lookup("*  Café Central ")
	if err != nil {
		t.Fatalf("Lookup starred: %v", err)
	}
	b, err := reg.Lookup("cafe central")
	if err != nil {
		t.Fatalf("Lookup plain: %v", err)
	}
	if a != b {
		t.Fatalf("expected same polygon, got %q/%d and %q/%d", a.Name, a.Index, b.Name, b.Index)
	}
	if a.Index != 0 {
		t.Fatalf("Index = %d, want 0", a.Index)
	}
	if _, ok := a.Geometry.Shape.(orb.Polygon); !ok {
		t.Fatalf("Shape = %T, want orb.Polygon", a.Geometry.Shape)
	}
	if len(a.Geometry.Raw) == 0 {
		t.Fatal("expected raw geometry JSON")
	}

	m, err := reg.Lookup("harbor market")
	if err != nil {
		t.Fatalf("Lookup lowercase name property: %v", err)
	}
	if m.Index != 1 {
		t.Fatalf("Index = %d, want 1", m.Index)
	}

	if _, err := reg.Lookup("polygon02"); err != nil {
		t.Fatalf("expected fallback name for unnamed feature: %v", err)
	}
}

func TestParseKeepsRawGeometry(t *testing.T) {
	t.Parallel()
	const withZ = `{"type":"FeatureCollection","features":[
{"type":"Feature","properties":{"Name":"Pier"},"geometry":{"type":"Polygon","bbox":[0,0,1,1],"coordinates":[[[0,0,5],[1,0,5],[1,1,5],[0,0,5]]]}},
{"type":"Feature","properties":{"Name":"Void"},"geometry":null}
]}`
	reg, err := Parse([]byte(withZ))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	p, err := reg.Lookup("pier")
	if err != nil {
		t.Fatal(err)
	}
	raw := string(p.Geometry.Raw)
	if !strings.Contains(raw, "[0,0,5]") || !strings.Contains(raw, `"bbox":[0,0,1,1]`) {
		t.Fatalf("raw geometry was re-encoded: %s", raw)
	}
	if _, ok := p.Geometry.Shape.(orb.Polygon); !ok {
		t.Fatalf("Shape = %T, want orb.Polygon", p.Geometry.Shape)
	}

	v, err := reg.Lookup("void")
	if err != nil {
		t.Fatal(err)
	}
	if string(v.Geometry.Raw) != "null" {
		t.Fatalf("null geometry raw = %q", v.Geometry.Raw)
	}
}

func TestLookupUnknown(t *testing.T) {
	t.Parallel()
	reg, err := Parse([]byte(sampleGeoJSON))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	_, err = reg.Lookup("Nowhere")
	if !errors.Is(err, ErrPolygonNotFound) {
		t.Fatalf("err = %v, want ErrPolygonNotFound", err)
	}
}

func TestLoadMissing(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "missing.geojson"))
	if !errors.Is(err, ErrRegistryMissing) {
		t.Fatalf("err = %v, want ErrRegistryMissing", err)
	}
}

func TestDiscover(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if _, err := Discover(dir); !errors.Is(err, ErrRegistryMissing) {
		t.Fatalf("empty dir err = %v, want ErrRegistryMissing", err)
	}

	small := filepath.Join(dir, "a.geojson")
	large := filepath.Join(dir, "b.geojson")
	if err := os.WriteFile(small, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(large, []byte(sampleGeoJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Discover(dir)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if got != large {
		t.Fatalf("Discover = %s, want largest %s", got, large)
	}

	pol := filepath.Join(dir, "pol.geojson")
	if err := os.WriteFile(pol, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err = Discover(dir)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if got != pol {
		t.Fatalf("Discover = %s, want %s", got, pol)
	}
}
