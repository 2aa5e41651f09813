package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAPIURL          = "https://api.gravyanalytics.com/v1.1/areas/devices"
	DefaultRequestTimeout  = 300 * time.Second
	DefaultWorkers         = 8
	DefaultSplitThreshold  = 90_000
	DefaultChunkDays       = 15
	DefaultMaxOccurrences  = 5000
	DefaultEventsPath      = "event.csv"
	DefaultOutputDir       = "outputs"
	DefaultIDsDir          = "advertiser_ids"
	DefaultErrorLogPath    = "error_log.csv"
	DefaultSummaryPath     = "device_counts_summary.csv"
	DefaultCacheDir        = "./var/event-cache"
	DefaultListen          = "127.0.0.1:9108"
	APIKeyEnv              = "AREASCHED_API_KEY"
	defaultConfigTempGlob  = ".areasched-config-*.tmp"
	defaultRequestsPerSec  = 0
)

// APIConfig describes the device query endpoint.
type APIConfig struct {
	// URL is the devices-in-area endpoint that accepts a FeatureCollection.
	URL string `yaml:"url" json:"url"`
	// Key is sent verbatim in the Authorization header. If empty, the
	// AREASCHED_API_KEY environment variable is used.
	Key string `yaml:"api_key" json:"api_key"`
	// RequestTimeout bounds a single API call.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	// RequestsPerSecond limits the call rate across all workers. 0 disables.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
}

// SplitConfig controls adaptive window bisection.
type SplitConfig struct {
	// Threshold is the device count above which a window is split.
	Threshold int `yaml:"threshold" json:"threshold"`
	// ChunkDays is the day span at or below which a window is never split.
	ChunkDays int `yaml:"chunk_days" json:"chunk_days"`
}

// Config is the top-level application configuration.
type Config struct {
	API   APIConfig   `yaml:"api" json:"api"`
	Split SplitConfig `yaml:"split" json:"split"`

	// Workers is the size of the dispatch pool.
	Workers int `yaml:"workers" json:"workers"`

	// Events is the event source: a CSV or ICS path, or an http(s) URL.
	Events string `yaml:"events" json:"events"`
	// GeoJSON is the polygon registry path. Empty means auto-discover.
	GeoJSON string `yaml:"geojson" json:"geojson"`

	// MaxOccurrences caps the number of intervals a single event may expand to.
	MaxOccurrences int `yaml:"max_occurrences" json:"max_occurrences"`

	OutputDir    string `yaml:"output_dir" json:"output_dir"`
	IDsDir       string `yaml:"ids_dir" json:"ids_dir"`
	ErrorLogPath string `yaml:"error_log" json:"error_log"`
	SummaryPath  string `yaml:"summary" json:"summary"`

	// CacheDir holds the HTTP cache for remote event sources.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// Watch is an optional cron schedule (e.g. "0 3 * * *"). When set, the
	// process stays up and runs one batch per tick.
	Watch string `yaml:"watch" json:"watch"`
	// Listen is the status/metrics address used in watch mode.
	Listen string `yaml:"listen" json:"listen"`
	// BasicAuth protects every status endpoint except /health when set.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status server.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			URL:               DefaultAPIURL,
			RequestTimeout:    DefaultRequestTimeout,
			RequestsPerSecond: defaultRequestsPerSec,
		},
		Split: SplitConfig{
			Threshold: DefaultSplitThreshold,
			ChunkDays: DefaultChunkDays,
		},
		Workers:        DefaultWorkers,
		Events:         DefaultEventsPath,
		MaxOccurrences: DefaultMaxOccurrences,
		OutputDir:      DefaultOutputDir,
		IDsDir:         DefaultIDsDir,
		ErrorLogPath:   DefaultErrorLogPath,
		SummaryPath:    DefaultSummaryPath,
		CacheDir:       DefaultCacheDir,
		Listen:         DefaultListen,
	}
}

// Normalize fills in missing/zero values with defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.API.URL == "" {
		c.API.URL = DefaultAPIURL
	}
	if c.API.RequestTimeout <= 0 {
		c.API.RequestTimeout = DefaultRequestTimeout
	}
	if c.API.RequestsPerSecond < 0 {
		c.API.RequestsPerSecond = 0
	}
	if c.Split.Threshold <= 0 {
		c.Split.Threshold = DefaultSplitThreshold
	}
	if c.Split.ChunkDays <= 0 {
		c.Split.ChunkDays = DefaultChunkDays
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Events == "" {
		c.Events = DefaultEventsPath
	}
	if c.MaxOccurrences <= 0 {
		c.MaxOccurrences = DefaultMaxOccurrences
	}
	if c.OutputDir == "" {
		c.OutputDir = DefaultOutputDir
	}
	if c.IDsDir == "" {
		c.IDsDir = DefaultIDsDir
	}
	if c.ErrorLogPath == "" {
		c.ErrorLogPath = DefaultErrorLogPath
	}
	if c.SummaryPath == "" {
		c.SummaryPath = DefaultSummaryPath
	}
	if c.CacheDir == "" {
		c.CacheDir = DefaultCacheDir
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
}

// APIKey returns the configured key, falling back to the environment.
func (c *Config) APIKey() string {
	if c.API.Key != "" {
		return c.API.Key
	}
	return os.Getenv(APIKeyEnv)
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If path is empty, defaults are returned and nothing is written.
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is unmarshalled and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return cfg, nil
}

// Save writes the given configuration to the specified path atomically
// (temp file + rename) with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, 0o600, defaultConfigTempGlob)
}

// WriteFileAtomic writes data to a temp file next to path and renames it
// over path, so readers never observe a partially written file. The parent
// directory is created if needed.
func WriteFileAtomic(path string, data []byte, perm os.FileMode, pattern string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
