// Package config loads mywebintel settings from a YAML file, applies MWI_*
// environment overrides, and exposes typed accessors for the rest of the
// program. A missing settings file yields defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all mywebintel configuration.
type Config struct {
	// Data directory: database, logs, per-expression archives
	DataLocation string `yaml:"data_location"`

	// User agent sent on every HTTP request
	UserAgent string `yaml:"user_agent"`

	// Persist fetched HTML under <data_location>/lands/<land_id>/<expression_id>
	Archive bool `yaml:"archive"`

	Crawl      CrawlSettings      `yaml:"crawl"`
	Readable   ReadableSettings   `yaml:"readable"`
	OpenRouter OpenRouterSettings `yaml:"openrouter"`
	Media      MediaSettings      `yaml:"media"`

	// Ordered host-normalization rules, applied by `heuristic update`
	// and during link discovery
	Heuristics []HeuristicRule `yaml:"heuristics"`

	Logging LoggingSettings `yaml:"logging"`
}

// CrawlSettings configures the fetcher and the expression pipeline.
type CrawlSettings struct {
	ParallelConnections int     `yaml:"parallel_connections"`
	RequestTimeout      string  `yaml:"request_timeout"`
	MaxDepth            int     `yaml:"max_depth"`
	RequestsPerSecond   float64 `yaml:"requests_per_second"` // 0 disables the limiter

	// Run a headless browser pass to pick up media injected by scripts
	DynamicMediaExtraction bool `yaml:"dynamic_media_extraction"`
}

// ReadableSettings configures the external readable extractor.
type ReadableSettings struct {
	// Extractor binary (mercury-parser compatible). Empty disables the refiner.
	ExtractorCommand string `yaml:"extractor_command"`
	AttemptTimeout   string `yaml:"attempt_timeout"`
	MaxRetries       int    `yaml:"max_retries"`
	BatchSize        int    `yaml:"batch_size"`
}

// OpenRouterSettings configures the LLM relevance gate.
type OpenRouterSettings struct {
	Enabled          bool   `yaml:"enabled"`
	APIKey           string `yaml:"api_key"`
	Model            string `yaml:"model"`
	Timeout          string `yaml:"timeout"`
	ReadableMaxChars int    `yaml:"readable_max_chars"`
	MaxCallsPerRun   int    `yaml:"max_calls_per_run"`
}

// MediaSettings configures media download and analysis.
type MediaSettings struct {
	Analysis        bool   `yaml:"analysis"`
	MinWidth        int    `yaml:"min_width"`
	MinHeight       int    `yaml:"min_height"`
	MaxFileSize     int64  `yaml:"max_file_size"`
	DownloadTimeout string `yaml:"download_timeout"`
	MaxRetries      int    `yaml:"max_retries"`
	AnalyzeContent  bool   `yaml:"analyze_content"`
	ExtractColors   bool   `yaml:"extract_colors"`
	ExtractEXIF     bool   `yaml:"extract_exif"`
	DominantColors  int    `yaml:"n_dominant_colors"`
}

// HeuristicRule maps a URL family to a canonical host identity. When a URL's
// host ends with Suffix, Pattern is matched against the whole URL and its
// first capture group becomes the domain key, unless the first path segment
// is listed in Exclude.
type HeuristicRule struct {
	Suffix  string   `yaml:"suffix"`
	Pattern string   `yaml:"pattern"`
	Exclude []string `yaml:"exclude,omitempty"`
}

// LoggingSettings configures categorized debug logging.
// Mirrored by internal/logging to avoid a circular import.
type LoggingSettings struct {
	Debug      bool            `yaml:"debug"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataLocation: "data",
		UserAgent:    "mywebintel/1.0",
		Archive:      false,

		Crawl: CrawlSettings{
			ParallelConnections:    10,
			RequestTimeout:         "30s",
			MaxDepth:               3,
			RequestsPerSecond:      0,
			DynamicMediaExtraction: false,
		},

		Readable: ReadableSettings{
			ExtractorCommand: "",
			AttemptTimeout:   "30s",
			MaxRetries:       3,
			BatchSize:        10,
		},

		OpenRouter: OpenRouterSettings{
			Enabled:          false,
			APIKey:           "",
			Model:            "",
			Timeout:          "15s",
			ReadableMaxChars: 6000,
			MaxCallsPerRun:   500,
		},

		Media: MediaSettings{
			Analysis:        true,
			MinWidth:        100,
			MinHeight:       100,
			MaxFileSize:     10 * 1024 * 1024,
			DownloadTimeout: "30s",
			MaxRetries:      2,
			AnalyzeContent:  false,
			ExtractColors:   true,
			ExtractEXIF:     true,
			DominantColors:  5,
		},

		Heuristics: DefaultHeuristics(),

		Logging: LoggingSettings{
			Debug: false,
			Level: "info",
		},
	}
}

// DefaultHeuristics returns the built-in host-normalization rules. Order
// matters: rules are tried in sequence and the last match wins, as with the
// historical rule table.
func DefaultHeuristics() []HeuristicRule {
	return []HeuristicRule{
		{Suffix: "facebook.com", Pattern: `([a-z0-9\-_]+\.facebook\.com/[a-zA-Z0-9\.\-_]+)`, Exclude: []string{"permalink.php", "notes"}},
		{Suffix: "twitter.com", Pattern: `([a-z0-9\-_]*\.?twitter\.com/[a-zA-Z0-9\.\-_]+)`, Exclude: []string{"hashtag", "search", "home", "share"}},
		{Suffix: "linkedin.com", Pattern: `([a-z0-9\-_]+\.linkedin\.com/[a-zA-Z0-9\.\-_]+)`},
		{Suffix: "slideshare.net", Pattern: `([a-z0-9\-_]+\.slideshare\.net/[a-zA-Z0-9\.\-_]+)`},
		{Suffix: "instagram.com", Pattern: `([a-z0-9\-_]+\.instagram\.com/[a-zA-Z0-9\.\-_]+)`},
		{Suffix: "youtube.com", Pattern: `([a-z0-9\-_]+\.youtube\.com/[a-zA-Z0-9\.\-_]+)`, Exclude: []string{"watch"}},
		{Suffix: "vimeo.com", Pattern: `([a-z0-9\-_]+\.vimeo\.com/[a-zA-Z0-9\.\-_]+)`},
		{Suffix: "dailymotion.com", Pattern: `([a-z0-9\-_]+\.dailymotion\.com/[a-zA-Z0-9\.\-_]+)`, Exclude: []string{"video"}},
		{Suffix: "pinterest.com", Pattern: `([a-z0-9\-_]+\.pinterest\.com/[a-zA-Z0-9\.\-_]+)`, Exclude: []string{"pin"}},
		{Suffix: "pinterest.fr", Pattern: `([a-z0-9\-_]+\.pinterest\.fr/[a-zA-Z0-9\.\-_]+)`},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if the settings file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}

	return nil
}

// applyEnvOverrides applies MWI_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MWI_DATA_LOCATION"); v != "" {
		c.DataLocation = v
	}
	if v := os.Getenv("MWI_USER_AGENT"); v != "" {
		c.UserAgent = v
	}
	if v := os.Getenv("MWI_PARALLEL_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Crawl.ParallelConnections = n
		}
	}
	if v := os.Getenv("MWI_TIMEOUT"); v != "" {
		c.Crawl.RequestTimeout = v
	}

	if v := os.Getenv("MWI_OPENROUTER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.OpenRouter.Enabled = b
		}
	}
	if v := os.Getenv("MWI_OPENROUTER_API_KEY"); v != "" {
		c.OpenRouter.APIKey = v
	}
	if v := os.Getenv("MWI_OPENROUTER_MODEL"); v != "" {
		c.OpenRouter.Model = v
	}
	if v := os.Getenv("MWI_OPENROUTER_TIMEOUT"); v != "" {
		c.OpenRouter.Timeout = v
	}
	if v := os.Getenv("MWI_OPENROUTER_READABLE_MAX_CHARS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.OpenRouter.ReadableMaxChars = n
		}
	}
	if v := os.Getenv("MWI_OPENROUTER_MAX_CALLS_PER_RUN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.OpenRouter.MaxCallsPerRun = n
		}
	}
}

// parseDuration parses a duration field, accepting both Go syntax ("15s")
// and bare seconds ("15"). Historical settings used bare seconds.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}

// GetRequestTimeout returns the total HTTP request timeout.
func (c *Config) GetRequestTimeout() time.Duration {
	return parseDuration(c.Crawl.RequestTimeout, 30*time.Second)
}

// GetGateTimeout returns the LLM gate timeout.
func (c *Config) GetGateTimeout() time.Duration {
	return parseDuration(c.OpenRouter.Timeout, 15*time.Second)
}

// GetReadableTimeout returns the per-attempt extractor timeout.
func (c *Config) GetReadableTimeout() time.Duration {
	return parseDuration(c.Readable.AttemptTimeout, 30*time.Second)
}

// GetMediaDownloadTimeout returns the media download timeout.
func (c *Config) GetMediaDownloadTimeout() time.Duration {
	return parseDuration(c.Media.DownloadTimeout, 30*time.Second)
}

// DatabasePath returns the SQLite database path under the data location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataLocation, "mwi.db")
}

// ExpressionArchivePath returns where a fetched page is archived.
func (c *Config) ExpressionArchivePath(landID, expressionID int64) string {
	return filepath.Join(c.DataLocation, "lands",
		strconv.FormatInt(landID, 10), strconv.FormatInt(expressionID, 10))
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataLocation == "" {
		return fmt.Errorf("data_location not configured (set MWI_DATA_LOCATION or data_location in settings)")
	}
	if c.Crawl.ParallelConnections < 1 {
		return fmt.Errorf("crawl.parallel_connections must be at least 1, got %d", c.Crawl.ParallelConnections)
	}
	if c.OpenRouter.Enabled {
		if c.OpenRouter.APIKey == "" {
			return fmt.Errorf("openrouter enabled but no API key configured (set MWI_OPENROUTER_API_KEY)")
		}
		if c.OpenRouter.Model == "" {
			return fmt.Errorf("openrouter enabled but no model configured (set MWI_OPENROUTER_MODEL)")
		}
	}
	return nil
}
