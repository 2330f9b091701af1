// Package config loads decklab configuration from a yaml file with
// environment variable overrides on top. All durations are millisecond
// integers on the wire so the yaml stays in step with the documented
// option names.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all decklab configuration.
type Config struct {
	// DataDir is where the database, stem cache, and logs live.
	DataDir string `yaml:"data_dir"`

	HTTP     HTTPConfig       `yaml:"http"`
	Analysis AnalysisConfig   `yaml:"analysis"`
	Worker   WorkerConfig     `yaml:"worker"`
	Engine   EngineConfig     `yaml:"engine"`
	Stems    StemsConfig      `yaml:"stems"`
	Library  LibraryConfig    `yaml:"library"`
	Logging  LoggingConfig    `yaml:"logging"`
}

// HTTPConfig configures the control plane's own HTTP surface.
type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// CallbackBaseURL is what the worker is told to POST stage results to.
	// Defaults to http://<listen_addr> when empty.
	CallbackBaseURL string `yaml:"callback_base_url"`
}

// AnalysisConfig configures the job queue engine.
type AnalysisConfig struct {
	MaxConcurrent       int `yaml:"max_concurrent_analysis"`
	MaxRetries          int `yaml:"analysis_max_retries"`
	RetryDelayMs        int `yaml:"analysis_retry_delay_ms"`
	ProcessingTimeoutMs int `yaml:"analysis_processing_timeout_ms"`
	QueuedTimeoutMs     int `yaml:"analysis_queued_timeout_ms"`
	TickIntervalMs      int `yaml:"analysis_tick_interval_ms"`
	CleanupAfterDays    int `yaml:"analysis_cleanup_after_days"`
}

// WorkerConfig configures the feature-extraction worker client and the
// optional colocated subprocess supervisor.
type WorkerConfig struct {
	ServerURL        string           `yaml:"worker_server_url"`
	Remote           bool             `yaml:"worker_server_remote"`
	RequestTimeoutMs int              `yaml:"worker_request_timeout_ms"`
	Supervisor       SupervisorConfig `yaml:"supervisor"`
}

// SupervisorConfig controls the worker subprocess lifecycle.
type SupervisorConfig struct {
	Autostart        bool   `yaml:"autostart"`
	Autorestart      bool   `yaml:"autorestart"`
	Executable       string `yaml:"executable"`
	WorkingDir       string `yaml:"working_dir"`
	MaxRestarts      int    `yaml:"max_restarts"`
	StartupTimeoutMs int    `yaml:"startup_timeout_ms"`
	HealthIntervalMs int    `yaml:"health_interval_ms"`
	QuietWindowMs    int    `yaml:"quiet_window_ms"`
}

// EngineConfig configures the playback engine session.
type EngineConfig struct {
	WSURL               string `yaml:"engine_ws_url"`
	ReconnectDelayMs    int    `yaml:"engine_reconnect_delay"`
	MaxReconnectDelayMs int    `yaml:"engine_max_reconnect_delay"`
	PingIntervalMs      int    `yaml:"engine_ping_interval"`
	ConnectTimeoutMs    int    `yaml:"engine_connect_timeout_ms"`
}

// StemsConfig configures the stem cache and fulfilment pipeline.
type StemsConfig struct {
	CacheDir          string `yaml:"cache_dir"`
	CacheMaxBytes     int64  `yaml:"cache_max_bytes"`
	DownloadTimeoutMs int    `yaml:"download_timeout_ms"`
	// ConverterCommand is the transcoder binary, ffmpeg by default.
	ConverterCommand string `yaml:"converter_command"`
}

// LibraryConfig configures the scanner and watcher.
type LibraryConfig struct {
	Directories []string `yaml:"directories"`
	WatchFiles  bool     `yaml:"watch_files"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".decklab")
	return &Config{
		DataDir: dataDir,
		HTTP: HTTPConfig{
			ListenAddr: "127.0.0.1:8089",
		},
		Analysis: AnalysisConfig{
			MaxConcurrent:       2,
			MaxRetries:          3,
			RetryDelayMs:        5000,
			ProcessingTimeoutMs: 600000,
			QueuedTimeoutMs:     3600000,
			TickIntervalMs:      5000,
			CleanupAfterDays:    30,
		},
		Worker: WorkerConfig{
			ServerURL:        "http://127.0.0.1:8090",
			RequestTimeoutMs: 30000,
			Supervisor: SupervisorConfig{
				Autorestart:      true,
				MaxRestarts:      5,
				StartupTimeoutMs: 10000,
				HealthIntervalMs: 30000,
				QuietWindowMs:    300000,
			},
		},
		Engine: EngineConfig{
			WSURL:               "ws://127.0.0.1:8091/session",
			ReconnectDelayMs:    1000,
			MaxReconnectDelayMs: 30000,
			PingIntervalMs:      30000,
			ConnectTimeoutMs:    5000,
		},
		Stems: StemsConfig{
			CacheDir:          filepath.Join(dataDir, "stems"),
			CacheMaxBytes:     10 << 30, // 10 GiB
			DownloadTimeoutMs: 120000,
			ConverterCommand:  "ffmpeg",
		},
		Library: LibraryConfig{
			WatchFiles: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads <dataDir>/decklab.yaml if present, layers it over defaults,
// and applies env overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = filepath.Join(cfg.DataDir, "decklab.yaml")
	}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers DECKLAB_* environment variables over the loaded
// configuration.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DECKLAB_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("DECKLAB_LISTEN_ADDR"); v != "" {
		c.HTTP.ListenAddr = v
	}
	if v := os.Getenv("DECKLAB_WORKER_SERVER_URL"); v != "" {
		c.Worker.ServerURL = v
	}
	if v := os.Getenv("DECKLAB_WORKER_SERVER_REMOTE"); v != "" {
		c.Worker.Remote = v == "true" || v == "1"
	}
	if v := os.Getenv("DECKLAB_ENGINE_WS_URL"); v != "" {
		c.Engine.WSURL = v
	}
	if v := os.Getenv("DECKLAB_STEM_CACHE_DIR"); v != "" {
		c.Stems.CacheDir = v
	}
	if v, ok := envInt("DECKLAB_MAX_CONCURRENT_ANALYSIS"); ok {
		c.Analysis.MaxConcurrent = v
	}
	if v, ok := envInt("DECKLAB_ANALYSIS_RETRY_DELAY_MS"); ok {
		c.Analysis.RetryDelayMs = v
	}
	if v, ok := envInt("DECKLAB_ANALYSIS_PROCESSING_TIMEOUT_MS"); ok {
		c.Analysis.ProcessingTimeoutMs = v
	}
	if v, ok := envInt("DECKLAB_ANALYSIS_QUEUED_TIMEOUT_MS"); ok {
		c.Analysis.QueuedTimeoutMs = v
	}
	if v, ok := envInt("DECKLAB_WORKER_REQUEST_TIMEOUT_MS"); ok {
		c.Worker.RequestTimeoutMs = v
	}
	if v := os.Getenv("DECKLAB_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (c *Config) validate() error {
	if c.Analysis.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent_analysis must be >= 1, got %d", c.Analysis.MaxConcurrent)
	}
	if c.Worker.ServerURL == "" {
		return fmt.Errorf("worker_server_url is required")
	}
	if c.Stems.CacheMaxBytes < 0 {
		return fmt.Errorf("cache_max_bytes must not be negative")
	}
	return nil
}

// DatabasePath returns the SQLite file location under the data dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "decklab.db")
}

// CallbackURL returns the URL the worker posts stage results to.
func (c *Config) CallbackURL() string {
	base := c.HTTP.CallbackBaseURL
	if base == "" {
		base = "http://" + c.HTTP.ListenAddr
	}
	return base + "/api/analysis/callback"
}

// Duration helpers so call sites read naturally.

func (c *AnalysisConfig) RetryDelay() time.Duration { return ms(c.RetryDelayMs) }
func (c *AnalysisConfig) ProcessingTimeout() time.Duration {
	return ms(c.ProcessingTimeoutMs)
}
func (c *AnalysisConfig) QueuedTimeout() time.Duration { return ms(c.QueuedTimeoutMs) }
func (c *AnalysisConfig) TickInterval() time.Duration  { return ms(c.TickIntervalMs) }

func (c *WorkerConfig) RequestTimeout() time.Duration { return ms(c.RequestTimeoutMs) }

func (c *SupervisorConfig) StartupTimeout() time.Duration { return ms(c.StartupTimeoutMs) }
func (c *SupervisorConfig) HealthInterval() time.Duration { return ms(c.HealthIntervalMs) }
func (c *SupervisorConfig) QuietWindow() time.Duration    { return ms(c.QuietWindowMs) }

func (c *EngineConfig) ReconnectDelay() time.Duration    { return ms(c.ReconnectDelayMs) }
func (c *EngineConfig) MaxReconnectDelay() time.Duration { return ms(c.MaxReconnectDelayMs) }
func (c *EngineConfig) PingInterval() time.Duration      { return ms(c.PingIntervalMs) }
func (c *EngineConfig) ConnectTimeout() time.Duration    { return ms(c.ConnectTimeoutMs) }

func (c *StemsConfig) DownloadTimeout() time.Duration { return ms(c.DownloadTimeoutMs) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
