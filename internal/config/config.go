package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort     = 8080
	defaultDataDir  = "data"
	defaultLogLevel = "info"

	defaultBinary          = "search-engine"
	defaultIndexDir        = "index"
	defaultMaxConcurrent   = 3
	defaultMaxRetries      = 3
	defaultBackoffBase     = time.Second
	defaultCommandTimeout  = 60 * time.Second
	defaultProbeTimeout    = 10 * time.Second
	defaultAvailabilityTTL = 30 * time.Second
	defaultHealthInterval  = 60 * time.Second

	defaultBatchSize     = 50
	defaultMaxResults    = 50000
	defaultMaxPageSize   = 1000
	defaultBatchEstimate = 500 * time.Millisecond

	defaultRoomRetention = 30 * time.Second
	defaultClientBuffer  = 64

	defaultCreateRate  = 5.0
	defaultCreateBurst = 10

	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config describes runtime configuration for the service.
type Config struct {
	Port     int            `yaml:"port"`
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`
	Engine   EngineConfig   `yaml:"engine"`
	Search   SearchConfig   `yaml:"search"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Registry RegistryConfig `yaml:"registry"`
	API      APIConfig      `yaml:"api"`
}

// EngineConfig controls how the external search binary is supervised.
type EngineConfig struct {
	Binary          string        `yaml:"binary"`
	IndexDir        string        `yaml:"index_dir"`
	MaxConcurrent   int           `yaml:"max_concurrent"`
	MaxRetries      int           `yaml:"max_retries"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	CommandTimeout  time.Duration `yaml:"command_timeout"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	AvailabilityTTL time.Duration `yaml:"availability_ttl"`
	HealthInterval  time.Duration `yaml:"health_interval"`
}

type SearchConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	MaxResults    int           `yaml:"max_results"`
	MaxPageSize   int           `yaml:"max_page_size"`
	BatchEstimate time.Duration `yaml:"batch_estimate"`
}

type RealtimeConfig struct {
	RoomRetention time.Duration `yaml:"room_retention"`
	ClientBuffer  int           `yaml:"client_buffer"`
}

type RegistryConfig struct {
	Backend string `yaml:"backend"`
}

type APIConfig struct {
	CreateRate  float64 `yaml:"create_rate"`
	CreateBurst int     `yaml:"create_burst"`

	// AllowedOrigins lists extra browser origins, besides the server's own
	// host, that may open the realtime WebSocket.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Port:     defaultPort,
		DataDir:  defaultDataDir,
		LogLevel: defaultLogLevel,
		Engine: EngineConfig{
			Binary:          defaultBinary,
			IndexDir:        defaultIndexDir,
			MaxConcurrent:   defaultMaxConcurrent,
			MaxRetries:      defaultMaxRetries,
			BackoffBase:     defaultBackoffBase,
			CommandTimeout:  defaultCommandTimeout,
			ProbeTimeout:    defaultProbeTimeout,
			AvailabilityTTL: defaultAvailabilityTTL,
			HealthInterval:  defaultHealthInterval,
		},
		Search: SearchConfig{
			BatchSize:     defaultBatchSize,
			MaxResults:    defaultMaxResults,
			MaxPageSize:   defaultMaxPageSize,
			BatchEstimate: defaultBatchEstimate,
		},
		Realtime: RealtimeConfig{
			RoomRetention: defaultRoomRetention,
			ClientBuffer:  defaultClientBuffer,
		},
		Registry: RegistryConfig{Backend: BackendFile},
		API: APIConfig{
			CreateRate:  defaultCreateRate,
			CreateBurst: defaultCreateBurst,
		},
	}
}

// Load reads YAML config from the provided path. If the file does not exist
// or is empty, defaults are returned with no error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(fileData, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// normalize fills zero values with defaults. Negative values are left for Validate.
func (c *Config) normalize() {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}

	e := &c.Engine
	if strings.TrimSpace(e.Binary) == "" {
		e.Binary = defaultBinary
	}
	if e.IndexDir == "" {
		e.IndexDir = defaultIndexDir
	}
	setDuration(&e.BackoffBase, defaultBackoffBase)
	setDuration(&e.CommandTimeout, defaultCommandTimeout)
	setDuration(&e.ProbeTimeout, defaultProbeTimeout)
	setDuration(&e.AvailabilityTTL, defaultAvailabilityTTL)
	setDuration(&e.HealthInterval, defaultHealthInterval)

	s := &c.Search
	if s.MaxResults == 0 {
		s.MaxResults = defaultMaxResults
	}
	if s.MaxPageSize == 0 {
		s.MaxPageSize = defaultMaxPageSize
	}
	setDuration(&s.BatchEstimate, defaultBatchEstimate)

	setDuration(&c.Realtime.RoomRetention, defaultRoomRetention)
	if c.Realtime.ClientBuffer <= 0 {
		c.Realtime.ClientBuffer = defaultClientBuffer
	}

	c.Registry.Backend = strings.ToLower(strings.TrimSpace(c.Registry.Backend))
	if c.Registry.Backend == "" {
		c.Registry.Backend = BackendFile
	}

	if c.API.CreateRate == 0 {
		c.API.CreateRate = defaultCreateRate
	}
	if c.API.CreateBurst == 0 {
		c.API.CreateBurst = defaultCreateBurst
	}
}

// Validate rejects values that cannot be normalized into something usable.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	// validate concurrency explicitly: values < 1 are not allowed
	if c.Engine.MaxConcurrent < 1 {
		return fmt.Errorf("invalid engine.max_concurrent: %d (must be >= 1)", c.Engine.MaxConcurrent)
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("invalid engine.max_retries: %d (must be >= 0)", c.Engine.MaxRetries)
	}
	if c.Search.BatchSize < 1 {
		return fmt.Errorf("invalid search.batch_size: %d (must be >= 1)", c.Search.BatchSize)
	}
	if c.Search.MaxResults < c.Search.BatchSize {
		return fmt.Errorf("invalid search.max_results: %d (must be >= batch_size %d)", c.Search.MaxResults, c.Search.BatchSize)
	}
	if c.Search.MaxPageSize < 1 {
		return fmt.Errorf("invalid search.max_page_size: %d", c.Search.MaxPageSize)
	}
	switch c.Registry.Backend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("invalid registry.backend: %q (want %s or %s)", c.Registry.Backend, BackendFile, BackendSQLite)
	}
	if c.API.CreateRate < 0 || c.API.CreateBurst < 0 {
		return errors.New("invalid api rate limit: values must be >= 0")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	return nil
}

// Level returns the parsed log level, falling back to info.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}
