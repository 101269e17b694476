package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/heatpump-dashboard/internal/models"
)

// Supported cache backends.
var cacheBackends = []string{"in_memory", "memcached", "redis", "sqlite", "postgres"}

// Config holds service configuration loaded from YAML, .env and the environment.
type Config struct {
	ServerPort string
	LogLevel   string

	ArchiveAPIURL         string
	ArchiveAPITimeout     time.Duration
	ArchiveRateLimitRPS   float64
	ArchiveRateLimitBurst int

	RequestTimeout time.Duration

	CacheBackend string
	// CacheDSN is the sqlite path or postgres URL for the sql backends, and the
	// host:port for redis.
	CacheDSN              string
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	CoalesceEnabled bool
	CoalesceTimeout time.Duration

	CitiesPath string

	DefaultCity  string
	MinDate      time.Time
	MaxDate      time.Time
	DefaultStart time.Time
	DefaultEnd   time.Time

	WarmEnabled bool
	WarmCities  []string

	ShutdownTimeout       time.Duration
	InFlightTimeout       time.Duration
	InFlightCheckInterval time.Duration

	HealthWindow      time.Duration
	HealthErrorPct    float64
	HealthMinRequests int
}

type fileConfig struct {
	Server struct {
		Port     string `yaml:"port"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"server"`

	ArchiveAPI struct {
		URL            string  `yaml:"url"`
		Timeout        string  `yaml:"timeout"`
		RateLimitRPS   float64 `yaml:"rate_limit_rps"`
		RateLimitBurst int     `yaml:"rate_limit_burst"`
	} `yaml:"archive_api"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend   string `yaml:"backend"`
		DSN       string `yaml:"dsn"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts   int    `yaml:"retry_max_attempts"`
		RetryBackoffFactor string `yaml:"retry_backoff_factor"`
		RetryMaxDelay      string `yaml:"retry_max_delay"`
		RateLimitRPS       int    `yaml:"rate_limit_rps"`
		RateLimitBurst     int    `yaml:"rate_limit_burst"`
		CircuitBreaker     struct {
			Enabled          *bool  `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Coalesce struct {
		Enabled *bool  `yaml:"enabled"`
		Timeout string `yaml:"timeout"`
	} `yaml:"coalesce"`

	Data struct {
		CitiesPath string `yaml:"cities_path"`
	} `yaml:"data"`

	Dashboard struct {
		DefaultCity  string `yaml:"default_city"`
		MinDate      string `yaml:"min_date"`
		MaxDate      string `yaml:"max_date"`
		DefaultStart string `yaml:"default_start"`
		DefaultEnd   string `yaml:"default_end"`
	} `yaml:"dashboard"`

	Warm struct {
		Enabled bool     `yaml:"enabled"`
		Cities  []string `yaml:"cities"`
	} `yaml:"warm"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Health struct {
		Window      string  `yaml:"window"`
		ErrorPct    float64 `yaml:"error_pct"`
		MinRequests int     `yaml:"min_requests"`
	} `yaml:"health"`
}

// Load reads configuration from the working directory. See LoadFrom.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadFrom(cwd)
}

// LoadFrom loads {dir}/.env when present (existing env vars win), then
// {dir}/config/{ENV_NAME}.yaml (default dev), then applies env overrides.
func LoadFrom(dir string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(dir, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}
	cfg.ServerPort = firstNonEmpty(os.Getenv("SERVER_PORT"), fc.Server.Port, "8080")
	cfg.LogLevel = firstNonEmpty(os.Getenv("LOG_LEVEL"), fc.Server.LogLevel, "INFO")

	cfg.ArchiveAPIURL = firstNonEmpty(os.Getenv("ARCHIVE_API_URL"), fc.ArchiveAPI.URL, "https://archive-api.open-meteo.com/v1/archive")
	cfg.ArchiveAPITimeout = parseDurationOrZero(fc.ArchiveAPI.Timeout, 10*time.Second)
	cfg.ArchiveRateLimitRPS = fc.ArchiveAPI.RateLimitRPS
	cfg.ArchiveRateLimitBurst = fc.ArchiveAPI.RateLimitBurst
	if cfg.ArchiveRateLimitRPS > 0 && cfg.ArchiveRateLimitBurst <= 0 {
		cfg.ArchiveRateLimitBurst = 1
	}

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 30*time.Second)

	cfg.CacheBackend = strings.ToLower(firstNonEmpty(os.Getenv("CACHE_BACKEND"), fc.Cache.Backend, "in_memory"))
	cfg.CacheDSN = firstNonEmpty(os.Getenv("CACHE_DSN"), fc.Cache.DSN)
	if cfg.CacheDSN == "" {
		switch cfg.CacheBackend {
		case "sqlite":
			cfg.CacheDSN = "cache.sqlite"
		case "redis":
			cfg.CacheDSN = "localhost:6379"
		}
	}
	cfg.MemcachedAddrs = firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 5
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBackoffFactor, 200*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 5*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 20
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}

	cb := fc.Reliability.CircuitBreaker
	cfg.CircuitBreakerEnabled = cb.Enabled == nil || *cb.Enabled
	cfg.CircuitBreakerFailureThreshold = cb.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = cb.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 2
	}
	cfg.CircuitBreakerTimeout = parseDuration(cb.Timeout, 30*time.Second)

	cfg.CoalesceEnabled = fc.Coalesce.Enabled == nil || *fc.Coalesce.Enabled
	cfg.CoalesceTimeout = parseDuration(fc.Coalesce.Timeout, 30*time.Second)

	cfg.CitiesPath = firstNonEmpty(os.Getenv("CITIES_PATH"), fc.Data.CitiesPath, "data/cities.csv")

	d := fc.Dashboard
	cfg.DefaultCity = firstNonEmpty(d.DefaultCity, "Urbana, Illinois")
	dates := []struct {
		dst  *time.Time
		raw  string
		def  string
		name string
	}{
		{&cfg.MinDate, d.MinDate, "2020-01-01", "dashboard.min_date"},
		{&cfg.MaxDate, d.MaxDate, "2024-01-01", "dashboard.max_date"},
		{&cfg.DefaultStart, d.DefaultStart, "2022-01-01", "dashboard.default_start"},
		{&cfg.DefaultEnd, d.DefaultEnd, "2024-01-01", "dashboard.default_end"},
	}
	for _, dt := range dates {
		t, err := time.Parse(models.DateLayout, firstNonEmpty(dt.raw, dt.def))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", dt.name, err)
		}
		*dt.dst = t
	}

	cfg.WarmEnabled = fc.Warm.Enabled
	cfg.WarmCities = fc.Warm.Cities

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.InFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.InFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	cfg.HealthWindow = parseDuration(fc.Health.Window, 60*time.Second)
	cfg.HealthErrorPct = fc.Health.ErrorPct
	if cfg.HealthErrorPct <= 0 {
		cfg.HealthErrorPct = 50
	}
	cfg.HealthMinRequests = fc.Health.MinRequests
	if cfg.HealthMinRequests <= 0 {
		cfg.HealthMinRequests = 5
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero or negative durations are returned as-is so validate can reject them.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load checks. RequestTimeout is raised above the
// archive timeout when needed so a single attempt can finish.
func validate(cfg *Config) error {
	if cfg.ArchiveAPITimeout <= 0 {
		return fmt.Errorf("archive_api.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.ArchiveAPITimeout {
		cfg.RequestTimeout = cfg.ArchiveAPITimeout + time.Second
	}
	valid := false
	for _, b := range cacheBackends {
		if cfg.CacheBackend == b {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("cache.backend must be one of %s, got %q", strings.Join(cacheBackends, ", "), cfg.CacheBackend)
	}
	if cfg.CacheBackend == "postgres" && cfg.CacheDSN == "" {
		return fmt.Errorf("cache.dsn (or CACHE_DSN) is required for the postgres backend")
	}
	if cfg.MaxDate.Before(cfg.MinDate) {
		return fmt.Errorf("dashboard.max_date %s before min_date %s",
			cfg.MaxDate.Format(models.DateLayout), cfg.MinDate.Format(models.DateLayout))
	}
	if cfg.DefaultEnd.Before(cfg.DefaultStart) {
		return fmt.Errorf("dashboard.default_end before default_start")
	}
	if cfg.DefaultStart.Before(cfg.MinDate) || cfg.DefaultEnd.After(cfg.MaxDate) {
		return fmt.Errorf("dashboard default range must lie inside [min_date, max_date]")
	}
	return nil
}
