package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/status-poller/internal/models"
	"github.com/kjstillabower/status-poller/internal/validation"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort     string
	RequestTimeout time.Duration

	DatabasePath        string
	DatabaseBusyTimeout time.Duration
	DatabaseMaxConns    int

	PollInterval      time.Duration
	PollTimeout       time.Duration
	PollStartJitter   time.Duration
	PollMaxConcurrent int
	UserAgent         string

	Targets []models.Target

	RetentionMaxAge        time.Duration
	RetentionPruneInterval time.Duration

	CacheBackend string // "in_memory", "memcached" or "redis"
	CacheTTL     time.Duration

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTimeout  time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration

	SummaryWindow    time.Duration
	StaleFactor      int
	DegradedWindow   time.Duration
	DegradedErrorPct int
}

type fileTarget struct {
	Name           string `yaml:"name"`
	URL            string `yaml:"url"`
	Method         string `yaml:"method"`
	Interval       string `yaml:"interval"`
	Timeout        string `yaml:"timeout"`
	ExpectedStatus int    `yaml:"expected_status"`
	Keyword        string `yaml:"keyword"`
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Database struct {
		Path        string `yaml:"path"`
		BusyTimeout string `yaml:"busy_timeout"`
		MaxConns    int    `yaml:"max_conns"`
	} `yaml:"database"`

	Poller struct {
		Interval      string `yaml:"interval"`
		Timeout       string `yaml:"timeout"`
		StartJitter   string `yaml:"start_jitter"`
		MaxConcurrent int    `yaml:"max_concurrent"`
		UserAgent     string `yaml:"user_agent"`
	} `yaml:"poller"`

	Targets []fileTarget `yaml:"targets"`

	Retention struct {
		MaxAge        string `yaml:"max_age"`
		PruneInterval string `yaml:"prune_interval"`
	} `yaml:"retention"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Redis struct {
			Addr    string `yaml:"addr"`
			DB      int    `yaml:"db"`
			Timeout string `yaml:"timeout"`
		} `yaml:"redis"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
		CircuitBreaker   struct {
			Enabled          *bool  `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Health struct {
		SummaryWindow    string `yaml:"summary_window"`
		StaleFactor      int    `yaml:"stale_factor"`
		DegradedWindow   string `yaml:"degraded_window"`
		DegradedErrorPct int    `yaml:"degraded_error_pct"`
	} `yaml:"health"`
}

type secretsFile struct {
	RedisPassword string `yaml:"redis_password"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml.
// Redis password comes from REDIS_PASSWORD env or the secrets file. Call from project root.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	cfg, err := LoadFile(filepath.Join(cwd, "config", env+".yaml"))
	if err != nil {
		return nil, err
	}

	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if cfg.RedisPassword == "" {
		secretsPath := filepath.Join(cwd, "config", "secrets.yaml")
		secretsData, err := os.ReadFile(secretsPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read secrets file: %w", err)
			}
		} else {
			var sec secretsFile
			if err := yaml.Unmarshal(secretsData, &sec); err != nil {
				return nil, fmt.Errorf("parse secrets file: %w", err)
			}
			cfg.RedisPassword = sec.RedisPassword
		}
	}
	return cfg, nil
}

// LoadFile reads a single YAML config file, applies env overrides and defaults, and validates.
func LoadFile(configPath string) (*Config, error) {
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

	cfg.ServerPort = envOr("SERVER_PORT", fc.Server.Port)
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 10*time.Second)

	cfg.DatabasePath = envOr("DATABASE_PATH", fc.Database.Path)
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "data/status.sqlite"
	}
	cfg.DatabaseBusyTimeout = parseDuration(fc.Database.BusyTimeout, 5*time.Second)
	cfg.DatabaseMaxConns = fc.Database.MaxConns
	if cfg.DatabaseMaxConns <= 0 {
		cfg.DatabaseMaxConns = 4
	}

	cfg.PollInterval = parseDuration(fc.Poller.Interval, time.Minute)
	cfg.PollTimeout = parseDurationOrZero(fc.Poller.Timeout, 5*time.Second)
	cfg.PollStartJitter = parseDurationOrZero(fc.Poller.StartJitter, 0)
	cfg.PollMaxConcurrent = fc.Poller.MaxConcurrent
	if cfg.PollMaxConcurrent <= 0 {
		cfg.PollMaxConcurrent = 8
	}
	cfg.UserAgent = strings.TrimSpace(fc.Poller.UserAgent)
	if cfg.UserAgent == "" {
		cfg.UserAgent = "status-poller/1.0"
	}

	cfg.Targets = make([]models.Target, 0, len(fc.Targets))
	for i, ft := range fc.Targets {
		t, err := buildTarget(ft, cfg.PollInterval, cfg.PollTimeout)
		if err != nil {
			return nil, fmt.Errorf("targets[%d]: %w", i, err)
		}
		cfg.Targets = append(cfg.Targets, t)
	}

	cfg.RetentionMaxAge = parseDuration(fc.Retention.MaxAge, 7*24*time.Hour)
	cfg.RetentionPruneInterval = parseDuration(fc.Retention.PruneInterval, time.Hour)

	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 10*time.Minute)
	cfg.MemcachedAddrs = envOr("MEMCACHED_ADDRS", fc.Cache.Memcached.Addrs)
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	cfg.RedisAddr = envOr("REDIS_ADDR", fc.Cache.Redis.Addr)
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	cfg.RedisDB = fc.Cache.Redis.DB
	cfg.RedisTimeout = parseDuration(fc.Cache.Redis.Timeout, 500*time.Millisecond)

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 2
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 200*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 5
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 10
	}
	cfg.CircuitBreakerEnabled = true
	if fc.Reliability.CircuitBreaker.Enabled != nil {
		cfg.CircuitBreakerEnabled = *fc.Reliability.CircuitBreaker.Enabled
	}
	cfg.CircuitBreakerFailureThreshold = fc.Reliability.CircuitBreaker.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = fc.Reliability.CircuitBreaker.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 1
	}
	cfg.CircuitBreakerTimeout = parseDuration(fc.Reliability.CircuitBreaker.Timeout, 2*time.Minute)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	cfg.SummaryWindow = parseDuration(fc.Health.SummaryWindow, 24*time.Hour)
	cfg.StaleFactor = fc.Health.StaleFactor
	if cfg.StaleFactor <= 0 {
		cfg.StaleFactor = 3
	}
	cfg.DegradedWindow = parseDuration(fc.Health.DegradedWindow, 5*time.Minute)
	cfg.DegradedErrorPct = fc.Health.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildTarget validates a target entry and fills interval/timeout/method defaults.
func buildTarget(ft fileTarget, defInterval, defTimeout time.Duration) (models.Target, error) {
	name, err := validation.ValidateTargetName(ft.Name)
	if err != nil {
		return models.Target{}, fmt.Errorf("name %q: %w", ft.Name, err)
	}
	u, err := validation.ValidateTargetURL(ft.URL)
	if err != nil {
		return models.Target{}, fmt.Errorf("target %s: url %q: %w", name, ft.URL, err)
	}
	method := strings.ToUpper(strings.TrimSpace(ft.Method))
	switch method {
	case "":
		method = "GET"
	case "GET", "HEAD":
	default:
		return models.Target{}, fmt.Errorf("target %s: method must be GET or HEAD, got %q", name, ft.Method)
	}
	if ft.ExpectedStatus != 0 && (ft.ExpectedStatus < 100 || ft.ExpectedStatus > 599) {
		return models.Target{}, fmt.Errorf("target %s: expected_status %d out of range", name, ft.ExpectedStatus)
	}
	interval := parseDuration(ft.Interval, defInterval)
	if interval < time.Second {
		return models.Target{}, fmt.Errorf("target %s: interval must be at least 1s, got %s", name, interval)
	}
	return models.Target{
		Name:           name,
		URL:            u,
		Method:         method,
		Interval:       interval,
		Timeout:        parseDuration(ft.Timeout, defTimeout),
		ExpectedStatus: ft.ExpectedStatus,
		Keyword:        ft.Keyword,
	}, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(fallback)
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
// Returns zero or negative durations as-is (caller should handle fallback).
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

// validate performs post-load validation of configuration values.
// Rejects duplicate target names and unknown cache backends. Raises RequestTimeout
// above the worst-case retried check of the slowest target so manual checks are
// not cut short.
func validate(cfg *Config) error {
	if cfg.PollTimeout <= 0 {
		return fmt.Errorf("poller.timeout must be positive")
	}
	seen := make(map[string]struct{}, len(cfg.Targets))
	var maxTimeout time.Duration
	for _, t := range cfg.Targets {
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("duplicate target name %q", t.Name)
		}
		seen[t.Name] = struct{}{}
		if t.Timeout > maxTimeout {
			maxTimeout = t.Timeout
		}
	}
	if worst := worstCaseCheck(cfg, maxTimeout); cfg.RequestTimeout <= worst {
		cfg.RequestTimeout = worst + time.Second
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached", "redis":
		// valid
	default:
		return fmt.Errorf("cache.backend must be in_memory, memcached or redis, got %q", cfg.CacheBackend)
	}
	if cfg.DegradedErrorPct > 100 {
		return fmt.Errorf("health.degraded_error_pct must be <= 100, got %d", cfg.DegradedErrorPct)
	}
	return nil
}

// worstCaseCheck is the longest a single check can take: every attempt runs to
// its timeout and every backoff between attempts takes its full 10% jitter.
func worstCaseCheck(cfg *Config, timeout time.Duration) time.Duration {
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	total := time.Duration(attempts) * timeout
	for i := 1; i < attempts; i++ {
		delay := cfg.RetryBaseDelay << (i - 1)
		if delay > cfg.RetryMaxDelay || delay <= 0 {
			delay = cfg.RetryMaxDelay
		}
		total += delay + delay/10
	}
	return total
}
