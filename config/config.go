package config

import (
	"fmt"
	"io/ioutil"
	"time"

	"gopkg.in/yaml.v2"
)

var (
	defaultConfig = Config{
		AccountsFile: "data.json",
		Limits:       defaultLimits,
		Health:       defaultHealth,
		Breaker:      defaultBreaker,
		Rate:         defaultRate,
		Cache:        defaultCache,
	}

	defaultLimits = Limits{
		RateWindow:     Duration(15 * time.Minute),
		RateLimit:      200,
		ProxySpacing:   Duration(time.Second),
		MaxAttempts:    10,
		AcquireTimeout: Duration(10 * time.Second),
	}

	defaultHealth = Health{
		Cooldown:           Duration(2 * time.Minute),
		ProbationSuccesses: 3,
		DisableThreshold:   50,
		AuthWindow:         Duration(24 * time.Hour),
		SweepInterval:      Duration(2 * time.Minute),
	}

	defaultBreaker = Breaker{
		FailureThreshold: 15,
		OpenTimeout:      Duration(time.Minute),
	}

	defaultRate = Rate{
		Initial:        10,
		Min:            1,
		Max:            100,
		AdjustInterval: Duration(time.Minute),
	}

	defaultCache = Cache{
		Mode:      "none",
		Expire:    Duration(5 * time.Minute),
		GraceTime: Duration(5 * time.Second),
		Codec:     "none",
	}
)

// Config describes the orchestrator: where account and proxy state lives and
// how aggressively accounts may be driven against the upstream.
type Config struct {
	// Path to the account registry file
	// Default is `data.json`
	AccountsFile string `yaml:"accounts_file,omitempty"`

	// Path to the proxy list; if empty, calls go out without a proxy
	ProxiesFile string `yaml:"proxies_file,omitempty"`

	Limits Limits `yaml:"limits,omitempty"`

	Health Health `yaml:"health,omitempty"`

	Breaker Breaker `yaml:"breaker,omitempty"`

	Rate Rate `yaml:"rate,omitempty"`

	Cache Cache `yaml:"cache,omitempty"`

	Log Log `yaml:"log,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// Validates passed configuration by additional marshalling
// to ensure that all rules and checks were applied
func (c *Config) Validate() error {
	content, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("error while marshalling config: %s", err)
	}

	cfg := &Config{}
	return yaml.Unmarshal(content, cfg)
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = defaultConfig

	// set c to the defaults and then overwrite it with the input.
	type plain Config
	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}

	if len(c.AccountsFile) == 0 {
		return fmt.Errorf("field `accounts_file` cannot be empty")
	}

	return checkOverflow(c.XXX, "config")
}

// Limits bounds how hard a single account or proxy may be driven.
type Limits struct {
	// Sliding window for per-account request accounting
	// Default is 15m
	RateWindow Duration `yaml:"rate_window,omitempty"`

	// Maximum requests per account within rate_window
	// Default is 200
	RateLimit int `yaml:"rate_limit,omitempty"`

	// Minimum spacing between two uses of the same proxy
	// Default is 1s
	ProxySpacing Duration `yaml:"proxy_spacing,omitempty"`

	// Maximum simultaneous in-flight dispatches
	// if omitted or zero - max(50, 4*cpu) is used
	MaxConcurrency int `yaml:"max_concurrency,omitempty"`

	// Maximum attempts within a single dispatch
	// Default is 10
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// Maximum time to wait for a concurrency slot
	// Default is 10s
	AcquireTimeout Duration `yaml:"acquire_timeout,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (l *Limits) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*l = defaultLimits

	type plain Limits
	if err := unmarshal((*plain)(l)); err != nil {
		return err
	}

	if l.RateLimit <= 0 {
		return fmt.Errorf("field `rate_limit` must be positive. Got %d instead", l.RateLimit)
	}

	if l.MaxAttempts <= 0 {
		return fmt.Errorf("field `max_attempts` must be positive. Got %d instead", l.MaxAttempts)
	}

	return checkOverflow(l.XXX, "limits")
}

// Health tunes the per-account state machine.
type Health struct {
	// Quarantine period applied after rate-limit and repeated auth errors
	// Default is 2m
	Cooldown Duration `yaml:"cooldown,omitempty"`

	// Consecutive successes needed to promote a probation account
	// Default is 3
	ProbationSuccesses int `yaml:"probation_successes,omitempty"`

	// Auth errors within auth_window that permanently disable an account
	// Default is 50
	DisableThreshold int `yaml:"disable_threshold,omitempty"`

	// Window for counting auth errors toward disable_threshold
	// Default is 24h
	AuthWindow Duration `yaml:"auth_window,omitempty"`

	// Interval between background health sweeps
	// Default is 2m
	SweepInterval Duration `yaml:"sweep_interval,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (h *Health) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*h = defaultHealth

	type plain Health
	if err := unmarshal((*plain)(h)); err != nil {
		return err
	}

	if h.ProbationSuccesses <= 0 {
		return fmt.Errorf("field `probation_successes` must be positive. Got %d instead", h.ProbationSuccesses)
	}

	return checkOverflow(h.XXX, "health")
}

// Breaker tunes the process-wide circuit breaker guarding the upstream.
type Breaker struct {
	// Failures that open the breaker
	// Default is 15
	FailureThreshold int `yaml:"failure_threshold,omitempty"`

	// Time the breaker stays open before a trial call is allowed
	// Default is 60s
	OpenTimeout Duration `yaml:"open_timeout,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (b *Breaker) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*b = defaultBreaker

	type plain Breaker
	if err := unmarshal((*plain)(b)); err != nil {
		return err
	}

	if b.FailureThreshold <= 0 {
		return fmt.Errorf("field `failure_threshold` must be positive. Got %d instead", b.FailureThreshold)
	}

	return checkOverflow(b.XXX, "breaker")
}

// Rate describes the adaptive global request rate.
type Rate struct {
	// Initial requests per second against the upstream
	// Default is 10
	Initial float64 `yaml:"initial,omitempty"`

	// Floor the adjuster never goes below
	// Default is 1
	Min float64 `yaml:"min,omitempty"`

	// Cap the adjuster never exceeds
	// Default is 100
	Max float64 `yaml:"max,omitempty"`

	// Interval between adjustments
	// Default is 60s
	AdjustInterval Duration `yaml:"adjust_interval,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (r *Rate) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*r = defaultRate

	type plain Rate
	if err := unmarshal((*plain)(r)); err != nil {
		return err
	}

	if r.Min <= 0 || r.Max < r.Min {
		return fmt.Errorf("fields `min` and `max` must satisfy 0 < min <= max. Got %g and %g instead", r.Min, r.Max)
	}

	if r.Initial < r.Min || r.Initial > r.Max {
		return fmt.Errorf("field `initial` must lie within [min, max]. Got %g instead", r.Initial)
	}

	return checkOverflow(r.XXX, "rate")
}

// Cache describes the optional response cache for idempotent read operations.
type Cache struct {
	// Mode of cache: `file_system`, `redis` or `none`
	// Default is `none`
	Mode string `yaml:"mode,omitempty"`

	// TTL for cached payloads
	// Default is 5m
	Expire Duration `yaml:"expire,omitempty"`

	// Duration a concurrent identical operation awaits the first one
	// instead of going upstream itself
	// Default is 5s
	GraceTime Duration `yaml:"grace_time,omitempty"`

	// Payload codec: `none`, `lz4` or `zstd`
	// Default is `none`
	Codec string `yaml:"codec,omitempty"`

	FileSystem FileSystemCacheConfig `yaml:"file_system,omitempty"`

	Redis RedisCacheConfig `yaml:"redis,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *Cache) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = defaultCache

	type plain Cache
	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}

	switch c.Mode {
	case "none", "file_system", "redis":
	default:
		return fmt.Errorf("field `mode` must be `none`, `file_system` or `redis`. Got %q instead", c.Mode)
	}

	switch c.Codec {
	case "none", "lz4", "zstd":
	default:
		return fmt.Errorf("field `codec` must be `none`, `lz4` or `zstd`. Got %q instead", c.Codec)
	}

	if c.Mode == "file_system" && len(c.FileSystem.Dir) == 0 {
		return fmt.Errorf("field `file_system.dir` must be set for file_system cache")
	}

	if c.Mode == "redis" && len(c.Redis.Addresses) == 0 {
		return fmt.Errorf("field `redis.addresses` must contain at least 1 address")
	}

	return checkOverflow(c.XXX, "cache")
}

// FileSystemCacheConfig describes the file-backed cache.
type FileSystemCacheConfig struct {
	// Path to directory where cached payloads are stored
	Dir string `yaml:"dir"`

	// Maximum total size of cached payloads
	MaxSize ByteSize `yaml:"max_size,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *FileSystemCacheConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain FileSystemCacheConfig
	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}

	return checkOverflow(c.XXX, "file_system")
}

// RedisCacheConfig describes the redis-backed cache.
type RedisCacheConfig struct {
	Addresses []string `yaml:"addresses"`

	Username string `yaml:"username,omitempty"`

	Password string `yaml:"password,omitempty"`

	DBIndex int `yaml:"db_index,omitempty"`

	PoolSize int `yaml:"pool_size,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *RedisCacheConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain RedisCacheConfig
	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}

	return checkOverflow(c.XXX, "redis")
}

// Log describes logger behaviour.
type Log struct {
	// Whether to print debug logs
	Debug bool `yaml:"debug,omitempty"`

	// Path to log file; if empty, logs go to stderr
	File string `yaml:"file,omitempty"`

	// Maximum size of the log file before rotation, in megabytes
	MaxSizeMB int `yaml:"max_size_mb,omitempty"`

	// Maximum number of rotated files to retain
	MaxBackups int `yaml:"max_backups,omitempty"`

	// Maximum age of rotated files, in days
	MaxAgeDays int `yaml:"max_age_days,omitempty"`

	// Masks applied to every log line; used to keep account secrets
	// out of the logs
	Masks []LogMask `yaml:"masks,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (l *Log) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain Log
	if err := unmarshal((*plain)(l)); err != nil {
		return err
	}

	return checkOverflow(l.XXX, "log")
}

// LogMask is a regex replacement applied to log lines before output.
type LogMask struct {
	Regex string `yaml:"regex"`

	Replacement string `yaml:"replacement,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (m *LogMask) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain LogMask
	if err := unmarshal((*plain)(m)); err != nil {
		return err
	}

	if len(m.Regex) == 0 {
		return fmt.Errorf("field `regex` cannot be empty")
	}

	return checkOverflow(m.XXX, "masks")
}

// Default returns the configuration used when no config file is given.
func Default() *Config {
	cfg := defaultConfig
	return &cfg
}

// Loads and validates configuration from provided .yml file
func LoadFile(filename string) (*Config, error) {
	content, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
