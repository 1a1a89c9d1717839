// Package config loads markflow configuration from markflow.yaml, the
// environment, and built-in defaults, and converts it into the concrete
// configurations of the runtime subsystems.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/liliang-cn/markflow/pkg/breaker"
	"github.com/liliang-cn/markflow/pkg/log"
	"github.com/liliang-cn/markflow/pkg/ratelimit"
	"github.com/liliang-cn/markflow/pkg/reliability"
	"github.com/liliang-cn/markflow/pkg/secret"
)

type Config struct {
	Home           string                     `mapstructure:"home"`
	Log            LogConfig                  `mapstructure:"log"`
	Engine         EngineConfig               `mapstructure:"engine"`
	Reliability    ReliabilityConfig          `mapstructure:"reliability"`
	CircuitBreaker CircuitBreakerConfig       `mapstructure:"circuit_breaker"`
	RateLimits     map[string]RateLimitConfig `mapstructure:"rate_limits"`
	Secrets        SecretsConfig              `mapstructure:"secrets"`
	Integrations   IntegrationsConfig         `mapstructure:"integrations"`
}

type LogConfig struct {
	Debug bool `mapstructure:"debug"`
}

type EngineConfig struct {
	MaxWhileIterations int `mapstructure:"max_while_iterations"`
	DefaultConcurrency int `mapstructure:"default_concurrency"`
}

type ReliabilityConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
	InitialDelay  time.Duration `mapstructure:"initial_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	RetryOnStatus []int         `mapstructure:"retry_on_status"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	FailureWindow    time.Duration `mapstructure:"failure_window"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
}

type RateLimitConfig struct {
	MaxRequests  int           `mapstructure:"max_requests"`
	Window       time.Duration `mapstructure:"window"`
	Strategy     string        `mapstructure:"strategy"`
	MaxQueueSize int           `mapstructure:"max_queue_size"`
}

type SecretsConfig struct {
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	ThrowOnNotFound bool          `mapstructure:"throw_on_not_found"`
}

type IntegrationsConfig struct {
	// Dir is scanned for YAML tool declarations and JS integrations.
	Dir string `mapstructure:"dir"`
}

// Load reads configuration. An explicit path wins; otherwise the search
// order is ./markflow.yaml, then $MARKFLOW_HOME/markflow.yaml, then
// ~/.markflow/markflow.yaml. A missing file is not an error; defaults and
// the environment still apply.
func Load(configPath string) (*Config, error) {
	config := &Config{}

	home := os.Getenv("MARKFLOW_HOME")
	if home == "" {
		home = "~/.markflow"
	}
	home = expandHomePath(home)

	if configPath != "" {
		absPath, _ := filepath.Abs(configPath)
		viper.SetConfigFile(absPath)
		home = filepath.Dir(absPath)
	} else {
		if _, err := os.Stat("markflow.yaml"); err == nil {
			abs, _ := filepath.Abs("markflow.yaml")
			viper.SetConfigFile(abs)
		} else {
			viper.SetConfigFile(filepath.Join(home, "markflow.yaml"))
		}
	}

	setDefaults()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if configPath != "" {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		// Defaults carry a config-less install.
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Home == "" {
		config.Home = home
	}
	config.Home = expandHomePath(config.Home)
	if config.Integrations.Dir != "" && !filepath.IsAbs(config.Integrations.Dir) {
		if abs, err := filepath.Abs(config.Integrations.Dir); err == nil {
			config.Integrations.Dir = abs
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func setDefaults() {
	viper.SetDefault("log.debug", false)

	viper.SetDefault("engine.max_while_iterations", 1000)
	viper.SetDefault("engine.default_concurrency", 4)

	viper.SetDefault("reliability.timeout", "30s")
	viper.SetDefault("reliability.max_retries", 3)
	viper.SetDefault("reliability.initial_delay", "1s")
	viper.SetDefault("reliability.max_delay", "30s")
	viper.SetDefault("reliability.retry_on_status", []int{429, 500, 502, 503, 504})

	breakerDefaults := breaker.DefaultConfig()
	viper.SetDefault("circuit_breaker.failure_threshold", breakerDefaults.FailureThreshold)
	viper.SetDefault("circuit_breaker.failure_window", breakerDefaults.FailureWindow)
	viper.SetDefault("circuit_breaker.reset_timeout", breakerDefaults.ResetTimeout)
	viper.SetDefault("circuit_breaker.success_threshold", breakerDefaults.SuccessThreshold)

	secretDefaults := secret.DefaultManagerConfig()
	viper.SetDefault("secrets.cache_ttl", secretDefaults.CacheTTL)
	viper.SetDefault("secrets.throw_on_not_found", secretDefaults.ThrowOnNotFound)

	viper.SetDefault("integrations.dir", "integrations")
}

func bindEnvVars() {
	viper.SetEnvPrefix("MARKFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for key, env := range map[string]string{
		"home":             "MARKFLOW_HOME",
		"log.debug":        "MARKFLOW_DEBUG",
		"integrations.dir": "MARKFLOW_INTEGRATIONS_DIR",
	} {
		if err := viper.BindEnv(key, env); err != nil {
			log.Warnf("failed to bind %s env var: %v", key, err)
		}
	}
}

func expandHomePath(path string) string {
	if strings.HasPrefix(path, "~/") || path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// Validate rejects configurations the runtime cannot honor.
func (c *Config) Validate() error {
	if c.Reliability.MaxRetries < 0 {
		return fmt.Errorf("reliability.max_retries must not be negative")
	}
	if c.Reliability.Timeout < 0 {
		return fmt.Errorf("reliability.timeout must not be negative")
	}
	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be at least 1")
	}
	for service, rl := range c.RateLimits {
		if rl.MaxRequests < 1 {
			return fmt.Errorf("rate_limits.%s.max_requests must be at least 1", service)
		}
		if rl.Window <= 0 {
			return fmt.Errorf("rate_limits.%s.window must be positive", service)
		}
		switch ratelimit.Strategy(rl.Strategy) {
		case "", ratelimit.StrategyQueue, ratelimit.StrategyReject:
		default:
			return fmt.Errorf("rate_limits.%s.strategy must be queue or reject", service)
		}
	}
	return nil
}

// Policy converts the reliability section into the wrapper's default
// policy.
func (c *ReliabilityConfig) Policy() reliability.Policy {
	return reliability.Policy{
		Timeout:      c.Timeout,
		MaxRetries:   c.MaxRetries,
		InitialDelay: c.InitialDelay,
		MaxDelay:     c.MaxDelay,
		RetryOn:      c.RetryOnStatus,
	}
}

// BreakerConfig converts the circuit breaker section.
func (c *CircuitBreakerConfig) BreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.FailureThreshold,
		FailureWindow:    c.FailureWindow,
		ResetTimeout:     c.ResetTimeout,
		SuccessThreshold: c.SuccessThreshold,
	}
}

// LimiterConfig converts one per-service rate limit entry.
func (c *RateLimitConfig) LimiterConfig() ratelimit.Config {
	strategy := ratelimit.Strategy(c.Strategy)
	if strategy == "" {
		strategy = ratelimit.StrategyQueue
	}
	return ratelimit.Config{
		MaxRequests:  c.MaxRequests,
		Window:       c.Window,
		Strategy:     strategy,
		MaxQueueSize: c.MaxQueueSize,
	}
}

// ManagerConfig converts the secrets section.
func (c *SecretsConfig) ManagerConfig() secret.ManagerConfig {
	return secret.ManagerConfig{
		CacheTTL:        c.CacheTTL,
		ThrowOnNotFound: c.ThrowOnNotFound,
	}
}
