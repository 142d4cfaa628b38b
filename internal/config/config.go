// Package config loads the YAML configuration for the evloopd demo binary:
// event-loop tuning, the API listen address, and the set of named MySQL
// pool targets it dials on startup.
package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for evloopd.
type Config struct {
	Loop    LoopConfig              `yaml:"loop"`
	Listen  ListenConfig            `yaml:"listen"`
	Defaults PoolDefaults           `yaml:"defaults"`
	Targets map[string]TargetConfig `yaml:"targets"`
}

// LoopConfig tunes the event loop's idle-sleep behavior.
type LoopConfig struct {
	IdleSleepCapMS int `yaml:"idle_sleep_cap_ms"`
}

// ListenConfig defines the API server's bind address.
type ListenConfig struct {
	APIPort int    `yaml:"api_port"`
	APIBind string `yaml:"api_bind"`
}

// Duration wraps time.Duration so it can be written as "5m" or "10s" in
// YAML instead of a raw nanosecond integer.
type Duration time.Duration

// UnmarshalYAML accepts either a duration string ("5m") or a bare integer
// (interpreted as nanoseconds, matching time.Duration's own zero-value
// representation).
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if err := node.Decode(&ns); err != nil {
		return fmt.Errorf("duration must be a string like \"5m\" or an integer nanosecond count: %w", err)
	}
	*d = Duration(ns)
	return nil
}

// PoolDefaults defines default pool settings applied when a target doesn't
// override them.
type PoolDefaults struct {
	MinConnections int      `yaml:"min_connections"`
	MaxConnections int      `yaml:"max_connections"`
	IdleTimeout    Duration `yaml:"idle_timeout"`
	MaxLifetime    Duration `yaml:"max_lifetime"`
	AcquireTimeout Duration `yaml:"acquire_timeout"`
}

// TargetConfig holds the connection details for a single named MySQL pool
// target; the pool fields are pointers so a target can selectively override
// the PoolDefaults.
type TargetConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DBName   string `yaml:"dbname"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	TLS      bool   `yaml:"tls"`

	MinConnections *int      `yaml:"min_connections,omitempty"`
	MaxConnections *int      `yaml:"max_connections,omitempty"`
	IdleTimeout    *Duration `yaml:"idle_timeout,omitempty"`
	MaxLifetime    *Duration `yaml:"max_lifetime,omitempty"`
	AcquireTimeout *Duration `yaml:"acquire_timeout,omitempty"`
}

// EffectiveMinConnections returns the target's min connections or the default.
func (t TargetConfig) EffectiveMinConnections(defaults PoolDefaults) int {
	if t.MinConnections != nil {
		return *t.MinConnections
	}
	return defaults.MinConnections
}

// EffectiveMaxConnections returns the target's max connections or the default.
func (t TargetConfig) EffectiveMaxConnections(defaults PoolDefaults) int {
	if t.MaxConnections != nil {
		return *t.MaxConnections
	}
	return defaults.MaxConnections
}

// EffectiveIdleTimeout returns the target's idle timeout or the default.
func (t TargetConfig) EffectiveIdleTimeout(defaults PoolDefaults) time.Duration {
	if t.IdleTimeout != nil {
		return time.Duration(*t.IdleTimeout)
	}
	return time.Duration(defaults.IdleTimeout)
}

// EffectiveMaxLifetime returns the target's max lifetime or the default.
func (t TargetConfig) EffectiveMaxLifetime(defaults PoolDefaults) time.Duration {
	if t.MaxLifetime != nil {
		return time.Duration(*t.MaxLifetime)
	}
	return time.Duration(defaults.MaxLifetime)
}

// EffectiveAcquireTimeout returns the target's acquire timeout or the default.
func (t TargetConfig) EffectiveAcquireTimeout(defaults PoolDefaults) time.Duration {
	if t.AcquireTimeout != nil {
		return time.Duration(*t.AcquireTimeout)
	}
	return time.Duration(defaults.AcquireTimeout)
}

// Redacted returns a copy of the TargetConfig with the password masked.
func (t TargetConfig) Redacted() TargetConfig {
	c := t
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Loop.IdleSleepCapMS == 0 {
		cfg.Loop.IdleSleepCapMS = 20
	}
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Defaults.MinConnections == 0 {
		cfg.Defaults.MinConnections = 2
	}
	if cfg.Defaults.MaxConnections == 0 {
		cfg.Defaults.MaxConnections = 20
	}
	if cfg.Defaults.IdleTimeout == 0 {
		cfg.Defaults.IdleTimeout = Duration(5 * time.Minute)
	}
	if cfg.Defaults.MaxLifetime == 0 {
		cfg.Defaults.MaxLifetime = Duration(30 * time.Minute)
	}
	if cfg.Defaults.AcquireTimeout == 0 {
		cfg.Defaults.AcquireTimeout = Duration(10 * time.Second)
	}
}

func validate(cfg *Config) error {
	for name, t := range cfg.Targets {
		if t.Host == "" {
			return fmt.Errorf("target %q: host is required", name)
		}
		if t.Port == 0 {
			return fmt.Errorf("target %q: port is required", name)
		}
		if t.DBName == "" {
			return fmt.Errorf("target %q: dbname is required", name)
		}
		if t.Username == "" {
			return fmt.Errorf("target %q: username is required", name)
		}
		if t.MinConnections != nil && t.MaxConnections != nil && *t.MinConnections > *t.MaxConnections {
			return fmt.Errorf("target %q: min_connections > max_connections", name)
		}
	}
	if cfg.Defaults.MinConnections > 0 && cfg.Defaults.MaxConnections > 0 &&
		cfg.Defaults.MinConnections > cfg.Defaults.MaxConnections {
		return fmt.Errorf("defaults: min_connections > max_connections")
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:    path,
		callback: callback,
		watcher: w,
		stopCh:  make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
