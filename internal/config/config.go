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

// Config is the top-level configuration for the asyncloop daemon.
type Config struct {
	Loop   LoopConfig   `yaml:"loop"`
	HTTP   HTTPConfig   `yaml:"http"`
	Files  FileConfig   `yaml:"files"`
	MySQL  MySQLConfig  `yaml:"mysql"`
	Pool   PoolConfig   `yaml:"pool"`
	API    APIConfig    `yaml:"api"`
	Health HealthConfig `yaml:"health"`
}

// LoopConfig tunes the event loop scheduler.
type LoopConfig struct {
	// MinSleep is the shortest idle sleep worth paying a syscall for.
	MinSleep time.Duration `yaml:"min_sleep"`
	// MaxSlice bounds a single idle sleep so the loop stays responsive.
	MaxSlice time.Duration `yaml:"max_slice"`
	// MaintenanceInterval is the wall-clock cadence of the maintenance step.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

// HTTPConfig defines defaults applied to outgoing HTTP requests.
type HTTPConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	UserAgent       string        `yaml:"user_agent"`
	FollowRedirects *bool         `yaml:"follow_redirects,omitempty"`
	VerifyTLS       *bool         `yaml:"verify_tls,omitempty"`
}

// EffectiveFollowRedirects returns the configured value or true.
func (h HTTPConfig) EffectiveFollowRedirects() bool {
	if h.FollowRedirects != nil {
		return *h.FollowRedirects
	}
	return true
}

// EffectiveVerifyTLS returns the configured value or true.
func (h HTTPConfig) EffectiveVerifyTLS() bool {
	if h.VerifyTLS != nil {
		return *h.VerifyTLS
	}
	return true
}

// FileConfig tunes the file-op manager.
type FileConfig struct {
	// WatchInterval is the mtime polling interval for file watchers.
	WatchInterval time.Duration `yaml:"watch_interval"`
}

// MySQLConfig holds the backend database target.
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DBName   string `yaml:"dbname"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Charset  byte   `yaml:"charset"`
}

// PoolConfig defines connection pool sizing and lifetimes.
type PoolConfig struct {
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLifetime    time.Duration `yaml:"max_lifetime"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

// APIConfig defines the admin API listener.
type APIConfig struct {
	Port int    `yaml:"port"`
	Bind string `yaml:"bind"`
}

// HealthConfig tunes the backend health checker.
type HealthConfig struct {
	Interval          time.Duration `yaml:"interval"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// Redacted returns a copy of the MySQLConfig with the password masked.
func (m MySQLConfig) Redacted() MySQLConfig {
	c := m
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
	if cfg.Loop.MinSleep == 0 {
		cfg.Loop.MinSleep = 50 * time.Microsecond
	}
	if cfg.Loop.MaxSlice == 0 {
		cfg.Loop.MaxSlice = 500 * time.Microsecond
	}
	if cfg.Loop.MaintenanceInterval == 0 {
		cfg.Loop.MaintenanceInterval = time.Second
	}
	if cfg.HTTP.Timeout == 0 {
		cfg.HTTP.Timeout = 30 * time.Second
	}
	if cfg.HTTP.ConnectTimeout == 0 {
		cfg.HTTP.ConnectTimeout = 10 * time.Second
	}
	if cfg.HTTP.UserAgent == "" {
		cfg.HTTP.UserAgent = "asyncloop"
	}
	if cfg.Files.WatchInterval == 0 {
		cfg.Files.WatchInterval = time.Second
	}
	if cfg.MySQL.Port == 0 {
		cfg.MySQL.Port = 3306
	}
	if cfg.MySQL.Charset == 0 {
		cfg.MySQL.Charset = 0x21 // utf8_general_ci
	}
	if cfg.Pool.MaxConnections == 0 {
		cfg.Pool.MaxConnections = 10
	}
	if cfg.Pool.IdleTimeout == 0 {
		cfg.Pool.IdleTimeout = 5 * time.Minute
	}
	if cfg.Pool.MaxLifetime == 0 {
		cfg.Pool.MaxLifetime = 30 * time.Minute
	}
	if cfg.Pool.AcquireTimeout == 0 {
		cfg.Pool.AcquireTimeout = 10 * time.Second
	}
	if cfg.Pool.DialTimeout == 0 {
		cfg.Pool.DialTimeout = 5 * time.Second
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
	if cfg.API.Bind == "" {
		cfg.API.Bind = "127.0.0.1"
	}
	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = 10 * time.Second
	}
	if cfg.Health.FailureThreshold == 0 {
		cfg.Health.FailureThreshold = 3
	}
	if cfg.Health.ConnectionTimeout == 0 {
		cfg.Health.ConnectionTimeout = 3 * time.Second
	}
}

func validate(cfg *Config) error {
	if cfg.Loop.MinSleep < 0 || cfg.Loop.MaxSlice < 0 {
		return fmt.Errorf("loop: sleep bounds must be non-negative")
	}
	if cfg.Loop.MinSleep != 0 && cfg.Loop.MaxSlice != 0 && cfg.Loop.MinSleep > cfg.Loop.MaxSlice {
		return fmt.Errorf("loop: min_sleep %s exceeds max_slice %s", cfg.Loop.MinSleep, cfg.Loop.MaxSlice)
	}
	if cfg.Pool.MaxConnections < 0 {
		return fmt.Errorf("pool: max_connections must be non-negative")
	}
	if cfg.MySQL.Host != "" {
		if cfg.MySQL.Username == "" {
			return fmt.Errorf("mysql: username is required when host is set")
		}
		if cfg.MySQL.Port < 0 || cfg.MySQL.Port > 65535 {
			return fmt.Errorf("mysql: invalid port %d", cfg.MySQL.Port)
		}
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
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
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
