package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Detection DetectionConfig `json:"detection" yaml:"detection"`
	Events    EventsConfig    `json:"events" yaml:"events"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Admin     AdminConfig     `json:"admin" yaml:"admin"`
	Alerts    AlertsConfig    `json:"alerts" yaml:"alerts"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
}

type ServerConfig struct {
	Addr            string        `json:"addr" yaml:"addr"`
	TrustedProxies  []string      `json:"trusted_proxies" yaml:"trusted_proxies"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type AuthConfig struct {
	Header      string `json:"header" yaml:"header"`
	AdminSecret string `json:"admin_secret" yaml:"admin_secret"`
	KeyPrefix   string `json:"key_prefix" yaml:"key_prefix"`
}

type RateLimitConfig struct {
	Algorithm     string         `json:"algorithm" yaml:"algorithm"`
	Window        time.Duration  `json:"window" yaml:"window"`
	Tiers         map[string]int `json:"tiers" yaml:"tiers"`
	IdleTTL       time.Duration  `json:"idle_ttl" yaml:"idle_ttl"`
	SweepInterval time.Duration  `json:"sweep_interval" yaml:"sweep_interval"`
}

type DetectionConfig struct {
	Window          time.Duration `json:"window" yaml:"window"`
	PerIPThreshold  int           `json:"per_ip_threshold" yaml:"per_ip_threshold"`
	GlobalThreshold int           `json:"global_threshold" yaml:"global_threshold"`
	ResetPolicy     string        `json:"reset_policy" yaml:"reset_policy"`
	Cooldown        time.Duration `json:"cooldown" yaml:"cooldown"`
	IdleTTL         time.Duration `json:"idle_ttl" yaml:"idle_ttl"`
	MaxEntries      int           `json:"max_entries" yaml:"max_entries"`
}

type EventsConfig struct {
	LoggerName string      `json:"logger_name" yaml:"logger_name"`
	Output     string      `json:"output" yaml:"output"`
	Buffer     int         `json:"buffer" yaml:"buffer"`
	Kafka      KafkaConfig `json:"kafka" yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	Brokers      []string      `json:"brokers" yaml:"brokers"`
	Topic        string        `json:"topic" yaml:"topic"`
	BatchTimeout time.Duration `json:"batch_timeout" yaml:"batch_timeout"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
	Seed   bool   `json:"seed" yaml:"seed"`
}

type AdminConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type AlertsConfig struct {
	StoreLimit int  `json:"store_limit" yaml:"store_limit"`
	Persist    bool `json:"persist" yaml:"persist"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

const (
	TierRead     = "read"
	TierWrite    = "write"
	TierKeyIssue = "key_issue"

	AlgorithmFixedWindow = "fixed_window"
	AlgorithmTokenBucket = "token_bucket"

	ResetOnCount    = "count"
	ResetOnCooldown = "cooldown"
)

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			Addr:            ":8000",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{Header: "X-API-Key", KeyPrefix: "cnj_"},
		RateLimit: RateLimitConfig{
			Algorithm:     AlgorithmFixedWindow,
			Window:        60 * time.Second,
			Tiers:         defaultTiers(),
			IdleTTL:       10 * time.Minute,
			SweepInterval: time.Minute,
		},
		Detection: DetectionConfig{
			Window:          5 * time.Minute,
			PerIPThreshold:  10,
			GlobalThreshold: 20,
			ResetPolicy:     ResetOnCount,
			Cooldown:        5 * time.Minute,
			IdleTTL:         10 * time.Minute,
			MaxEntries:      10000,
		},
		Events: EventsConfig{LoggerName: "jokeguard", Output: "stdout", Buffer: 4096},
		Storage: StorageConfig{
			Driver: "sqlite",
			DSN:    "file:jokeguard.db?_pragma=busy_timeout(5000)",
			Seed:   true,
		},
		Admin:   AdminConfig{Enabled: true, Addr: "127.0.0.1:8081"},
		Alerts:  AlertsConfig{StoreLimit: 1000, Persist: true},
		Metrics: MetricsConfig{Enabled: true, Namespace: "jokeguard"},
	}
}

func defaultTiers() map[string]int {
	return map[string]int{TierRead: 60, TierWrite: 10, TierKeyIssue: 5}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv returns the defaults with environment overrides applied, for runs
// without a config file.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ApplyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("ADMIN_SECRET"); ok {
		cfg.Auth.AdminSecret = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DSN = v
		if strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://") {
			cfg.Storage.Driver = "postgres"
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("JOKEGUARD_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "X-API-Key"
	}
	if cfg.RateLimit.Algorithm == "" {
		cfg.RateLimit.Algorithm = AlgorithmFixedWindow
	}
	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = 60 * time.Second
	}
	if cfg.RateLimit.Tiers == nil {
		cfg.RateLimit.Tiers = defaultTiers()
	}
	for tier, limit := range defaultTiers() {
		if _, ok := cfg.RateLimit.Tiers[tier]; !ok {
			cfg.RateLimit.Tiers[tier] = limit
		}
	}
	if cfg.RateLimit.IdleTTL <= 0 {
		cfg.RateLimit.IdleTTL = 10 * time.Minute
	}
	if cfg.RateLimit.SweepInterval <= 0 {
		cfg.RateLimit.SweepInterval = time.Minute
	}
	if cfg.Detection.Window <= 0 {
		cfg.Detection.Window = 5 * time.Minute
	}
	if cfg.Detection.ResetPolicy == "" {
		cfg.Detection.ResetPolicy = ResetOnCount
	}
	if cfg.Detection.IdleTTL < cfg.Detection.Window {
		cfg.Detection.IdleTTL = 2 * cfg.Detection.Window
	}
	if cfg.Detection.MaxEntries <= 0 {
		cfg.Detection.MaxEntries = 10000
	}
	if cfg.Events.LoggerName == "" {
		cfg.Events.LoggerName = "jokeguard"
	}
	if cfg.Events.Output == "" {
		cfg.Events.Output = "stdout"
	}
	if cfg.Events.Buffer <= 0 {
		cfg.Events.Buffer = 4096
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = 1000
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "jokeguard"
	}
}

func Validate(cfg *Config) error {
	if cfg.Server.Addr == "" {
		return errors.New("server.addr required")
	}
	if cfg.Admin.Enabled && cfg.Admin.Addr == "" {
		return errors.New("admin.addr required when admin.enabled is true")
	}
	switch cfg.RateLimit.Algorithm {
	case AlgorithmFixedWindow, AlgorithmTokenBucket:
	default:
		return fmt.Errorf("rate_limit.algorithm must be %q or %q", AlgorithmFixedWindow, AlgorithmTokenBucket)
	}
	for tier, limit := range cfg.RateLimit.Tiers {
		if limit <= 0 {
			return fmt.Errorf("rate_limit.tiers.%s must be > 0", tier)
		}
	}
	if cfg.Detection.PerIPThreshold <= 0 || cfg.Detection.GlobalThreshold <= 0 {
		return errors.New("detection thresholds must be > 0")
	}
	switch cfg.Detection.ResetPolicy {
	case ResetOnCount:
	case ResetOnCooldown:
		if cfg.Detection.Cooldown <= 0 {
			return errors.New("detection.cooldown must be > 0 with the cooldown reset policy")
		}
	default:
		return fmt.Errorf("detection.reset_policy must be %q or %q", ResetOnCount, ResetOnCooldown)
	}
	if cfg.Events.Kafka.Enabled && (len(cfg.Events.Kafka.Brokers) == 0 || cfg.Events.Kafka.Topic == "") {
		return errors.New("events.kafka requires brokers and topic")
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported storage driver: %s", cfg.Storage.Driver)
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	m := &Manager{path: path}
	if path == "" {
		cfg, err := FromEnv()
		if err != nil {
			return nil, err
		}
		m.cfg.Store(cfg)
		return m, nil
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if m.path == "" {
		return
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
