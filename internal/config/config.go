// Package config loads and validates the daemon configuration from
// config.yaml under the pipehealth home directory. Secrets are never
// stored in the file: fields ending in _env name the environment
// variable holding the value.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML fields written as "30m", "2h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type LogConfig struct {
	Level string `yaml:"level"`
	Quiet bool   `yaml:"quiet"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type BusConfig struct {
	QueueSize int `yaml:"queue_size"`
}

type GatewayConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Addr         string `yaml:"addr"`
	AuthTokenEnv string `yaml:"auth_token_env"`
}

// AuthToken resolves the bearer token from the configured env var.
func (g GatewayConfig) AuthToken() string {
	if g.AuthTokenEnv == "" {
		return ""
	}
	return os.Getenv(g.AuthTokenEnv)
}

// TierConfig is one escalation tier. Delay is how long a case stays at
// this tier before advancing; the last tier's delay is ignored.
// Audiences lists the audience names notified when a case reaches this
// tier.
type TierConfig struct {
	Tier      int      `yaml:"tier"`
	Delay     Duration `yaml:"delay"`
	Audiences []string `yaml:"audiences"`
}

type EscalationConfig struct {
	Tiers []TierConfig `yaml:"tiers"`
}

type WebhookConfig struct {
	Name      string   `yaml:"name"`
	Type      string   `yaml:"type"` // slack, teams, generic
	URL       string   `yaml:"url"`
	URLEnv    string   `yaml:"url_env"`
	Audiences []string `yaml:"audiences"`
}

// ResolveURL prefers the env var over the inline URL, so webhook
// secrets can stay out of config.yaml.
func (w WebhookConfig) ResolveURL() string {
	if w.URLEnv != "" {
		if v := os.Getenv(w.URLEnv); v != "" {
			return v
		}
	}
	return w.URL
}

type TelegramConfig struct {
	Enabled   bool     `yaml:"enabled"`
	TokenEnv  string   `yaml:"token_env"`
	ChatID    int64    `yaml:"chat_id"`
	Audiences []string `yaml:"audiences"`
}

func (t TelegramConfig) Token() string {
	if t.TokenEnv == "" {
		return os.Getenv("TELEGRAM_TOKEN")
	}
	return os.Getenv(t.TokenEnv)
}

// TicketConfig files incident tickets at MinTier and above.
type TicketConfig struct {
	Enabled   bool   `yaml:"enabled"`
	URL       string `yaml:"url"`
	APIKeyEnv string `yaml:"api_key_env"`
	MinTier   int    `yaml:"min_tier"`
}

func (t TicketConfig) APIKey() string {
	if t.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(t.APIKeyEnv)
}

type NotifyConfig struct {
	Workers     int             `yaml:"workers"`
	MaxAttempts int             `yaml:"max_attempts"`
	BaseDelay   Duration        `yaml:"base_delay"`
	Webhooks    []WebhookConfig `yaml:"webhooks"`
	Telegram    TelegramConfig  `yaml:"telegram"`
	Ticket      TicketConfig    `yaml:"ticket"`
}

type MetricConfig struct {
	Name      string  `yaml:"name"`
	Tolerance float64 `yaml:"tolerance"`
	Mode      string  `yaml:"mode"` // absolute, relative
}

type PipelineConfig struct {
	ID              string         `yaml:"id"`
	Deadline        Duration       `yaml:"deadline"`
	HeartbeatWindow Duration       `yaml:"heartbeat_window"`
	MaxAttempts     int            `yaml:"max_attempts"`
	Metrics         []MetricConfig `yaml:"metrics"`
}

type ReconcileConfig struct {
	SourceURL    string   `yaml:"source_url"`
	TargetURL    string   `yaml:"target_url"`
	AuthTokenEnv string   `yaml:"auth_token_env"`
	FetchTimeout Duration `yaml:"fetch_timeout"`
	RecheckCron  string   `yaml:"recheck_cron"`
	BatchCount   int      `yaml:"batch_count"`
	MaxDepth     int      `yaml:"max_depth"`
}

// AuthToken resolves the provider bearer token from the configured env
// var.
func (r ReconcileConfig) AuthToken() string {
	if r.AuthTokenEnv == "" {
		return ""
	}
	return os.Getenv(r.AuthTokenEnv)
}

// Enabled reports whether both warehouse sides are configured.
func (r ReconcileConfig) Enabled() bool {
	return r.SourceURL != "" && r.TargetURL != ""
}

type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // stdout, otlp
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	Log        LogConfig        `yaml:"log"`
	Store      StoreConfig      `yaml:"store"`
	Bus        BusConfig        `yaml:"bus"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Escalation EscalationConfig `yaml:"escalation"`
	Notify     NotifyConfig     `yaml:"notify"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Pipelines  []PipelineConfig `yaml:"pipelines"`
	Otel       OtelConfig       `yaml:"otel"`
}

// StorePath returns the SQLite path, defaulting under the home dir.
func (c Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.HomeDir, "pipehealth.db")
}

// ChannelNames lists every configured channel name, for wiring checks.
func (c Config) ChannelNames() []string {
	var names []string
	for _, wh := range c.Notify.Webhooks {
		names = append(names, wh.Name)
	}
	if c.Notify.Telegram.Enabled {
		names = append(names, "telegram")
	}
	if c.Notify.Ticket.Enabled {
		names = append(names, "tickets")
	}
	return names
}

// ChannelAudiences maps each tier to the channel names it notifies: a
// channel is included when its audience list intersects the tier's.
// The ticket channel joins every tier at or above its min_tier.
func (c Config) ChannelAudiences() map[int][]string {
	out := make(map[int][]string, len(c.Escalation.Tiers))
	for _, tier := range c.Escalation.Tiers {
		want := make(map[string]bool, len(tier.Audiences))
		for _, a := range tier.Audiences {
			want[a] = true
		}
		var names []string
		for _, wh := range c.Notify.Webhooks {
			if audienceMatch(want, wh.Audiences) {
				names = append(names, wh.Name)
			}
		}
		if c.Notify.Telegram.Enabled && audienceMatch(want, c.Notify.Telegram.Audiences) {
			names = append(names, "telegram")
		}
		if c.Notify.Ticket.Enabled && tier.Tier >= c.Notify.Ticket.MinTier {
			names = append(names, "tickets")
		}
		out[tier.Tier] = names
	}
	return out
}

func audienceMatch(want map[string]bool, have []string) bool {
	if len(have) == 0 {
		// A channel without audiences serves everyone.
		return true
	}
	for _, a := range have {
		if want[a] {
			return true
		}
	}
	return false
}

// Fingerprint returns a stable hash of the settings whose change
// requires a daemon restart.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "store=%s|bus=%d|gw=%s|pipelines=%d",
		c.StorePath(), c.Bus.QueueSize, c.Gateway.Addr, len(c.Pipelines))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		Bus: BusConfig{QueueSize: 256},
		Gateway: GatewayConfig{
			Enabled:      true,
			Addr:         "127.0.0.1:8787",
			AuthTokenEnv: "PIPEHEALTH_TOKEN",
		},
		Escalation: EscalationConfig{
			Tiers: []TierConfig{
				{Tier: 1, Delay: Duration(30 * time.Minute), Audiences: []string{"oncall"}},
				{Tier: 2, Delay: Duration(30 * time.Minute), Audiences: []string{"oncall", "lead"}},
				{Tier: 3, Delay: Duration(time.Hour), Audiences: []string{"oncall", "lead", "manager"}},
			},
		},
		Notify: NotifyConfig{
			Workers:     4,
			MaxAttempts: 5,
			BaseDelay:   Duration(time.Second),
			Ticket:      TicketConfig{MinTier: 3},
		},
		Reconcile: ReconcileConfig{
			FetchTimeout: Duration(30 * time.Second),
			RecheckCron:  "*/5 * * * *",
			BatchCount:   8,
			MaxDepth:     3,
		},
		Otel: OtelConfig{
			Exporter:    "stdout",
			ServiceName: "pipehealth",
			SampleRate:  1.0,
		},
	}
}

// HomeDir resolves the pipehealth home directory. PIPEHEALTH_HOME
// overrides the default ~/.pipehealth.
func HomeDir() string {
	if override := os.Getenv("PIPEHEALTH_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".pipehealth")
}

// ConfigPath returns the path to config.yaml within the home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the pipehealth home, applies defaults,
// and validates. A missing file yields the defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create pipehealth home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
		if err := validatePipelinesSchema(data); err != nil {
			return cfg, err
		}
	}

	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Bus.QueueSize <= 0 {
		cfg.Bus.QueueSize = 256
	}
	if cfg.Gateway.Addr == "" {
		cfg.Gateway.Addr = "127.0.0.1:8787"
	}
	if cfg.Notify.Workers <= 0 {
		cfg.Notify.Workers = 4
	}
	if cfg.Notify.MaxAttempts <= 0 {
		cfg.Notify.MaxAttempts = 5
	}
	if cfg.Notify.BaseDelay <= 0 {
		cfg.Notify.BaseDelay = Duration(time.Second)
	}
	if cfg.Notify.Ticket.MinTier <= 0 {
		cfg.Notify.Ticket.MinTier = 3
	}
	if cfg.Reconcile.FetchTimeout <= 0 {
		cfg.Reconcile.FetchTimeout = Duration(30 * time.Second)
	}
	if cfg.Reconcile.BatchCount < 2 {
		cfg.Reconcile.BatchCount = 8
	}
	if cfg.Reconcile.MaxDepth <= 0 {
		cfg.Reconcile.MaxDepth = 3
	}
	for i := range cfg.Pipelines {
		p := &cfg.Pipelines[i]
		if p.MaxAttempts <= 0 {
			p.MaxAttempts = 3
		}
		for j := range p.Metrics {
			if p.Metrics[j].Mode == "" {
				p.Metrics[j].Mode = "relative"
			}
		}
	}
}

func validate(cfg *Config) error {
	if len(cfg.Escalation.Tiers) == 0 {
		return fmt.Errorf("escalation: at least one tier required")
	}
	for i, tier := range cfg.Escalation.Tiers {
		if tier.Tier != i+1 {
			return fmt.Errorf("escalation: tiers must be numbered consecutively from 1, got %d at position %d", tier.Tier, i)
		}
		if i < len(cfg.Escalation.Tiers)-1 && tier.Delay <= 0 {
			return fmt.Errorf("escalation: tier %d needs a positive delay", tier.Tier)
		}
	}

	seen := make(map[string]bool, len(cfg.Pipelines))
	for _, p := range cfg.Pipelines {
		if p.ID == "" {
			return fmt.Errorf("pipelines: id required")
		}
		if seen[p.ID] {
			return fmt.Errorf("pipelines: duplicate id %q", p.ID)
		}
		seen[p.ID] = true
		if p.Deadline <= 0 {
			return fmt.Errorf("pipeline %s: positive deadline required", p.ID)
		}
		for _, m := range p.Metrics {
			if m.Mode != "absolute" && m.Mode != "relative" {
				return fmt.Errorf("pipeline %s metric %s: mode must be absolute or relative", p.ID, m.Name)
			}
			if m.Tolerance < 0 {
				return fmt.Errorf("pipeline %s metric %s: tolerance must be >= 0", p.ID, m.Name)
			}
		}
	}

	for _, wh := range cfg.Notify.Webhooks {
		if wh.Name == "" {
			return fmt.Errorf("notify: webhook name required")
		}
		if wh.URL == "" && wh.URLEnv == "" {
			return fmt.Errorf("notify: webhook %s needs url or url_env", wh.Name)
		}
	}
	if cfg.Notify.Ticket.Enabled && cfg.Notify.Ticket.URL == "" {
		return fmt.Errorf("notify: ticket channel needs a url")
	}
	return nil
}
