// Package config loads user preferences from ~/.missionpilot/config.yaml.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agusx1211/missionpilot/internal/decide"
	"github.com/agusx1211/missionpilot/internal/session"
	"github.com/agusx1211/missionpilot/internal/supply"
)

// Restore policies applied when the coordinator boots with a saved snapshot.
const (
	RestoreDiscard = "discard"
	RestoreResume  = "resume"
)

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "MISSIONPILOT_CONFIG"

// Config holds every tunable of a missionpilot process.
type Config struct {
	Policy   decide.Policy  `yaml:"policy"`
	Filter   supply.Filter  `yaml:"filter"`
	Gameplay GameplayConfig `yaml:"gameplay"`
	Timeouts TimeoutConfig  `yaml:"timeouts"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Notify   NotifyConfig   `yaml:"notify"`

	MaxLookupRetries int `yaml:"max_lookup_retries"`
	// LookupBaseDelay is the first backoff step between lookup retries.
	LookupBaseDelay time.Duration `yaml:"lookup_base_delay"`
	RestorePolicy   string        `yaml:"restore_policy"`

	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
	// PagePollInterval paces the page agent's loader and dialog probes.
	PagePollInterval time.Duration `yaml:"page_poll_interval"`
	// DialogRepollInterval paces dialog status queries while waiting for
	// the dialog to close.
	DialogRepollInterval time.Duration `yaml:"dialog_repoll_interval"`
}

// GameplayConfig tunes the gameplay agent poll loop.
type GameplayConfig struct {
	MonitorInterval   time.Duration `yaml:"monitor_interval"`
	ActiveInterval    time.Duration `yaml:"active_interval"`
	Cooldown          time.Duration `yaml:"cooldown"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	DryRun            bool          `yaml:"dry_run"`
}

// TimeoutConfig holds the liveness timeouts of the waiting states and the
// local timeouts of the two request/response round trips.
type TimeoutConfig struct {
	Navigating            time.Duration `yaml:"navigating"`
	WaitingForLoader      time.Duration `yaml:"waiting_for_loader"`
	OpeningDialog         time.Duration `yaml:"opening_dialog"`
	GameReady             time.Duration `yaml:"game_ready"`
	WaitingForDialogClose time.Duration `yaml:"waiting_for_dialog_close"`
	DialogQuery           time.Duration `yaml:"dialog_query"`
	AgentQuery            time.Duration `yaml:"agent_query"`
	// DialogConfirm caps the dialog re-poll loop before a rollover
	// navigation; past it the dialog is assumed closed.
	DialogConfirm time.Duration `yaml:"dialog_confirm"`
	// Lookup bounds one mission supply query; expiry counts as a failed
	// lookup.
	Lookup time.Duration `yaml:"lookup"`
}

// BridgeConfig configures the websocket bridge between the coordinator and a
// remote page agent.
type BridgeConfig struct {
	Addr        string `yaml:"addr"`
	ServiceName string `yaml:"service_name"`
	MDNS        bool   `yaml:"mdns"`
}

// Notification events.
const (
	NotifyError    = "error"
	NotifyComplete = "complete"
)

// NotifyConfig selects which session outcomes are pushed to the user.
type NotifyConfig struct {
	Pushover PushoverConfig `yaml:"pushover"`
	// Events lists the outcomes to notify about; empty means all.
	Events []string `yaml:"events,omitempty"`
}

// PushoverConfig holds Pushover API credentials.
type PushoverConfig struct {
	UserKey  string `yaml:"user_key,omitempty"`
	AppToken string `yaml:"app_token,omitempty"`
}

// Wants reports whether event should be notified.
func (n NotifyConfig) Wants(event string) bool {
	if len(n.Events) == 0 {
		return true
	}
	for _, e := range n.Events {
		if strings.EqualFold(strings.TrimSpace(e), event) {
			return true
		}
	}
	return false
}

// StartingTimeout is the fixed liveness timeout of the starting state.
const StartingTimeout = 10 * time.Second

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	def := decide.DefaultPolicy()
	if c.Policy.Crossroads == "" {
		c.Policy.Crossroads = def.Crossroads
	}
	if c.Policy.Bargain == "" {
		c.Policy.Bargain = def.Bargain
	}
	if c.Policy.Inn == "" {
		c.Policy.Inn = def.Inn
	}

	setDuration(&c.Gameplay.MonitorInterval, 2*time.Second)
	setDuration(&c.Gameplay.ActiveInterval, 500*time.Millisecond)
	setDuration(&c.Gameplay.Cooldown, 750*time.Millisecond)
	setDuration(&c.Gameplay.HeartbeatInterval, 3*time.Second)

	limits := session.DefaultLimits()
	setDuration(&c.Timeouts.Navigating, limits.Timeouts[session.StateNavigating])
	setDuration(&c.Timeouts.WaitingForLoader, limits.Timeouts[session.StateWaitingForLoader])
	setDuration(&c.Timeouts.OpeningDialog, limits.Timeouts[session.StateOpeningDialog])
	setDuration(&c.Timeouts.GameReady, limits.Timeouts[session.StateGameReady])
	setDuration(&c.Timeouts.WaitingForDialogClose, limits.Timeouts[session.StateWaitingForDialogClose])
	setDuration(&c.Timeouts.DialogQuery, 2*time.Second)
	setDuration(&c.Timeouts.AgentQuery, 2*time.Second)
	setDuration(&c.Timeouts.DialogConfirm, 5*time.Second)
	setDuration(&c.Timeouts.Lookup, 5*time.Second)

	if c.Bridge.Addr == "" {
		c.Bridge.Addr = "127.0.0.1:7420"
	}
	if c.Bridge.ServiceName == "" {
		c.Bridge.ServiceName = "missionpilot"
	}
	if c.MaxLookupRetries <= 0 {
		c.MaxLookupRetries = limits.MaxLookupRetries
	}
	if c.RestorePolicy == "" {
		c.RestorePolicy = RestoreDiscard
	}
	setDuration(&c.KeepAliveInterval, 20*time.Second)
	setDuration(&c.PagePollInterval, 250*time.Millisecond)
	setDuration(&c.LookupBaseDelay, 500*time.Millisecond)
	setDuration(&c.DialogRepollInterval, time.Second)
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// Validate rejects values the runtime cannot honor.
func (c *Config) Validate() error {
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	switch c.RestorePolicy {
	case RestoreDiscard, RestoreResume:
	default:
		return fmt.Errorf("unknown restore_policy %q (want %s or %s)", c.RestorePolicy, RestoreDiscard, RestoreResume)
	}
	if c.Filter.LevelMin > 0 && c.Filter.LevelMax > 0 && c.Filter.LevelMin > c.Filter.LevelMax {
		return fmt.Errorf("filter: level_min %d exceeds level_max %d", c.Filter.LevelMin, c.Filter.LevelMax)
	}
	for _, e := range c.Notify.Events {
		switch strings.ToLower(strings.TrimSpace(e)) {
		case NotifyError, NotifyComplete:
		default:
			return fmt.Errorf("notify: unknown event %q (want %s or %s)", e, NotifyError, NotifyComplete)
		}
	}
	if c.Timeouts.DialogConfirm >= c.Timeouts.Navigating {
		return fmt.Errorf("timeouts: dialog_confirm %s must be shorter than navigating %s", c.Timeouts.DialogConfirm, c.Timeouts.Navigating)
	}
	if c.Timeouts.Lookup >= StartingTimeout {
		return fmt.Errorf("timeouts: lookup %s must be shorter than the %s starting timeout", c.Timeouts.Lookup, StartingTimeout)
	}
	if c.Gameplay.ActiveInterval > c.Gameplay.MonitorInterval {
		return fmt.Errorf("gameplay: active_interval %s exceeds monitor_interval %s", c.Gameplay.ActiveInterval, c.Gameplay.MonitorInterval)
	}
	return nil
}

// Limits converts the config into state machine limits.
func (c *Config) Limits() session.Limits {
	return session.Limits{
		MaxLookupRetries: c.MaxLookupRetries,
		Timeouts: map[session.State]time.Duration{
			session.StateStarting:              StartingTimeout,
			session.StateNavigating:            c.Timeouts.Navigating,
			session.StateWaitingForLoader:      c.Timeouts.WaitingForLoader,
			session.StateOpeningDialog:         c.Timeouts.OpeningDialog,
			session.StateGameReady:             c.Timeouts.GameReady,
			session.StateWaitingForDialogClose: c.Timeouts.WaitingForDialogClose,
		},
	}
}

// Dir returns the global missionpilot directory (~/.missionpilot), creating it if needed.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	dir := filepath.Join(home, ".missionpilot")
	os.MkdirAll(dir, 0755)
	return dir
}

// Path returns the config file location, honoring MISSIONPILOT_CONFIG.
func Path() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return filepath.Join(Dir(), "config.yaml")
}

// Load reads the config at path (Path() when empty). A missing or empty file
// yields the defaults. JSON files parse as YAML.
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg as YAML to path (Path() when empty).
func Save(path string, cfg *Config) error {
	if path == "" {
		path = Path()
	}
	if cfg == nil {
		cfg = Default()
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
