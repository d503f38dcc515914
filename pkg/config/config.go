package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"
)

type Config struct {
	App       AppConfig                 `json:"app"`
	Store     StoreConfig               `json:"store"`
	Engine    EngineConfig              `json:"engine"`
	Workers   WorkersConfig             `json:"workers"`
	Providers map[string]ProviderConfig `json:"providers"`
	Gateways  map[string]GatewayConfig  `json:"gateways"`
	Scheduler SchedulerConfig           `json:"scheduler"`
}

type AppConfig struct {
	Name string `json:"name"`
	// Workspace is where the markdown planning files are mirrored.
	Workspace string `json:"workspace"`
	Prompts   string `json:"prompts"`
	// LookBackDays is the default analysis window of a session.
	LookBackDays int `json:"look_back_days"`
}

type StoreConfig struct {
	Type string `json:"type"` // memory, file or sqlite
	Path string `json:"path"`
}

type EngineConfig struct {
	MaxAttempts    int      `json:"max_attempts"`
	MaxReplans     int      `json:"max_replans"`
	PhaseTimeout   Duration `json:"phase_timeout"`
	FlushEvery     int      `json:"flush_every"`
	UnknownCeiling int      `json:"unknown_ceiling"`
	MaxBackoff     Duration `json:"max_backoff"`
	// PermanentCodes are worker reason codes never worth retrying.
	PermanentCodes []string `json:"permanent_codes,omitempty"`
}

type WorkersConfig struct {
	SearchResults int  `json:"search_results"`
	Browser       bool `json:"browser"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	Model   string `json:"model"`
	BaseURL string `json:"base_url,omitempty"`
	Enabled bool   `json:"enabled"`
}

// GatewayConfig configures a notification channel.
type GatewayConfig struct {
	Token      string `json:"token,omitempty"`
	ChatID     string `json:"chat_id,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`
	Enabled    bool   `json:"enabled"`
}

type SchedulerConfig struct {
	Interval Duration `json:"interval"`
	// ResumeUnfinished resumes sessions left unresolved by a previous process.
	ResumeUnfinished bool `json:"resume_unfinished"`
	// DashboardEvery launches a dashboard scan at this period; zero disables it.
	DashboardEvery  Duration `json:"dashboard_every"`
	DashboardTarget string   `json:"dashboard_target"`
}

// Duration reads either a Go duration string ("90s") or a number of seconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:         "clarity",
			Workspace:    "workspace",
			Prompts:      "prompts",
			LookBackDays: 30,
		},
		Store: StoreConfig{Type: "sqlite", Path: "clarity.db"},
		Engine: EngineConfig{
			MaxAttempts:    3,
			MaxReplans:     2,
			PhaseTimeout:   Duration{120 * time.Second},
			FlushEvery:     2,
			UnknownCeiling: 2,
			MaxBackoff:     Duration{2 * time.Minute},
		},
		Workers: WorkersConfig{SearchResults: 8},
		Providers: map[string]ProviderConfig{
			"openai": {Model: "gpt-4o-mini"},
		},
		Gateways: map[string]GatewayConfig{},
		Scheduler: SchedulerConfig{
			Interval:         Duration{30 * time.Second},
			ResumeUnfinished: true,
			DashboardTarget:  "US",
		},
	}
}

// LoadConfig reads a JSON config over the defaults. A missing file is not an
// error; secrets may come from the environment instead.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	file, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Printf("config file %s not found, using defaults", path)
	case err != nil:
		return nil, fmt.Errorf("failed to open config file: %w", err)
	default:
		defer file.Close()
		decoder := json.NewDecoder(file)
		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		p := c.Providers["openai"]
		if p.APIKey == "" {
			p.APIKey = key
		}
		if name, _ := c.GetDefaultProvider(); name == "" {
			p.Enabled = true
		}
		if c.Providers == nil {
			c.Providers = map[string]ProviderConfig{}
		}
		c.Providers["openai"] = p
	}
	if c.Gateways == nil {
		c.Gateways = map[string]GatewayConfig{}
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		g := c.Gateways["telegram"]
		g.Token = token
		if chat := os.Getenv("TELEGRAM_CHAT_ID"); chat != "" {
			g.ChatID = chat
		}
		g.Enabled = g.ChatID != ""
		c.Gateways["telegram"] = g
	}
	if url := os.Getenv("DISCORD_WEBHOOK_URL"); url != "" {
		g := c.Gateways["discord"]
		g.WebhookURL = url
		g.Enabled = true
		c.Gateways["discord"] = g
	}
	if path := os.Getenv("CLARITY_STORE_PATH"); path != "" {
		c.Store.Path = path
	}
}

// Validate rejects settings that would make the session loop unbounded.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "memory", "file", "sqlite":
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}
	if c.Store.Type != "memory" && c.Store.Path == "" {
		return fmt.Errorf("store path is required for %s store", c.Store.Type)
	}
	if c.Engine.MaxAttempts < 1 {
		return fmt.Errorf("engine.max_attempts must be at least 1")
	}
	if c.Engine.MaxReplans < 0 {
		return fmt.Errorf("engine.max_replans must not be negative")
	}
	if c.Engine.PhaseTimeout.Duration <= 0 {
		return fmt.Errorf("engine.phase_timeout must be positive")
	}
	if c.Engine.FlushEvery < 1 {
		return fmt.Errorf("engine.flush_every must be at least 1")
	}
	return nil
}

// GetDefaultProvider returns the first enabled provider
func (c *Config) GetDefaultProvider() (string, ProviderConfig) {
	for name, p := range c.Providers {
		if p.Enabled {
			return name, p
		}
	}
	return "", ProviderConfig{}
}

// GetGateway returns a notification channel config if enabled
func (c *Config) GetGateway(name string) (GatewayConfig, bool) {
	g, ok := c.Gateways[name]
	if ok && g.Enabled {
		return g, true
	}
	return GatewayConfig{}, false
}
