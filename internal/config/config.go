package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"atsforge/internal/fallback"
)

// Incident precondition operating modes: reject the request outright,
// or downgrade to a synthesized review action.
const (
	IncidentModeReject = "reject"
	IncidentModeReview = "review"
)

// Config models atsforge.yml. It is constructed once at process start
// and passed into the engine; nothing reads configuration ad hoc.
type Config struct {
	Service struct {
		Name string `yaml:"name"`
	} `yaml:"service"`
	Drafting struct {
		BaseURL         string `yaml:"base_url"`
		Model           string `yaml:"model"`
		TimeoutSeconds  int    `yaml:"timeout_seconds"`
		EnrichChecklist bool   `yaml:"enrich_checklist"`
	} `yaml:"drafting"`
	Policy struct {
		IncidentLessonMode string `yaml:"incident_lesson_mode"`
		MinHazards         int    `yaml:"min_hazards"`
		MinSteps           int    `yaml:"min_steps"`
	} `yaml:"policy"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig is one audit-event delivery target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with atsforge config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("config.service.name is required")
	}
	if c.Drafting.Model == "" {
		return fmt.Errorf("config.drafting.model is required")
	}
	if c.Drafting.TimeoutSeconds < 0 {
		return fmt.Errorf("config.drafting.timeout_seconds must not be negative")
	}
	switch c.Policy.IncidentLessonMode {
	case IncidentModeReject, IncidentModeReview:
	default:
		return fmt.Errorf("config.policy.incident_lesson_mode must be %q or %q", IncidentModeReject, IncidentModeReview)
	}
	// The floors are bounded by what the fallback synthesizer can
	// supply on an empty request; a higher floor would make every
	// such request structurally incomplete.
	if c.Policy.MinHazards < 1 || c.Policy.MinHazards > fallback.GuaranteedHazards {
		return fmt.Errorf("config.policy.min_hazards must be between 1 and %d", fallback.GuaranteedHazards)
	}
	if c.Policy.MinSteps < 1 || c.Policy.MinSteps > fallback.GuaranteedSteps {
		return fmt.Errorf("config.policy.min_steps must be between 1 and %d", fallback.GuaranteedSteps)
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "atsforge.yml")
}

// Default returns the built-in default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML for `config init`.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `service:
  name: atsforge

drafting:
  # Base URL of the generative drafting gateway. Leave empty to run
  # offline: documents are then built from the deterministic seeds.
  base_url: ""
  model: ats-drafter-large
  timeout_seconds: 30
  enrich_checklist: true

policy:
  # reject: a yes on incidents-in-similar-work without an attached
  # lesson-learned brief fails the request with 422.
  # review: the same condition is downgraded to a high-priority action
  # and a REVIEW_REQUIRED hint.
  incident_lesson_mode: reject
  min_hazards: 3
  min_steps: 5

webhooks: []
`
