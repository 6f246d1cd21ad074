package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models crowdline.yml.
type Config struct {
	Workflow struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"workflow"`
	Review struct {
		// Levels distinguishes an explicit 0 (no review, submissions
		// auto-approve) from an omitted field (default depth).
		Levels          *int    `yaml:"levels"`
		AuditSampleRate float64 `yaml:"audit_sample_rate"`
	} `yaml:"review"`
	Leases struct {
		TTLSeconds int `yaml:"ttl_seconds"`
	} `yaml:"leases"`
	Quality struct {
		Threshold float64 `yaml:"threshold"`
	} `yaml:"quality"`
	Skills struct {
		Catalog map[string]SkillSpec `yaml:"catalog"`
	} `yaml:"skills"`
	Notifiers []Notifier `yaml:"notifiers"`
}

type SkillSpec struct {
	Description string `yaml:"description"`
}

type Notifier struct {
	Name           string   `yaml:"name"`
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Disabled       bool     `yaml:"disabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with cdl workflow config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workflow.ID == "" {
		return fmt.Errorf("config.workflow.id is required")
	}
	if c.Review.Levels != nil && *c.Review.Levels < 0 {
		return fmt.Errorf("config.review.levels must be >= 0")
	}
	if c.Review.AuditSampleRate < 0 || c.Review.AuditSampleRate > 1 {
		return fmt.Errorf("config.review.audit_sample_rate must be within [0,1]")
	}
	if c.Leases.TTLSeconds <= 0 {
		return fmt.Errorf("config.leases.ttl_seconds must be > 0")
	}
	if c.Quality.Threshold < 0 || c.Quality.Threshold > 1 {
		return fmt.Errorf("config.quality.threshold must be within [0,1]")
	}
	for skill := range c.Skills.Catalog {
		if skill == "" {
			return fmt.Errorf("config.skills.catalog contains empty skill id")
		}
	}
	for i, n := range c.Notifiers {
		if n.URL == "" {
			return fmt.Errorf("notifier %d has empty url", i)
		}
		if n.TimeoutSeconds < 0 {
			return fmt.Errorf("notifier %s has negative timeout", n.URL)
		}
		for _, evt := range n.Events {
			if evt == "" {
				return fmt.Errorf("notifier %s has empty event filter entry", n.URL)
			}
		}
	}
	return nil
}

// ReviewLevels returns the configured review depth, falling back to the
// default when the field was omitted entirely.
func (c *Config) ReviewLevels() int {
	if c.Review.Levels == nil {
		return DefaultReviewLevels
	}
	return *c.Review.Levels
}

// LeaseTTLSeconds returns the default lease TTL.
func (c *Config) LeaseTTLSeconds() int {
	if c.Leases.TTLSeconds <= 0 {
		return DefaultLeaseTTLSeconds
	}
	return c.Leases.TTLSeconds
}

const (
	DefaultReviewLevels    = 2
	DefaultLeaseTTLSeconds = 900
	DefaultQualityThresh   = 0.8
	DefaultAuditSampleRate = 0.1
)

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "crowdline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(workflowID string) string {
	return fmt.Sprintf(defaultTemplate, workflowID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a workflow.
func Default(workflowID string) *Config {
	var cfg Config
	cfg.Workflow.ID = workflowID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, workflowID))).Decode(&cfg)
	return &cfg
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

const defaultTemplate = `workflow:
  id: %s
  name: Annotation workflow

review:
  levels: 2
  audit_sample_rate: 0.1

leases:
  ttl_seconds: 900

quality:
  threshold: 0.8

skills:
  catalog:
    nlp.sentiment:
      description: "Sentiment labeling for short text"
    nlp.ner:
      description: "Named entity span annotation"
    vision.bbox:
      description: "Bounding boxes on still images"
    vision.segmentation:
      description: "Pixel-level segmentation masks"
    audio.transcription:
      description: "Verbatim speech transcription"
    review.general:
      description: "Second-pass review of submitted annotations"
`
