package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Config models tasksift.yml.
type Config struct {
	Server struct {
		Addr         string `yaml:"addr"`
		BasePath     string `yaml:"base_path"`
		CookieSecure bool   `yaml:"cookie_secure"`
	} `yaml:"server"`
	Board struct {
		BaseURL  string        `yaml:"base_url"`
		Timeout  time.Duration `yaml:"timeout"`
		PageSize int           `yaml:"page_size"`
		OAuth    BoardOAuth    `yaml:"oauth"`
	} `yaml:"board"`
	Classifier struct {
		Provider  string `yaml:"provider"`
		Model     string `yaml:"model"`
		BaseURL   string `yaml:"base_url"`
		MaxTokens int    `yaml:"max_tokens"`
		AWSRegion string `yaml:"aws_region"`
	} `yaml:"classifier"`
	Skill     SkillConfig `yaml:"skill"`
	Scheduler struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"scheduler"`
	Logging struct {
		File  string `yaml:"file"`
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// BoardOAuth enables connecting the board through Asana's OAuth grant. The
// flow is off while ClientID is empty.
type BoardOAuth struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	AuthURL      string `yaml:"auth_url"`
	TokenURL     string `yaml:"token_url"`
	// RedirectURL is the callback registered with Asana. Derived from the
	// request when empty.
	RedirectURL string `yaml:"redirect_url"`
	// ReturnURL is where the browser lands after the callback. Without it the
	// callback answers with JSON.
	ReturnURL string `yaml:"return_url"`
}

// SkillConfig holds the learning loop knobs.
type SkillConfig struct {
	BootstrapSample     int     `yaml:"bootstrap_sample"`
	NotesLimit          int     `yaml:"notes_limit"`
	FeedbackNotesLimit  int     `yaml:"feedback_notes_limit"`
	DefaultThreshold    float64 `yaml:"default_threshold"`
	RefinementThreshold int     `yaml:"refinement_threshold"`
	EvaluationBatch     int     `yaml:"evaluation_batch"`
	CandidateListLimit  int     `yaml:"candidate_list_limit"`
}

var knownLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return errors.Newf("config.server.base_path %q must start with /", c.Server.BasePath)
	}
	if c.Board.BaseURL == "" {
		return errors.New("config.board.base_url is required")
	}
	if c.Board.Timeout <= 0 {
		return errors.New("config.board.timeout must be positive")
	}
	if c.Board.PageSize < 1 || c.Board.PageSize > 100 {
		return errors.Newf("config.board.page_size must be within 1..100, got %d", c.Board.PageSize)
	}
	if c.Classifier.MaxTokens <= 0 {
		return errors.New("config.classifier.max_tokens must be positive")
	}
	s := c.Skill
	if s.BootstrapSample < 1 {
		return errors.New("config.skill.bootstrap_sample must be at least 1")
	}
	if s.NotesLimit < 0 || s.FeedbackNotesLimit < 0 {
		return errors.New("config.skill notes limits must not be negative")
	}
	if s.DefaultThreshold < 0 || s.DefaultThreshold > 1 {
		return errors.Newf("config.skill.default_threshold must be within [0,1], got %v", s.DefaultThreshold)
	}
	if s.RefinementThreshold < 1 {
		return errors.New("config.skill.refinement_threshold must be at least 1")
	}
	if s.EvaluationBatch < 1 {
		return errors.New("config.skill.evaluation_batch must be at least 1")
	}
	if s.CandidateListLimit < 1 {
		return errors.New("config.skill.candidate_list_limit must be at least 1")
	}
	if c.Scheduler.Interval <= 0 {
		return errors.New("config.scheduler.interval must be positive")
	}
	if c.Logging.Level != "" && !knownLevels[strings.ToLower(c.Logging.Level)] {
		return errors.Newf("config.logging.level %q is not one of debug|info|warn|error", c.Logging.Level)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "tasksift.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WithHint(errors.Newf("config %s not found", path), "write one with: sift config init")
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the config file does not exist.
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

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(err)
	}
	return &cfg
}

// FromYAML overlays raw YAML on the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "invalid config yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: "127.0.0.1:8080"
  base_path: ""
  cookie_secure: false

board:
  base_url: "https://app.asana.com/api/1.0"
  timeout: 30s
  page_size: 100
  oauth:
    # Leave client_id empty to accept personal access tokens only.
    client_id: ""
    # Prefer SIFT_BOARD_CLIENT_SECRET over storing the secret here.
    client_secret: ""
    auth_url: "https://app.asana.com/-/oauth_authorize"
    token_url: "https://app.asana.com/-/oauth_token"
    redirect_url: ""
    return_url: ""

classifier:
  # anthropic | openai | deepseek | gemini | ollama | bedrock
  provider: anthropic
  model: ""
  base_url: ""
  max_tokens: 2048
  aws_region: ""

skill:
  bootstrap_sample: 50
  notes_limit: 500
  feedback_notes_limit: 200
  default_threshold: 0.6
  refinement_threshold: 5
  evaluation_batch: 20
  candidate_list_limit: 50

scheduler:
  interval: 5m

logging:
  file: ""
  level: info
`
