package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Vision   Vision   `yaml:"vision"`
	Classify Classify `yaml:"classify"`
	Output   Output   `yaml:"output"`
	Server   Server   `yaml:"server"`
	Logging  Logging  `yaml:"logging"`
}

// Vision configures the model that reads page images.
type Vision struct {
	Provider       string  `yaml:"provider"`
	Model          string  `yaml:"model"`
	OllamaURL      string  `yaml:"ollama_url"`
	OpenAIModel    string  `yaml:"openai_model"`
	BaseURL        string  `yaml:"base_url"`
	APIKeyEnv      string  `yaml:"api_key_env"`
	Prompt         string  `yaml:"prompt"`
	MaxTokens      int     `yaml:"max_tokens"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	MaxRetries     int     `yaml:"max_retries"`
	BackoffFactor  float64 `yaml:"backoff_factor"`
}

// Classify configures question categorization.
type Classify struct {
	UseAI     bool   `yaml:"use_ai"`
	Workers   int    `yaml:"workers"`
	Pattern   string `yaml:"pattern"`
	MaxTokens int    `yaml:"max_tokens"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for satscan.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "satscan")
}

// DataDir returns the XDG data directory for satscan.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "satscan")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/satscan/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'satscan init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Vision: Vision{
			Provider:       "ollama",
			Model:          "qwen2.5vl:7b",
			OllamaURL:      "http://localhost:11434",
			OpenAIModel:    "gpt-4o-mini",
			BaseURL:        "https://api.openai.com/v1",
			APIKeyEnv:      "OPENAI_API_KEY",
			MaxTokens:      4096,
			TimeoutSeconds: 300,
			MaxRetries:     3,
			BackoffFactor:  2.0,
		},
		Classify: Classify{
			Workers:   4,
			Pattern:   "*.txt",
			MaxTokens: 50,
		},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// DatabasePath returns the SQLite file inside the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.GetDataDir(), "questions.db")
}

// Timeout returns the vision request timeout as a duration.
func (v Vision) Timeout() time.Duration {
	return time.Duration(v.TimeoutSeconds) * time.Second
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
