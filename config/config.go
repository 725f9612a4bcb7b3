package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	LLM     LLMConfig     `yaml:"llm"`
	Backend BackendConfig `yaml:"backend"`
	Store   StoreConfig   `yaml:"store"`
	Engine  EngineConfig  `yaml:"engine"`
	Images  ImageConfig   `yaml:"images"`
	Log     LogConfig     `yaml:"log"`
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// GinMode is passed to gin.SetMode (debug, release, test)
	GinMode string `yaml:"gin_mode"`
}

// LLMConfig holds the model-inference settings
type LLMConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	Model        string        `yaml:"model"`
	ReflectModel string        `yaml:"reflect_model"` // falls back to Model
	VisionModel  string        `yaml:"vision_model"`  // falls back to Model
	Timeout      time.Duration `yaml:"timeout"`
	JSONMode     bool          `yaml:"json_mode"`
	Temperature  float32       `yaml:"temperature"`

	// Backups are tried in order when the primary endpoint fails (YAML only)
	Backups        []LLMBackupConfig `yaml:"backups"`
	BackupCooldown time.Duration     `yaml:"backup_cooldown"`
}

// LLMBackupConfig is one OpenAI-compatible fallback endpoint
type LLMBackupConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// BackendConfig holds the action backend connection settings
type BackendConfig struct {
	// Driver is "http" or "memory"
	Driver  string        `yaml:"driver"`
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// StoreConfig selects and configures the thread store
type StoreConfig struct {
	// Driver is "memory", "sqlite" or "mongodb"
	Driver          string `yaml:"driver"`
	SQLitePath      string `yaml:"sqlite_path"`
	MongoURI        string `yaml:"mongo_uri"`
	MongoDatabase   string `yaml:"mongo_database"`
	MongoCollection string `yaml:"mongo_collection"`
	MaxMessages     int    `yaml:"max_messages"`
}

// EngineConfig holds agent loop settings
type EngineConfig struct {
	// ConfirmPolicy is "auto" or "manual"
	ConfirmPolicy   string        `yaml:"confirm_policy"`
	MaxToolCalls    int           `yaml:"max_tool_calls"`
	HistoryWindow   int           `yaml:"history_window"`
	MaxLearnings    int           `yaml:"max_learnings"`
	ProposalTTL     time.Duration `yaml:"proposal_ttl"`
	DefaultCurrency string        `yaml:"default_currency"`
	SnapshotTimeout time.Duration `yaml:"snapshot_timeout"`
}

// ImageConfig bounds accepted image attachments
type ImageConfig struct {
	MaxImages int   `yaml:"max_images"`
	MaxBytes  int64 `yaml:"max_bytes"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Host:    getEnvString("QUESTMIND_HTTP_HOST", "0.0.0.0"),
			Port:    getEnvInt("QUESTMIND_HTTP_PORT", 8080),
			GinMode: getEnvString("QUESTMIND_GIN_MODE", "release"),
		},
		LLM: LLMConfig{
			APIKey:       getEnvString("QUESTMIND_LLM_API_KEY", os.Getenv("OPENAI_API_KEY")),
			BaseURL:      getEnvString("QUESTMIND_LLM_BASE_URL", ""),
			Model:        getEnvString("QUESTMIND_LLM_MODEL", "gpt-4o-mini"),
			ReflectModel: getEnvString("QUESTMIND_LLM_REFLECT_MODEL", ""),
			VisionModel:  getEnvString("QUESTMIND_LLM_VISION_MODEL", ""),
			Timeout:      time.Duration(getEnvInt("QUESTMIND_LLM_TIMEOUT_SECONDS", 60)) * time.Second,
			JSONMode:     getEnvBool("QUESTMIND_LLM_JSON_MODE", true),
			Temperature:  float32(getEnvFloat("QUESTMIND_LLM_TEMPERATURE", 0.2)),

			BackupCooldown: time.Duration(getEnvInt("QUESTMIND_LLM_BACKUP_COOLDOWN_SECONDS", 300)) * time.Second,
		},
		Backend: BackendConfig{
			Driver:  getEnvString("QUESTMIND_BACKEND_DRIVER", "http"),
			BaseURL: getEnvString("QUESTMIND_BACKEND_URL", "http://localhost:3000/api"),
			Token:   getEnvString("QUESTMIND_BACKEND_TOKEN", ""),
			Timeout: time.Duration(getEnvInt("QUESTMIND_BACKEND_TIMEOUT_SECONDS", 15)) * time.Second,
		},
		Store: StoreConfig{
			Driver:          getEnvString("QUESTMIND_STORE_DRIVER", "memory"),
			SQLitePath:      getEnvString("QUESTMIND_SQLITE_PATH", "./data/threads.db"),
			MongoURI:        getEnvString("QUESTMIND_MONGO_URI", "mongodb://localhost:27017"),
			MongoDatabase:   getEnvString("QUESTMIND_MONGO_DATABASE", "questmind"),
			MongoCollection: getEnvString("QUESTMIND_MONGO_COLLECTION", "threads"),
			MaxMessages:     getEnvInt("QUESTMIND_STORE_MAX_MESSAGES", 200),
		},
		Engine: EngineConfig{
			ConfirmPolicy:   getEnvString("QUESTMIND_CONFIRM_POLICY", "auto"),
			MaxToolCalls:    getEnvInt("QUESTMIND_MAX_TOOL_CALLS", 8),
			HistoryWindow:   getEnvInt("QUESTMIND_HISTORY_WINDOW", 20),
			MaxLearnings:    getEnvInt("QUESTMIND_MAX_LEARNINGS", 30),
			ProposalTTL:     time.Duration(getEnvInt("QUESTMIND_PROPOSAL_TTL_MINUTES", 30)) * time.Minute,
			DefaultCurrency: getEnvString("QUESTMIND_DEFAULT_CURRENCY", "USD"),
			SnapshotTimeout: time.Duration(getEnvInt("QUESTMIND_SNAPSHOT_TIMEOUT_SECONDS", 10)) * time.Second,
		},
		Images: ImageConfig{
			MaxImages: getEnvInt("QUESTMIND_MAX_IMAGES", 10),
			MaxBytes:  int64(getEnvInt("QUESTMIND_MAX_IMAGE_BYTES", 10<<20)),
		},
		Log: LogConfig{
			Level: getEnvString("QUESTMIND_LOG_LEVEL", "info"),
		},
	}

	return cfg, nil
}

// LoadFile loads configuration from the environment and overlays the YAML
// document at path. Keys missing from the file keep their env/default value.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

// Validate reports settings that cannot work together
func (c *Config) Validate() error {
	var problems []string

	switch c.Store.Driver {
	case "memory", "sqlite", "mongodb":
	default:
		problems = append(problems, fmt.Sprintf("unknown store driver %q", c.Store.Driver))
	}
	switch c.Backend.Driver {
	case "http", "memory":
	default:
		problems = append(problems, fmt.Sprintf("unknown backend driver %q", c.Backend.Driver))
	}
	switch c.Engine.ConfirmPolicy {
	case "auto", "manual":
	default:
		problems = append(problems, fmt.Sprintf("unknown confirm policy %q", c.Engine.ConfirmPolicy))
	}
	switch c.HTTP.GinMode {
	case "", "debug", "release", "test":
	default:
		problems = append(problems, fmt.Sprintf("unknown gin mode %q", c.HTTP.GinMode))
	}
	if c.Store.MaxMessages <= 0 {
		problems = append(problems, "store.max_messages must be positive")
	}
	if c.Engine.MaxToolCalls <= 0 {
		problems = append(problems, "engine.max_tool_calls must be positive")
	}
	if c.LLM.Timeout <= 0 {
		problems = append(problems, "llm.timeout must be positive")
	}
	for i, b := range c.LLM.Backups {
		if b.BaseURL == "" {
			problems = append(problems, fmt.Sprintf("llm.backups[%d].base_url is required", i))
		}
	}
	if c.Images.MaxImages <= 0 || c.Images.MaxBytes <= 0 {
		problems = append(problems, "images limits must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// GetAddress returns the HTTP server address
func (c *Config) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// Helper functions for environment variables
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
