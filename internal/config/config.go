package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	APIToken string `yaml:"api_token"`

	// Google
	GoogleCredentialsPath string `yaml:"google_credentials_path"`
	GoogleTokenPath       string `yaml:"google_token_path"`
	DriveFolderID         string `yaml:"drive_folder_id"`

	// Anthropic
	AnthropicAPIKey      string `yaml:"anthropic_api_key"`
	AnthropicModel       string `yaml:"anthropic_model"`
	MaxDocumentChars     int    `yaml:"max_document_chars"`
	LLMMaxRetries        int    `yaml:"llm_max_retries"`
	LLMRequestsPerMinute int    `yaml:"llm_requests_per_minute"`

	// Affinity
	AffinityAPIKey     string  `yaml:"affinity_api_key"`
	AffinityPipelineID string  `yaml:"affinity_pipeline_id"`
	AffinityBaseURL    string  `yaml:"affinity_base_url"`
	CRMMaxRetries      int     `yaml:"crm_max_retries"`
	MatchSimilarity    float64 `yaml:"match_similarity"`

	// Sender identity
	FromEmail string `yaml:"from_email"`
	FromName  string `yaml:"from_name"`

	CheckInterval     time.Duration `yaml:"check_interval"`
	ProcessedDocsFile string        `yaml:"processed_docs_file"`
	DatabaseURL       string        `yaml:"database_url"`

	// Optional integrations
	NatsURL       string `yaml:"nats_url"`
	NatsToken     string `yaml:"nats_token"`
	SlackBotToken string `yaml:"slack_bot_token"`
	SlackChannel  string `yaml:"slack_channel"`
}

func defaults() Config {
	return Config{
		Port:                  8760,
		LogLevel:              "info",
		GoogleCredentialsPath: "credentials.json",
		GoogleTokenPath:       "google_token.json",
		AnthropicModel:        "claude-3-5-haiku-latest",
		MaxDocumentChars:      12000,
		LLMMaxRetries:         4,
		LLMRequestsPerMinute:  30,
		AffinityBaseURL:       "https://api.affinity.co",
		CRMMaxRetries:         3,
		FromName:              "VC Team",
		CheckInterval:         15 * time.Minute,
		ProcessedDocsFile:     "processed_docs.jsonl",
	}
}

// Load reads .env files, an optional YAML file named by DEALFLOW_CONFIG, then
// environment variables. Later sources override earlier ones.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if path := os.Getenv("DEALFLOW_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = envInt("DEALFLOW_PORT", c.Port)
	c.LogLevel = envStr("LOG_LEVEL", c.LogLevel)
	c.APIToken = envStr("DEALFLOW_API_TOKEN", c.APIToken)

	c.GoogleCredentialsPath = envStr("GOOGLE_CREDENTIALS_PATH", c.GoogleCredentialsPath)
	c.GoogleTokenPath = envStr("GOOGLE_TOKEN_PATH", c.GoogleTokenPath)
	c.DriveFolderID = envStr("GOOGLE_DRIVE_FOLDER_ID", c.DriveFolderID)

	c.AnthropicAPIKey = envStr("ANTHROPIC_API_KEY", c.AnthropicAPIKey)
	c.AnthropicModel = envStr("DEALFLOW_MODEL", c.AnthropicModel)
	c.MaxDocumentChars = envInt("MAX_DOCUMENT_CHARS", c.MaxDocumentChars)
	c.LLMMaxRetries = envInt("LLM_MAX_RETRIES", c.LLMMaxRetries)
	c.LLMRequestsPerMinute = envInt("LLM_REQUESTS_PER_MINUTE", c.LLMRequestsPerMinute)

	c.AffinityAPIKey = envStr("AFFINITY_API_KEY", c.AffinityAPIKey)
	c.AffinityPipelineID = envStr("AFFINITY_PIPELINE_ID", c.AffinityPipelineID)
	c.AffinityBaseURL = envStr("AFFINITY_BASE_URL", c.AffinityBaseURL)
	c.CRMMaxRetries = envInt("CRM_MAX_RETRIES", c.CRMMaxRetries)
	c.MatchSimilarity = envFloat("MATCH_SIMILARITY", c.MatchSimilarity)

	c.FromEmail = envStr("FROM_EMAIL", c.FromEmail)
	c.FromName = envStr("FROM_NAME", c.FromName)

	c.CheckInterval = envDuration("CHECK_INTERVAL", c.CheckInterval)
	if mins := envInt("CHECK_INTERVAL_MINUTES", 0); mins > 0 {
		c.CheckInterval = time.Duration(mins) * time.Minute
	}
	c.ProcessedDocsFile = envStr("PROCESSED_DOCS_FILE", c.ProcessedDocsFile)
	c.DatabaseURL = envStr("DATABASE_URL", c.DatabaseURL)

	c.NatsURL = envStr("NATS_URL", c.NatsURL)
	c.NatsToken = envStr("NATS_TOKEN", c.NatsToken)
	c.SlackBotToken = envStr("SLACK_BOT_TOKEN", c.SlackBotToken)
	c.SlackChannel = envStr("SLACK_CHANNEL", c.SlackChannel)
}

// Validate reports every missing setting required to run the pipeline.
func (c Config) Validate() error {
	var errs []error
	required := []struct{ name, value string }{
		{"GOOGLE_DRIVE_FOLDER_ID", c.DriveFolderID},
		{"AFFINITY_API_KEY", c.AffinityAPIKey},
		{"AFFINITY_PIPELINE_ID", c.AffinityPipelineID},
		{"ANTHROPIC_API_KEY", c.AnthropicAPIKey},
		{"FROM_EMAIL", c.FromEmail},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, fmt.Errorf("missing required setting %s", r.name))
		}
	}
	if _, err := os.Stat(c.GoogleCredentialsPath); err != nil {
		errs = append(errs, fmt.Errorf("google credentials file not found: %s", c.GoogleCredentialsPath))
	}
	if c.CheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("check interval must be positive, got %s", c.CheckInterval))
	}
	return errors.Join(errs...)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
