package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Port        string
	DatabaseURL string

	OpenAIAPIKey        string
	EmbeddingModel      string
	ChatModel           string
	EmbeddingDimensions int

	SlackBotToken string
	SlackAppToken string
	SlackChannels []string
	BotUserID     string

	PipelineConcurrency int
	ParentLookback      int
	ResolveParents      bool
	CallTimeout         time.Duration
	SyncInterval        time.Duration

	ConversationK   int
	DocK            int
	RecentMessages  int
	MinHelpfulness  int
	MessageHandlers int

	PromptCostPer1K     float64
	CompletionCostPer1K float64

	CacheDir          string
	DocsWebhookSecret string

	LogLevel    string
	LogFormat   string
	Environment string

	// parse errors collected during Load, reported by Validate
	parseErrs []error
}

// Load reads configuration from the environment, after loading .env if present.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	c := &Config{
		Port:              getEnvOrDefault("PORT", "8080"),
		DatabaseURL:       getEnvOrDefault("DATABASE_URL", "postgres://localhost/threadrecall?sslmode=disable"),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		EmbeddingModel:    getEnvOrDefault("EMBEDDING_MODEL", "text-embedding-3-small"),
		ChatModel:         getEnvOrDefault("CHAT_MODEL", "gpt-4o-mini"),
		SlackBotToken:     os.Getenv("SLACK_BOT_TOKEN"),
		SlackAppToken:     os.Getenv("SLACK_APP_TOKEN"),
		SlackChannels:     splitList(os.Getenv("SLACK_CHANNELS")),
		BotUserID:         os.Getenv("BOT_USER_ID"),
		CacheDir:          getEnvOrDefault("CACHE_DIR", ".threadrecall-cache"),
		DocsWebhookSecret: os.Getenv("DOCS_WEBHOOK_SECRET"),
		LogLevel:          getEnvOrDefault("LOG_LEVEL", "INFO"),
		LogFormat:         getEnvOrDefault("LOG_FORMAT", "text"),
		Environment:       getEnvOrDefault("ENVIRONMENT", "development"),
	}

	c.EmbeddingDimensions = c.intEnv("EMBEDDING_DIMENSIONS", 1536)
	c.PipelineConcurrency = c.intEnv("PIPELINE_CONCURRENCY", 20)
	c.ParentLookback = c.intEnv("PARENT_LOOKBACK", 15)
	c.ResolveParents = c.boolEnv("RESOLVE_PARENTS", true)
	c.CallTimeout = c.durationEnv("CALL_TIMEOUT", 60*time.Second)
	c.SyncInterval = c.durationEnv("SYNC_INTERVAL", 10*time.Minute)
	c.ConversationK = c.intEnv("CONVERSATION_K", 20)
	c.DocK = c.intEnv("DOC_K", 5)
	c.RecentMessages = c.intEnv("RECENT_MESSAGES", 10)
	c.MessageHandlers = c.intEnv("MESSAGE_HANDLERS", 4)
	c.MinHelpfulness = c.intEnv("MIN_HELPFULNESS", 7)
	c.PromptCostPer1K = c.floatEnv("PROMPT_COST_PER_1K", 0.00015)
	c.CompletionCostPer1K = c.floatEnv("COMPLETION_COST_PER_1K", 0.0006)

	return c
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	errs := append([]error(nil), c.parseErrs...)

	if c.OpenAIAPIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is required"))
	}

	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}

	if c.EmbeddingDimensions <= 0 {
		errs = append(errs, errors.New("EMBEDDING_DIMENSIONS must be positive"))
	}

	if c.PipelineConcurrency <= 0 {
		errs = append(errs, errors.New("PIPELINE_CONCURRENCY must be positive"))
	}

	if c.ParentLookback <= 0 {
		errs = append(errs, errors.New("PARENT_LOOKBACK must be positive"))
	}

	if c.ConversationK <= 0 || c.DocK < 0 {
		errs = append(errs, errors.New("CONVERSATION_K must be positive and DOC_K non-negative"))
	}

	if c.RecentMessages <= 0 {
		errs = append(errs, errors.New("RECENT_MESSAGES must be positive"))
	}

	if c.MessageHandlers <= 0 {
		errs = append(errs, errors.New("MESSAGE_HANDLERS must be positive"))
	}

	if c.MinHelpfulness < 0 || c.MinHelpfulness > 10 {
		errs = append(errs, errors.New("MIN_HELPFULNESS must be between 0 and 10"))
	}

	if c.CallTimeout <= 0 {
		errs = append(errs, errors.New("CALL_TIMEOUT must be positive"))
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	if !contains(validLogLevels, strings.ToUpper(c.LogLevel)) {
		errs = append(errs, errors.New("LOG_LEVEL must be one of: DEBUG, INFO, WARN, ERROR"))
	}

	validLogFormats := []string{"text", "json"}
	if !contains(validLogFormats, strings.ToLower(c.LogFormat)) {
		errs = append(errs, errors.New("LOG_FORMAT must be one of: text, json"))
	}

	return wrap(errs)
}

// ValidateSlack checks the chat transport settings. The app token is only
// needed for socket mode.
func (c *Config) ValidateSlack(needAppToken bool) error {
	var errs []error

	if c.SlackBotToken == "" {
		errs = append(errs, errors.New("SLACK_BOT_TOKEN is required"))
	} else if !strings.HasPrefix(c.SlackBotToken, "xoxb-") {
		errs = append(errs, errors.New("SLACK_BOT_TOKEN must start with 'xoxb-'"))
	}

	if needAppToken {
		if c.SlackAppToken == "" {
			errs = append(errs, errors.New("SLACK_APP_TOKEN is required"))
		} else if !strings.HasPrefix(c.SlackAppToken, "xapp-") {
			errs = append(errs, errors.New("SLACK_APP_TOKEN must start with 'xapp-'"))
		}
	}

	if len(c.SlackChannels) == 0 {
		errs = append(errs, errors.New("SLACK_CHANNELS must list at least one channel"))
	}

	return wrap(errs)
}

func (c *Config) IsProduction() bool {
	return strings.ToLower(c.Environment) == "production"
}

func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Environment) == "development"
}

func wrap(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

func (c *Config) intEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		c.parseErrs = append(c.parseErrs, fmt.Errorf("%s must be an integer: %w", key, err))
		return defaultValue
	}
	return n
}

func (c *Config) floatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		c.parseErrs = append(c.parseErrs, fmt.Errorf("%s must be a number: %w", key, err))
		return defaultValue
	}
	return f
}

func (c *Config) boolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		c.parseErrs = append(c.parseErrs, fmt.Errorf("%s must be a boolean: %w", key, err))
		return defaultValue
	}
	return b
}

func (c *Config) durationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		c.parseErrs = append(c.parseErrs, fmt.Errorf("%s must be a duration: %w", key, err))
		return defaultValue
	}
	return d
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
