package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration.
type Config struct {
	Port            string
	Env             string
	DatabaseURL     string
	ObjectStoreType string
	LocalStoreDir   string
	AWSRegion       string
	S3Bucket        string
	S3Prefix        string

	OpenAIAPIKey     string
	AnthropicAPIKey  string
	GeminiAPIKey     string
	OpenRouterAPIKey string
	DeepSeekAPIKey   string
	OpenAIModel      string
	AnthropicModel   string
	GeminiModel      string
	OpenRouterModel  string
	DeepSeekModel    string

	ProviderTimeout         time.Duration
	ProviderRetryMaxElapsed time.Duration
	SynthesisSourceLimit    int

	TierFreeTokens       int64
	TierProTokens        int64
	TierEnterpriseTokens int64

	EventsBackend string
	NATSURL       string
	EventsSubject string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	// Best-effort load of local env files for dev convenience.
	loadEnvFiles(".env", "cmd/.env")

	env := normalizeEnv(getEnv("ENV", "dev"))
	dbURL := os.Getenv("DATABASE_URL")

	if env == "production" && dbURL == "" {
		log.Printf("DATABASE_URL is required in production")
	}

	return Config{
		Port:            getEnv("PORT", "8080"),
		Env:             env,
		DatabaseURL:     dbURL,
		ObjectStoreType: normalizeStoreType(getEnv("OBJECT_STORE", "local")),
		LocalStoreDir:   getEnv("LOCAL_STORE_DIR", "./data"),
		AWSRegion:       getEnv("AWS_REGION", ""),
		S3Bucket:        getEnv("S3_BUCKET", ""),
		S3Prefix:        getEnv("S3_PREFIX", ""),

		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		GeminiAPIKey:     os.Getenv("GEMINI_API_KEY"),
		OpenRouterAPIKey: os.Getenv("OPENROUTER_API_KEY"),
		DeepSeekAPIKey:   os.Getenv("DEEPSEEK_API_KEY"),
		OpenAIModel:      getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		AnthropicModel:   getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-5"),
		GeminiModel:      getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		OpenRouterModel:  getEnv("OPENROUTER_MODEL", "openrouter/auto"),
		DeepSeekModel:    getEnv("DEEPSEEK_MODEL", "deepseek-chat"),

		ProviderTimeout:         getEnvDuration("PROVIDER_TIMEOUT", 120*time.Second),
		ProviderRetryMaxElapsed: getEnvDuration("PROVIDER_RETRY_MAX_ELAPSED", 5*time.Second),
		SynthesisSourceLimit:    getEnvInt("SYNTHESIS_SOURCE_LIMIT", 12000),

		TierFreeTokens:       int64(getEnvInt("TIER_FREE_TOKENS", 50_000)),
		TierProTokens:        int64(getEnvInt("TIER_PRO_TOKENS", 500_000)),
		TierEnterpriseTokens: int64(getEnvInt("TIER_ENTERPRISE_TOKENS", 5_000_000)),

		EventsBackend: normalizeEventsBackend(getEnv("EVENTS_BACKEND", "none")),
		NATSURL:       getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		EventsSubject: getEnv("EVENTS_SUBJECT", "analysis.events"),
	}
}

// PlatformKeys returns the process-wide fallback credentials keyed by provider id.
func (c Config) PlatformKeys() map[string]string {
	return map[string]string{
		"openai":     c.OpenAIAPIKey,
		"anthropic":  c.AnthropicAPIKey,
		"gemini":     c.GeminiAPIKey,
		"openrouter": c.OpenRouterAPIKey,
		"deepseek":   c.DeepSeekAPIKey,
	}
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		log.Printf("config %s invalid int %q, using %d", key, raw, def)
		return def
	}
	return val
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := time.ParseDuration(raw)
	if err != nil || val <= 0 {
		log.Printf("config %s invalid duration %q, using %s", key, raw, def)
		return def
	}
	return val
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	case "development", "dev":
		return "dev"
	default:
		return "dev"
	}
}

func normalizeStoreType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "s3":
		return "s3"
	default:
		return "local"
	}
}

func normalizeEventsBackend(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "nats":
		return "nats"
	default:
		return "none"
	}
}
