package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "CHURCHOPS_"

// Config holds process settings read from CHURCHOPS_* environment
// variables.
type Config struct {
	HTTPAddr string
	GRPCAddr string
	PGDSN    string

	JWTSecret string
	JWTIssuer string
	JWTTTL    time.Duration

	RedisAddr      string
	KafkaBrokers   []string
	KafkaTopic     string
	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    []string
	MaxBodyBytes   int64

	AI AIConfig
}

// AIConfig configures providers and the usage quota.
type AIConfig struct {
	PrimaryProvider  string
	FallbackProvider string
	OpenAIKey        string
	OpenAIModel      string
	OpenAIBaseURL    string
	GeminiKey        string
	GeminiModel      string
	GeminiBaseURL    string
	MasterKey        string
	ProviderTimeout  time.Duration
	MessageLimit     int64
	TokenLimit       int64
	TokenEstimate    int64
	IdempotencyTTL   time.Duration
}

// Load reads the environment and applies defaults.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	r := reader{getenv: getenv}
	cfg := Config{
		HTTPAddr:       r.str("HTTP_ADDR", ":8080"),
		GRPCAddr:       r.str("GRPC_ADDR", ":9090"),
		PGDSN:          r.str("PG_DSN", ""),
		JWTSecret:      r.str("JWT_SECRET", ""),
		JWTIssuer:      r.str("JWT_ISSUER", "churchops"),
		JWTTTL:         r.duration("JWT_TTL", 12*time.Hour),
		RedisAddr:      r.str("REDIS_ADDR", ""),
		KafkaBrokers:   r.list("KAFKA_BROKERS"),
		KafkaTopic:     r.str("KAFKA_TOPIC", "churchops.ai.usage"),
		RateLimitRPS:   r.float("RATE_LIMIT_RPS", 20),
		RateLimitBurst: int(r.int("RATE_LIMIT_BURST", 40)),
		CORSOrigins:    r.list("CORS_ORIGINS"),
		MaxBodyBytes:   r.int("MAX_BODY_BYTES", 1<<20),
		AI: AIConfig{
			PrimaryProvider:  strings.ToLower(r.str("AI_PROVIDER", "openai")),
			FallbackProvider: strings.ToLower(r.str("AI_FALLBACK_PROVIDER", "gemini")),
			OpenAIKey:        r.str("OPENAI_API_KEY", ""),
			OpenAIModel:      r.str("OPENAI_MODEL", "gpt-4o-mini"),
			OpenAIBaseURL:    r.str("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			GeminiKey:        r.str("GEMINI_API_KEY", ""),
			GeminiModel:      r.str("GEMINI_MODEL", "gemini-1.5-flash"),
			GeminiBaseURL:    r.str("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
			MasterKey:        r.str("AI_MASTER_KEY", ""),
			ProviderTimeout:  r.duration("AI_PROVIDER_TIMEOUT", 45*time.Second),
			MessageLimit:     r.int("AI_MESSAGE_LIMIT", 2000),
			TokenLimit:       r.int("AI_TOKEN_LIMIT", 2_000_000),
			TokenEstimate:    r.int("AI_TOKEN_ESTIMATE", 2000),
			IdempotencyTTL:   r.duration("AI_IDEMPOTENCY_TTL", 24*time.Hour),
		},
	}
	if r.err != nil {
		return Config{}, r.err
	}
	if cfg.AI.TokenEstimate <= 0 {
		return Config{}, fmt.Errorf("config: %sAI_TOKEN_ESTIMATE must be positive", envPrefix)
	}
	if cfg.AI.MessageLimit < 0 || cfg.AI.TokenLimit < 0 {
		return Config{}, fmt.Errorf("config: AI limits must not be negative")
	}
	return cfg, nil
}

// reader keeps the first parse error so Load can report it once.
type reader struct {
	getenv func(string) string
	err    error
}

func (r *reader) raw(key string) string {
	return strings.TrimSpace(r.getenv(envPrefix + key))
}

func (r *reader) str(key, def string) string {
	if v := r.raw(key); v != "" {
		return v
	}
	return def
}

func (r *reader) list(key string) []string {
	v := r.raw(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (r *reader) int(key string, def int64) int64 {
	v := r.raw(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return n
}

func (r *reader) float(key string, def float64) float64 {
	v := r.raw(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return f
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.raw(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return d
}

func (r *reader) fail(key string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
	}
}
