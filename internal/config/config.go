// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64

	// Roster and persisted state.
	RosterPath       string // Empty means the embedded default roster.
	StateURL         string // file://, sqlite://, postgres://, mongodb:// or memory://
	AutosaveInterval time.Duration

	// Coordinator settings.
	LockTimeout          time.Duration
	LockRetries          int
	PersistQueueSize     int
	InteractionQueueSize int
	Workers              int
	ResponseTimeout      time.Duration
	PersistTimeout       time.Duration
	ShutdownGrace        time.Duration

	// Simulation loop.
	SimAutostart   bool
	SimTickMin     time.Duration
	SimTickMax     time.Duration
	SimMaxFailures int
	SimBackoffStep time.Duration
	SimBackoffCap  time.Duration
	SimSeed        uint64 // 0 seeds from the clock.
	SimActions     string // "social=35,move=20,..."; omitted actions keep their default

	// Relationship ledger policy.
	DecayAfter        time.Duration
	DecayStep         int
	ConflictBase      float64
	ConflictCeiling   float64
	FrequentThreshold int

	// Response generation.
	Responder       string // "auto", "ollama", "openai", "gemini", or "placeholder"
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIModel     string
	OllamaURL       string
	OllamaChatModel string
	GeminiAPIKey    string
	GeminiModel     string

	// Long-term memory.
	Memory              string // "auto", "qdrant", "pgvector", or "noop"
	QdrantURL           string
	QdrantAPIKey        string
	QdrantCollection    string
	PGVectorURL         string
	EmbeddingModel      string
	EmbeddingDimensions int // Vector dimensions; must match the chosen model's output.

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// Rate limiting for chat commands.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	LogLevel string
}

// loader accumulates parse errors so Load can report every bad variable at once.
type loader struct {
	errs []error
}

func (l *loader) str(key, def string) string { return envStr(key, def) }

func (l *loader) int(key string, def int) int {
	v, err := envInt(key, def)
	l.add(err)
	return v
}

func (l *loader) bool(key string, def bool) bool {
	v, err := envBool(key, def)
	l.add(err)
	return v
}

func (l *loader) float(key string, def float64) float64 {
	v, err := envFloat(key, def)
	l.add(err)
	return v
}

func (l *loader) duration(key string, def time.Duration) time.Duration {
	v, err := envDuration(key, def)
	l.add(err)
	return v
}

func (l *loader) add(err error) {
	if err != nil {
		l.errs = append(l.errs, err)
	}
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	var l loader
	cfg := Config{
		Port:                l.int("MACHI_PORT", 8080),
		ReadTimeout:         l.duration("MACHI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        l.duration("MACHI_WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBodyBytes: int64(l.int("MACHI_MAX_REQUEST_BODY_BYTES", 64*1024)),

		RosterPath:       l.str("MACHI_ROSTER_PATH", ""),
		StateURL:         l.str("MACHI_STATE_URL", "file://machi-state.json.zst"),
		AutosaveInterval: l.duration("MACHI_AUTOSAVE_INTERVAL", 300*time.Second),

		LockTimeout:          l.duration("MACHI_LOCK_TIMEOUT", 5*time.Second),
		LockRetries:          l.int("MACHI_LOCK_RETRIES", 3),
		PersistQueueSize:     l.int("MACHI_PERSIST_QUEUE_SIZE", 100),
		InteractionQueueSize: l.int("MACHI_INTERACTION_QUEUE_SIZE", 50),
		Workers:              l.int("MACHI_WORKERS", 4),
		ResponseTimeout:      l.duration("MACHI_RESPONSE_TIMEOUT", 15*time.Second),
		PersistTimeout:       l.duration("MACHI_PERSIST_TIMEOUT", 10*time.Second),
		ShutdownGrace:        l.duration("MACHI_SHUTDOWN_GRACE", 10*time.Second),

		SimAutostart:   l.bool("MACHI_SIM_AUTOSTART", true),
		SimTickMin:     l.duration("MACHI_SIM_TICK_MIN", 3*time.Second),
		SimTickMax:     l.duration("MACHI_SIM_TICK_MAX", 8*time.Second),
		SimMaxFailures: l.int("MACHI_SIM_MAX_FAILURES", 3),
		SimBackoffStep: l.duration("MACHI_SIM_BACKOFF_STEP", 5*time.Second),
		SimBackoffCap:  l.duration("MACHI_SIM_BACKOFF_CAP", 30*time.Second),
		SimSeed:        uint64(max(l.int("MACHI_SIM_SEED", 0), 0)),
		SimActions:     l.str("MACHI_SIM_ACTIONS", ""),

		DecayAfter:        l.duration("MACHI_DECAY_AFTER", time.Hour),
		DecayStep:         l.int("MACHI_DECAY_STEP", 2),
		ConflictBase:      l.float("MACHI_CONFLICT_BASE", 0.15),
		ConflictCeiling:   l.float("MACHI_CONFLICT_CEILING", 1.0),
		FrequentThreshold: l.int("MACHI_FREQUENT_THRESHOLD", 5),

		Responder:       l.str("MACHI_RESPONDER", "auto"),
		OpenAIAPIKey:    l.str("OPENAI_API_KEY", ""),
		OpenAIBaseURL:   l.str("MACHI_OPENAI_BASE_URL", "https://api.deepseek.com/v1"),
		OpenAIModel:     l.str("MACHI_OPENAI_MODEL", "deepseek-chat"),
		OllamaURL:       l.str("OLLAMA_URL", "http://localhost:11434"),
		OllamaChatModel: l.str("MACHI_OLLAMA_CHAT_MODEL", "qwen2.5:7b"),
		GeminiAPIKey:    l.str("GEMINI_API_KEY", ""),
		GeminiModel:     l.str("MACHI_GEMINI_MODEL", "gemini-2.0-flash"),

		Memory:              l.str("MACHI_MEMORY", "auto"),
		QdrantURL:           l.str("QDRANT_URL", ""),
		QdrantAPIKey:        l.str("QDRANT_API_KEY", ""),
		QdrantCollection:    l.str("MACHI_QDRANT_COLLECTION", "machi_memories"),
		PGVectorURL:         l.str("MACHI_PGVECTOR_URL", ""),
		EmbeddingModel:      l.str("MACHI_EMBEDDING_MODEL", "mxbai-embed-large"),
		EmbeddingDimensions: l.int("MACHI_EMBEDDING_DIMENSIONS", 1024),

		OTELEndpoint: l.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:  l.str("OTEL_SERVICE_NAME", "machi"),
		OTELInsecure: l.bool("MACHI_OTEL_INSECURE", false),

		RateLimitEnabled: l.bool("MACHI_RATE_LIMIT_ENABLED", true),
		RateLimitRPS:     l.float("MACHI_RATE_LIMIT_RPS", 2),
		RateLimitBurst:   l.int("MACHI_RATE_LIMIT_BURST", 5),

		LogLevel: l.str("MACHI_LOG_LEVEL", "info"),
	}

	if len(l.errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(l.errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, v int64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	positive("MACHI_PORT", int64(c.Port))
	positive("MACHI_MAX_REQUEST_BODY_BYTES", c.MaxRequestBodyBytes)
	positive("MACHI_LOCK_TIMEOUT", int64(c.LockTimeout))
	positive("MACHI_PERSIST_QUEUE_SIZE", int64(c.PersistQueueSize))
	positive("MACHI_INTERACTION_QUEUE_SIZE", int64(c.InteractionQueueSize))
	positive("MACHI_WORKERS", int64(c.Workers))
	positive("MACHI_RESPONSE_TIMEOUT", int64(c.ResponseTimeout))
	positive("MACHI_PERSIST_TIMEOUT", int64(c.PersistTimeout))
	positive("MACHI_SHUTDOWN_GRACE", int64(c.ShutdownGrace))
	positive("MACHI_SIM_MAX_FAILURES", int64(c.SimMaxFailures))
	positive("MACHI_EMBEDDING_DIMENSIONS", int64(c.EmbeddingDimensions))

	if c.LockRetries < 0 {
		errs = append(errs, errors.New("MACHI_LOCK_RETRIES must not be negative"))
	}
	if c.AutosaveInterval < 0 {
		errs = append(errs, errors.New("MACHI_AUTOSAVE_INTERVAL must not be negative"))
	}
	if c.SimTickMin < 0 || c.SimTickMin > c.SimTickMax {
		errs = append(errs, fmt.Errorf("MACHI_SIM_TICK_MIN (%s) must be between 0 and MACHI_SIM_TICK_MAX (%s)", c.SimTickMin, c.SimTickMax))
	}
	if c.ConflictCeiling < 0 || c.ConflictCeiling > 1 {
		errs = append(errs, errors.New("MACHI_CONFLICT_CEILING must be within [0,1]"))
	}
	if c.ConflictBase < 0 {
		errs = append(errs, errors.New("MACHI_CONFLICT_BASE must not be negative"))
	}
	if c.DecayStep < 0 {
		errs = append(errs, errors.New("MACHI_DECAY_STEP must not be negative"))
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		errs = append(errs, errors.New("MACHI_RATE_LIMIT_RPS and MACHI_RATE_LIMIT_BURST must be positive when rate limiting is enabled"))
	}
	switch c.Responder {
	case "auto", "ollama", "openai", "gemini", "placeholder":
	default:
		errs = append(errs, fmt.Errorf("MACHI_RESPONDER=%q is not one of auto, ollama, openai, gemini, placeholder", c.Responder))
	}
	switch c.Memory {
	case "auto", "qdrant", "pgvector", "noop":
	default:
		errs = append(errs, fmt.Errorf("MACHI_MEMORY=%q is not one of auto, qdrant, pgvector, noop", c.Memory))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
