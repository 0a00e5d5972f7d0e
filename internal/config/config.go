// Package config provides environment configuration for the orchestrator.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	// ShutdownTimeout bounds how long in-flight events may finish after a signal.
	ShutdownTimeout time.Duration

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string
	WorkerCount  int

	// JWT settings
	JWTSecret string

	// LLM settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultLLM      string
	LLMModel        string
	LLMMaxTokens    int

	// Persistence
	DatabaseDSN         string
	DatabaseMaxIdle     int
	DatabaseMaxOpen     int
	DatabaseConnMaxLife time.Duration
	RedisURL            string

	// External collaborators
	SearchBaseURL  string
	SearchAPIKey   string
	SearchTimeout  time.Duration
	ChannelBaseURL string
	ChannelToken   string
	ChannelTimeout time.Duration
	HumanQueueID   string

	// Orchestrator policy
	Orchestrator Orchestrator

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Orchestrator holds the ceilings and texts used by the conversation state machine.
type Orchestrator struct {
	MaxDemandRounds         int           `validate:"min=1"`
	MaxSolutionInteractions int           `validate:"min=1"`
	MaxActionsPerTurn       int           `validate:"min=1"`
	SearchMaxAttempts       int           `validate:"min=1"`
	SearchInitialDelay      time.Duration `validate:"gte=0"`
	SearchMaxDelay          time.Duration `validate:"gtefield=SearchInitialDelay"`
	ChannelMaxAttempts      int           `validate:"min=1"`
	ChannelInitialDelay     time.Duration `validate:"gte=0"`
	ToolMaxIterations       int           `validate:"min=1"`
	TopMatches              int           `validate:"min=1"`
	MinProductConfidence    float64       `validate:"gte=0,lte=1"`
	MinRequestConfidence    float64       `validate:"gte=0,lte=1"`
	LockTTL                 time.Duration `validate:"gt=0"`
	IdempotencyTTL          time.Duration `validate:"gt=0"`
	ApologyMessage          string        `validate:"required"`
	TransferNotice          string        `validate:"required"`
}

// Validate checks the orchestrator policy for values the state machine cannot run with.
func (o Orchestrator) Validate() error {
	if err := validator.New().Struct(o); err != nil {
		return fmt.Errorf("invalid orchestrator config: %w", err)
	}
	return nil
}

// DefaultOrchestrator returns the orchestrator policy defaults.
func DefaultOrchestrator() Orchestrator {
	return Orchestrator{
		MaxDemandRounds:         5,
		MaxSolutionInteractions: 5,
		MaxActionsPerTurn:       10,
		SearchMaxAttempts:       3,
		SearchInitialDelay:      500 * time.Millisecond,
		SearchMaxDelay:          5 * time.Second,
		ChannelMaxAttempts:      3,
		ChannelInitialDelay:     250 * time.Millisecond,
		ToolMaxIterations:       4,
		TopMatches:              5,
		MinProductConfidence:    0.9,
		MinRequestConfidence:    0.9,
		LockTTL:                 2 * time.Minute,
		IdempotencyTTL:          24 * time.Hour,
		ApologyMessage:          "Sorry, I couldn't resolve this automatically. I'm passing you to one of our specialists who will continue from here.",
		TransferNotice:          "Thanks for the details. I'm transferring you to a specialist who will help you from here.",
	}
}

// Load reads configuration from environment variables.
func Load() *Config {
	def := DefaultOrchestrator()

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),
		ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),
		WorkerCount:  getIntEnv("WORKER_COUNT", 8),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:      getEnv("DEFAULT_LLM", "anthropic"),
		LLMModel:        getEnv("LLM_MODEL", ""),
		LLMMaxTokens:    getIntEnv("LLM_MAX_TOKENS", 1024),

		// Persistence
		DatabaseDSN:         getEnv("DATABASE_DSN", ""),
		DatabaseMaxIdle:     getIntEnv("DATABASE_MAX_IDLE_CONNS", 5),
		DatabaseMaxOpen:     getIntEnv("DATABASE_MAX_OPEN_CONNS", 20),
		DatabaseConnMaxLife: getDurationEnv("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
		RedisURL:            getEnv("REDIS_URL", ""),

		// External collaborators
		SearchBaseURL:  getEnv("SEARCH_BASE_URL", "http://localhost:8090"),
		SearchAPIKey:   getEnv("SEARCH_API_KEY", ""),
		SearchTimeout:  getDurationEnv("SEARCH_TIMEOUT", 10*time.Second),
		ChannelBaseURL: getEnv("CHANNEL_BASE_URL", "http://localhost:8091"),
		ChannelToken:   getEnv("CHANNEL_TOKEN", ""),
		ChannelTimeout: getDurationEnv("CHANNEL_TIMEOUT", 10*time.Second),
		HumanQueueID:   getEnv("HUMAN_QUEUE_ID", "support-tier-1"),

		// Orchestrator
		Orchestrator: Orchestrator{
			MaxDemandRounds:         getIntEnv("MAX_DEMAND_ROUNDS", def.MaxDemandRounds),
			MaxSolutionInteractions: getIntEnv("MAX_SOLUTION_INTERACTIONS", def.MaxSolutionInteractions),
			MaxActionsPerTurn:       getIntEnv("MAX_ACTIONS_PER_TURN", def.MaxActionsPerTurn),
			SearchMaxAttempts:       getIntEnv("SEARCH_MAX_ATTEMPTS", def.SearchMaxAttempts),
			SearchInitialDelay:      getDurationEnv("SEARCH_INITIAL_DELAY", def.SearchInitialDelay),
			SearchMaxDelay:          getDurationEnv("SEARCH_MAX_DELAY", def.SearchMaxDelay),
			ChannelMaxAttempts:      getIntEnv("CHANNEL_MAX_ATTEMPTS", def.ChannelMaxAttempts),
			ChannelInitialDelay:     getDurationEnv("CHANNEL_INITIAL_DELAY", def.ChannelInitialDelay),
			ToolMaxIterations:       getIntEnv("TOOL_MAX_ITERATIONS", def.ToolMaxIterations),
			TopMatches:              getIntEnv("TOP_MATCHES", def.TopMatches),
			MinProductConfidence:    getFloatEnv("MIN_PRODUCT_CONFIDENCE", def.MinProductConfidence),
			MinRequestConfidence:    getFloatEnv("MIN_REQUEST_CONFIDENCE", def.MinRequestConfidence),
			LockTTL:                 getDurationEnv("LOCK_TTL", def.LockTTL),
			IdempotencyTTL:          getDurationEnv("IDEMPOTENCY_TTL", def.IdempotencyTTL),
			ApologyMessage:          getEnv("APOLOGY_MESSAGE", def.ApologyMessage),
			TransferNotice:          getEnv("TRANSFER_NOTICE", def.TransferNotice),
		},

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
