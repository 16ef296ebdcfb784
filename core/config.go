package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StageConfig holds the endpoint and retry policy for one pipeline stage.
type StageConfig struct {
	Name       string        `yaml:"name"`
	Endpoint   string        `yaml:"endpoint"`
	TimeoutMS  int           `yaml:"timeout_ms"`
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
}

// ModelPrice is a per-model token rate used by the token ledger.
type ModelPrice struct {
	PromptRateUSDPer1K     float64 `yaml:"prompt_rate"`
	CompletionRateUSDPer1K float64 `yaml:"completion_rate"`
}

// Config is the orchestrator's assembled runtime configuration. It is built
// with defaults, then environment variables, then functional options, in
// that priority order — the same layering the teacher's core.Config uses.
type Config struct {
	// Server
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORS            *CORSConfig

	// Redis
	RedisURL string

	// Conversation
	MaxTurnsPerConversation int
	ConversationTTL         time.Duration
	SessionIDKeyPrefix      string
	ConvBusyWait            time.Duration
	SlowOpThresholdMS       int

	// Cache
	CacheTTLByIntent    map[string]time.Duration
	CacheHardCapEntries int

	// Dispatcher
	TotalRequestDeadline     time.Duration
	TotalRequestDeadlineEval time.Duration
	Stages                   map[string]StageConfig
	StagesConfigPath         string

	// Ledger
	ModelPrices map[string]ModelPrice

	// Reference resolution
	ReferenceResolutionEnabled bool
	RecencyEmphasisTurns       int
	FuzzyThreshold             float64

	// Logging
	LogLevel  string
	LogFormat string
	DevMode   bool
}

// Option mutates a Config during construction. Applied after defaults and
// environment variables, so it always wins — handy for tests.
type Option func(*Config) error

// NewConfig builds a Config from built-in defaults, overlaid with
// environment variables, then overlaid with the supplied options.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("applying config option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Port:            8080,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    0, // SSE responses must not be write-deadline capped
		ShutdownTimeout: 10 * time.Second,
		CORS:            DefaultCORSConfig(),

		RedisURL: "redis://localhost:6379",

		MaxTurnsPerConversation: 20,
		ConversationTTL:         2 * time.Hour,
		SessionIDKeyPrefix:      "chat",
		ConvBusyWait:            5 * time.Second,
		SlowOpThresholdMS:       100,

		CacheTTLByIntent: map[string]time.Duration{
			"DATA_QUERY":  4 * time.Hour,
			"STATISTICAL": 24 * time.Hour,
		},
		CacheHardCapEntries: 10000,

		TotalRequestDeadline:     30 * time.Second,
		TotalRequestDeadlineEval: 120 * time.Second,
		Stages: map[string]StageConfig{
			"REWRITE":  {Name: "REWRITE", Endpoint: "http://localhost:8011/rewrite", TimeoutMS: 8000, MaxRetries: 2, BaseDelay: 200 * time.Millisecond},
			"INTENT":   {Name: "INTENT", Endpoint: "http://localhost:8012/intent", TimeoutMS: 8000, MaxRetries: 2, BaseDelay: 200 * time.Millisecond},
			"SQL-GEN":  {Name: "SQL-GEN", Endpoint: "http://localhost:8013/sql-gen", TimeoutMS: 15000, MaxRetries: 2, BaseDelay: 300 * time.Millisecond},
			"SQL-EXEC": {Name: "SQL-EXEC", Endpoint: "http://localhost:8014/sql-exec", TimeoutMS: 10000, MaxRetries: 1, BaseDelay: 200 * time.Millisecond},
			"RANK":     {Name: "RANK", Endpoint: "http://localhost:8015/rank", TimeoutMS: 8000, MaxRetries: 2, BaseDelay: 200 * time.Millisecond},
			"EVAL":     {Name: "EVAL", Endpoint: "http://localhost:8016/eval", TimeoutMS: 60000, MaxRetries: 1, BaseDelay: 500 * time.Millisecond},
			"FORMAT":   {Name: "FORMAT", Endpoint: "http://localhost:8017/format", TimeoutMS: 15000, MaxRetries: 2, BaseDelay: 200 * time.Millisecond},
			"CLARIFY":  {Name: "CLARIFY", Endpoint: "http://localhost:8018/clarify", TimeoutMS: 8000, MaxRetries: 2, BaseDelay: 200 * time.Millisecond},
		},

		ModelPrices: map[string]ModelPrice{
			"gpt-4o":      {PromptRateUSDPer1K: 0.0025, CompletionRateUSDPer1K: 0.01},
			"gpt-4o-mini": {PromptRateUSDPer1K: 0.00015, CompletionRateUSDPer1K: 0.0006},
		},

		ReferenceResolutionEnabled: true,
		RecencyEmphasisTurns:       3,
		FuzzyThreshold:             0.6,

		LogLevel:  "info",
		LogFormat: "text",
		DevMode:   true,
	}
}

func applyEnvOverrides(cfg *Config) {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		cfg.DevMode = false
		cfg.LogFormat = "json"
	}

	if v := os.Getenv("ORCH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("ORCH_REDIS_URL"); v != "" {
		cfg.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("ORCH_MAX_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxTurnsPerConversation = n
		}
	}
	if v := os.Getenv("ORCH_CONVERSATION_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ConversationTTL = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("ORCH_SESSION_PREFIX"); v != "" {
		cfg.SessionIDKeyPrefix = v
	}
	if v := os.Getenv("ORCH_CACHE_HARD_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CacheHardCapEntries = n
		}
	}
	if v := os.Getenv("ORCH_REQUEST_DEADLINE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TotalRequestDeadline = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("ORCH_STAGES_CONFIG"); v != "" {
		cfg.StagesConfigPath = v
	}
	if v := os.Getenv("ORCH_CORS_ENABLED"); v != "" {
		cfg.CORS.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ORCH_CORS_ORIGINS"); v != "" {
		cfg.CORS.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("ORCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ORCH_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("ORCH_REFERENCE_RESOLUTION_ENABLED"); v != "" {
		cfg.ReferenceResolutionEnabled = v == "true" || v == "1"
	}
}

// Validate checks the assembled config for internal consistency.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range: %w", c.Port, ErrInvalidConfiguration)
	}
	if c.RedisURL == "" {
		return fmt.Errorf("redis URL required: %w", ErrMissingConfiguration)
	}
	if c.MaxTurnsPerConversation <= 0 {
		return fmt.Errorf("max turns per conversation must be positive: %w", ErrInvalidConfiguration)
	}
	if len(c.Stages) == 0 {
		return fmt.Errorf("at least one stage must be configured: %w", ErrMissingConfiguration)
	}
	return nil
}

// --- Functional options ---

func WithPort(port int) Option {
	return func(c *Config) error {
		c.Port = port
		return nil
	}
}

func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.RedisURL = url
		return nil
	}
}

func WithStage(name string, stage StageConfig) Option {
	return func(c *Config) error {
		if c.Stages == nil {
			c.Stages = make(map[string]StageConfig)
		}
		c.Stages[name] = stage
		return nil
	}
}

func WithMaxTurnsPerConversation(n int) Option {
	return func(c *Config) error {
		c.MaxTurnsPerConversation = n
		return nil
	}
}

func WithConversationTTL(ttl time.Duration) Option {
	return func(c *Config) error {
		c.ConversationTTL = ttl
		return nil
	}
}

func WithCORS(cors *CORSConfig) Option {
	return func(c *Config) error {
		c.CORS = cors
		return nil
	}
}
