// Package config provides configuration loading for remedyd.
//
// Configuration is read once at startup from an optional YAML file and
// REMEDYD_* environment overrides. Only tunables live here; the shape of the
// remediation state machine never depends on configuration.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete remedyd configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Intake     IntakeConfig     `koanf:"intake"`
	GitHub     GitHubConfig     `koanf:"github"`
	Pipeline   PipelineConfig   `koanf:"pipeline"`
	Ledger     LedgerConfig     `koanf:"ledger"`
	Memory     MemoryConfig     `koanf:"memory"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Proposer   ProposerConfig   `koanf:"proposer"`
	Validator  ValidatorConfig  `koanf:"validator"`
	Publisher  PublisherConfig  `koanf:"publisher"`
	Dispatch   DispatchConfig   `koanf:"dispatch"`
	NATS       NATSConfig       `koanf:"nats"`
	Redaction  RedactionConfig  `koanf:"redaction"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	Host            string   `koanf:"http_host"`
	ReadTimeout     Duration `koanf:"read_timeout"`
	WriteTimeout    Duration `koanf:"write_timeout"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// IntakeConfig controls webhook verification and admission.
type IntakeConfig struct {
	WebhookSecret Secret  `koanf:"webhook_secret"`
	MaxBodyBytes  int64   `koanf:"max_body_bytes"`
	RateLimit     float64 `koanf:"rate_limit"`
	RateBurst     int     `koanf:"rate_burst"`
	// AllowUnsigned accepts deliveries without a signature. Local testing only.
	AllowUnsigned bool `koanf:"allow_unsigned"`
}

// GitHubConfig holds source-control API settings.
//
// Setting AppID authenticates as a GitHub App with per-installation tokens
// instead of Token. The key comes from AppPrivateKeyPath or, inline, from
// AppPrivateKey.
type GitHubConfig struct {
	Token     Secret `koanf:"token"`
	BaseURL   string `koanf:"base_url"`
	UploadURL string `koanf:"upload_url"`
	CloneBase string `koanf:"clone_base"`
	BotName   string `koanf:"bot_name"`

	AppID             int64  `koanf:"app_id"`
	AppInstallationID int64  `koanf:"app_installation_id"`
	AppPrivateKeyPath string `koanf:"app_private_key_path"`
	AppPrivateKey     Secret `koanf:"app_private_key"`
}

// UsesApp reports whether GitHub App authentication is configured.
func (g GitHubConfig) UsesApp() bool { return g.AppID != 0 }

// PipelineConfig holds the orchestrator tunables.
type PipelineConfig struct {
	MaxAttempts         int      `koanf:"max_attempts"`
	SimilarityThreshold float64  `koanf:"similarity_threshold"`
	TopK                int      `koanf:"top_k"`
	StepRetries         int      `koanf:"step_retries"`
	LogFetchTimeout     Duration `koanf:"log_fetch_timeout"`
	MemoryQueryTimeout  Duration `koanf:"memory_query_timeout"`
	MemoryStoreTimeout  Duration `koanf:"memory_store_timeout"`
	ProposeTimeout      Duration `koanf:"propose_timeout"`
	ValidateTimeout     Duration `koanf:"validate_timeout"`
	PublishTimeout      Duration `koanf:"publish_timeout"`
	ExcerptBefore       int      `koanf:"excerpt_before"`
	ExcerptAfter        int      `koanf:"excerpt_after"`
	ExcerptMaxChars     int      `koanf:"excerpt_max_chars"`
	SourceBudgetChars   int      `koanf:"source_budget_chars"`
	MaxFileBytes        int      `koanf:"max_file_bytes"`
}

// LedgerConfig holds dedupe ledger settings.
type LedgerConfig struct {
	Backend       string   `koanf:"backend"`
	Retention     Duration `koanf:"retention"`
	StaleAfter    Duration `koanf:"stale_after"`
	SweepInterval Duration `koanf:"sweep_interval"`
	Bucket        string   `koanf:"bucket"`
}

// MemoryConfig holds fix memory storage settings.
type MemoryConfig struct {
	Backend      string `koanf:"backend"`
	Path         string `koanf:"path"`
	Compress     bool   `koanf:"compress"`
	Collection   string `koanf:"collection"`
	QdrantHost   string `koanf:"qdrant_host"`
	QdrantPort   int    `koanf:"qdrant_port"`
	QdrantTLS    bool   `koanf:"qdrant_tls"`
	QdrantAPIKey Secret `koanf:"qdrant_api_key"`
}

// EmbeddingsConfig holds embedding provider settings.
type EmbeddingsConfig struct {
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	APIKey   Secret `koanf:"api_key"`
	CacheDir string `koanf:"cache_dir"`
}

// ProposerConfig holds reasoning model settings.
type ProposerConfig struct {
	Provider    string  `koanf:"provider"`
	Model       string  `koanf:"model"`
	BaseURL     string  `koanf:"base_url"`
	APIKey      Secret  `koanf:"api_key"`
	MaxTokens   int     `koanf:"max_tokens"`
	Temperature float64 `koanf:"temperature"`
	Retries     int     `koanf:"retries"`
}

// CheckRule maps a job name glob to the command that reproduces it.
type CheckRule struct {
	Job     string `koanf:"job"`
	Command string `koanf:"command"`
}

// ValidatorConfig holds patch validation settings.
type ValidatorConfig struct {
	WorkDir        string      `koanf:"work_dir"`
	Shell          string      `koanf:"shell"`
	Checks         []CheckRule `koanf:"checks"`
	DefaultCommand string      `koanf:"default_command"`
	ProtectedPaths []string    `koanf:"protected_paths"`
	OutputTail     int         `koanf:"output_tail"`
	Env            []string    `koanf:"env"`
}

// PublisherConfig holds pull request settings.
type PublisherConfig struct {
	BranchPrefix    string   `koanf:"branch_prefix"`
	Labels          []string `koanf:"labels"`
	Draft           bool     `koanf:"draft"`
	CommentOnRepeat bool     `koanf:"comment_on_repeat"`
	AuthorName      string   `koanf:"author_name"`
	AuthorEmail     string   `koanf:"author_email"`
}

// DispatchConfig selects how units of work are scheduled.
type DispatchConfig struct {
	Mode              string `koanf:"mode"`
	Workers           int    `koanf:"workers"`
	QueueSize         int    `koanf:"queue_size"`
	TemporalHostPort  string `koanf:"temporal_host_port"`
	TemporalNamespace string `koanf:"temporal_namespace"`
	TemporalQueue     string `koanf:"temporal_queue"`
}

// NATSConfig holds broker settings for the KV ledger and transition events.
type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
	Events        bool   `koanf:"events"`
}

// RedactionConfig controls secret scrubbing of CI logs.
type RedactionConfig struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// LoggingConfig is the subset of logging settings exposed in the file.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"`
	OTEL     bool   `koanf:"otel"`
	Sampling bool   `koanf:"sampling"`
}

// TelemetryConfig is the subset of OpenTelemetry settings exposed in the file.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint"`
	Protocol    string `koanf:"protocol"`
	ServiceName string `koanf:"service_name"`
	Insecure    bool   `koanf:"insecure"`
}

// Validation errors.
var (
	ErrInvalidPort      = errors.New("server port must be between 1 and 65535")
	ErrInvalidAttempts  = errors.New("pipeline max_attempts must be >= 1")
	ErrInvalidThreshold = errors.New("pipeline similarity_threshold must be within [0, 1]")
	ErrInvalidBackend   = errors.New("unknown backend")
	ErrMissingSecret    = errors.New("intake webhook_secret is required unless allow_unsigned is set")
	ErrMissingAppKey    = errors.New("github app_id needs app_private_key_path or app_private_key")
)

// Default returns a configuration with every tunable set.
func Default() *Config {
	cfg := baseline()
	applyDefaults(cfg)
	return cfg
}

// baseline holds the defaults whose zero value would be ambiguous.
// It is filled before unmarshaling so that file and env values override it.
func baseline() *Config {
	return &Config{
		Memory:    MemoryConfig{Compress: true},
		Redaction: RedactionConfig{Enabled: true},
		Logging:   LoggingConfig{Sampling: true},
		Telemetry: TelemetryConfig{Insecure: true},
		NATS:      NATSConfig{Events: false},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: got %d", ErrInvalidPort, c.Server.Port)
	}
	if !c.Intake.WebhookSecret.IsSet() && !c.Intake.AllowUnsigned {
		return ErrMissingSecret
	}
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidAttempts, c.Pipeline.MaxAttempts)
	}
	if c.Pipeline.SimilarityThreshold < 0 || c.Pipeline.SimilarityThreshold > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidThreshold, c.Pipeline.SimilarityThreshold)
	}
	if c.Pipeline.TopK < 0 {
		return fmt.Errorf("pipeline top_k must be >= 0, got %d", c.Pipeline.TopK)
	}

	switch c.Ledger.Backend {
	case "memory", "nats":
	default:
		return fmt.Errorf("%w: ledger backend %q", ErrInvalidBackend, c.Ledger.Backend)
	}
	if c.Ledger.Retention.Duration() <= 0 || c.Ledger.StaleAfter.Duration() <= 0 {
		return fmt.Errorf("ledger retention and stale_after must be > 0")
	}

	switch c.Memory.Backend {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("%w: memory backend %q", ErrInvalidBackend, c.Memory.Backend)
	}

	switch c.Embeddings.Provider {
	case "tei", "openai", "fastembed":
	default:
		return fmt.Errorf("%w: embeddings provider %q", ErrInvalidBackend, c.Embeddings.Provider)
	}

	switch c.Proposer.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("%w: proposer provider %q", ErrInvalidBackend, c.Proposer.Provider)
	}

	switch c.Dispatch.Mode {
	case "local":
		if c.Dispatch.Workers < 1 {
			return fmt.Errorf("dispatch workers must be >= 1, got %d", c.Dispatch.Workers)
		}
	case "temporal":
		if c.Dispatch.TemporalHostPort == "" {
			return fmt.Errorf("dispatch temporal_host_port is required in temporal mode")
		}
	default:
		return fmt.Errorf("%w: dispatch mode %q", ErrInvalidBackend, c.Dispatch.Mode)
	}

	if (c.Ledger.Backend == "nats" || c.NATS.Events) && c.NATS.URL == "" {
		return fmt.Errorf("nats url is required for the nats ledger or events")
	}
	if c.GitHub.UsesApp() {
		if c.GitHub.AppPrivateKeyPath == "" && !c.GitHub.AppPrivateKey.IsSet() {
			return ErrMissingAppKey
		}
	} else if c.GitHub.AppInstallationID != 0 || c.GitHub.AppPrivateKeyPath != "" || c.GitHub.AppPrivateKey.IsSet() {
		return fmt.Errorf("github app settings require app_id")
	}
	if c.GitHub.AppID < 0 || c.GitHub.AppInstallationID < 0 {
		return fmt.Errorf("github app ids must be positive")
	}
	for i, rule := range c.Validator.Checks {
		if rule.Job == "" || rule.Command == "" {
			return fmt.Errorf("validator check %d needs both job and command", i)
		}
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8088
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(15 * time.Second)
	}

	if cfg.Intake.MaxBodyBytes == 0 {
		cfg.Intake.MaxBodyBytes = 1 << 20
	}
	if cfg.Intake.RateLimit == 0 {
		cfg.Intake.RateLimit = 5
	}
	if cfg.Intake.RateBurst == 0 {
		cfg.Intake.RateBurst = 20
	}

	if cfg.GitHub.CloneBase == "" {
		cfg.GitHub.CloneBase = "https://github.com"
	}
	if cfg.GitHub.BotName == "" {
		cfg.GitHub.BotName = "remedyd"
	}

	p := &cfg.Pipeline
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.SimilarityThreshold == 0 {
		p.SimilarityThreshold = 0.85
	}
	if p.TopK == 0 {
		p.TopK = 3
	}
	if p.StepRetries == 0 {
		p.StepRetries = 3
	}
	setDuration(&p.LogFetchTimeout, 30*time.Second)
	setDuration(&p.MemoryQueryTimeout, 10*time.Second)
	setDuration(&p.MemoryStoreTimeout, 10*time.Second)
	setDuration(&p.ProposeTimeout, 3*time.Minute)
	setDuration(&p.ValidateTimeout, 15*time.Minute)
	setDuration(&p.PublishTimeout, time.Minute)
	if p.ExcerptBefore == 0 {
		p.ExcerptBefore = 40
	}
	if p.ExcerptAfter == 0 {
		p.ExcerptAfter = 20
	}
	if p.ExcerptMaxChars == 0 {
		p.ExcerptMaxChars = 8000
	}
	if p.SourceBudgetChars == 0 {
		p.SourceBudgetChars = 30000
	}
	if p.MaxFileBytes == 0 {
		p.MaxFileBytes = 50000
	}

	if cfg.Ledger.Backend == "" {
		cfg.Ledger.Backend = "memory"
	}
	setDuration(&cfg.Ledger.Retention, 15*time.Minute)
	setDuration(&cfg.Ledger.StaleAfter, 30*time.Minute)
	setDuration(&cfg.Ledger.SweepInterval, time.Minute)
	if cfg.Ledger.Bucket == "" {
		cfg.Ledger.Bucket = "remedyd_ledger"
	}

	if cfg.Memory.Backend == "" {
		cfg.Memory.Backend = "chromem"
	}
	if cfg.Memory.Path == "" {
		cfg.Memory.Path = "~/.local/share/remedyd/memory"
	}
	if cfg.Memory.Collection == "" {
		cfg.Memory.Collection = "remedyd_fixes"
	}
	if cfg.Memory.QdrantHost == "" {
		cfg.Memory.QdrantHost = "localhost"
	}
	if cfg.Memory.QdrantPort == 0 {
		cfg.Memory.QdrantPort = 6334
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "tei"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080"
	}

	if cfg.Proposer.Provider == "" {
		cfg.Proposer.Provider = "anthropic"
	}
	if cfg.Proposer.Model == "" {
		cfg.Proposer.Model = "claude-sonnet-4-5"
	}
	if cfg.Proposer.MaxTokens == 0 {
		cfg.Proposer.MaxTokens = 8192
	}
	if cfg.Proposer.Temperature == 0 {
		cfg.Proposer.Temperature = 0.2
	}
	if cfg.Proposer.Retries == 0 {
		cfg.Proposer.Retries = 3
	}

	if cfg.Validator.WorkDir == "" {
		cfg.Validator.WorkDir = "/tmp/remedyd"
	}
	if cfg.Validator.Shell == "" {
		cfg.Validator.Shell = "bash"
	}
	if cfg.Validator.ProtectedPaths == nil {
		cfg.Validator.ProtectedPaths = []string{".github/workflows/**"}
	}
	if cfg.Validator.OutputTail == 0 {
		cfg.Validator.OutputTail = 4000
	}

	if cfg.Publisher.BranchPrefix == "" {
		cfg.Publisher.BranchPrefix = "fix/ci-"
	}
	if cfg.Publisher.AuthorName == "" {
		cfg.Publisher.AuthorName = "remedyd"
	}
	if cfg.Publisher.AuthorEmail == "" {
		cfg.Publisher.AuthorEmail = "remedyd@users.noreply.github.com"
	}

	if cfg.Dispatch.Mode == "" {
		cfg.Dispatch.Mode = "local"
	}
	if cfg.Dispatch.Workers == 0 {
		cfg.Dispatch.Workers = 4
	}
	if cfg.Dispatch.QueueSize == 0 {
		cfg.Dispatch.QueueSize = 64
	}
	if cfg.Dispatch.TemporalNamespace == "" {
		cfg.Dispatch.TemporalNamespace = "default"
	}
	if cfg.Dispatch.TemporalQueue == "" {
		cfg.Dispatch.TemporalQueue = "remedyd-remediation"
	}

	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "remedyd.remediation"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "remedyd"
	}
}

func setDuration(d *Duration, def time.Duration) {
	if *d == 0 {
		*d = Duration(def)
	}
}
