// Remedyd turns failed CI jobs into validated fix pull requests.
//
// The daemon receives failure notifications over HTTP, fingerprints the
// failure, deduplicates it against the ledger, and drives a remediation
// through context building, candidate generation, validation and publishing.
//
// Configuration is loaded from an optional YAML file and REMEDYD_*
// environment overrides. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with ~/.config/remedyd/config.yaml
//	remedyd
//
//	# Use another file and override a setting
//	REMEDYD_PIPELINE_MAX_ATTEMPTS=5 remedyd -config /etc/remedyd/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/contextbuilder"
	"github.com/fyrsmithlabs/remedyd/internal/dispatch"
	"github.com/fyrsmithlabs/remedyd/internal/embeddings"
	"github.com/fyrsmithlabs/remedyd/internal/events"
	"github.com/fyrsmithlabs/remedyd/internal/fixmemory"
	remedyhttp "github.com/fyrsmithlabs/remedyd/internal/http"
	"github.com/fyrsmithlabs/remedyd/internal/intake"
	"github.com/fyrsmithlabs/remedyd/internal/ledger"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/orchestrator"
	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
	"github.com/fyrsmithlabs/remedyd/internal/proposer"
	"github.com/fyrsmithlabs/remedyd/internal/publisher"
	"github.com/fyrsmithlabs/remedyd/internal/redact"
	"github.com/fyrsmithlabs/remedyd/internal/retry"
	"github.com/fyrsmithlabs/remedyd/internal/scm"
	"github.com/fyrsmithlabs/remedyd/internal/telemetry"
	"github.com/fyrsmithlabs/remedyd/internal/validator"
	"github.com/fyrsmithlabs/remedyd/internal/vectorstore"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  remedyd [-config path]   Start the remediation daemon\n")
			fmt.Fprintf(os.Stderr, "  remedyd version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("remedyd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts remedyd and blocks until ctx is cancelled or an invariant
// violation stops the pipeline.
//
//  1. Loads and validates configuration
//  2. Initializes logger and telemetry
//  3. Connects to infrastructure (NATS, vector store, embeddings)
//  4. Builds the pipeline stages and the orchestrator
//  5. Starts the dispatcher and the HTTP server
//  6. Drains everything in reverse order on shutdown
//
// An invariant violation is returned so the process exits non-zero.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger(logging.FromSettings(cfg.Logging), nil)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "telemetry shutdown failed", zap.Error(err))
		}
	}()

	logger.Info(ctx, "starting remedyd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("ledger", cfg.Ledger.Backend),
		zap.String("memory", cfg.Memory.Backend),
		zap.String("dispatch", cfg.Dispatch.Mode),
	)

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close(logger)

	logger.Info(ctx, "dependencies initialized",
		zap.Bool("nats_connected", deps.natsConn != nil),
		zap.Bool("temporal_connected", deps.temporal != nil),
	)

	orch, err := initPipeline(cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	ctx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	onFatal := func(err error) {
		logger.Error(ctx, "stopping remedyd after invariant violation", zap.Error(err))
		stop(err)
	}

	dispatcher, err := initDispatcher(ctx, cfg, deps, orch, onFatal, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dispatcher: %w", err)
	}

	intakeOpts := intake.Options{
		Secret:        cfg.Intake.WebhookSecret,
		AllowUnsigned: cfg.Intake.AllowUnsigned,
	}
	if deps.app != nil {
		intakeOpts.Installations = deps.app
	}
	in, err := intake.New(intakeOpts, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize intake: %w", err)
	}
	if cfg.Intake.AllowUnsigned {
		logger.Warn(ctx, "accepting unsigned deliveries")
	}

	srv, err := remedyhttp.NewServer(in, dispatcher, deps.ledger, logger, &remedyhttp.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		MaxBodyBytes: cfg.Intake.MaxBodyBytes,
		RateLimit:    cfg.Intake.RateLimit,
		RateBurst:    cfg.Intake.RateBurst,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration(),
		WriteTimeout: cfg.Server.WriteTimeout.Duration(),
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	logger.Info(ctx, "server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("webhook_endpoint", "/webhook"),
		zap.String("metrics_endpoint", "/metrics"))

	var runErr error
	select {
	case err := <-serverErrors:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		if cause := context.Cause(ctx); errors.Is(cause, pipeline.ErrInvariant) {
			runErr = cause
		}
	}

	logger.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown failed", zap.Error(err))
	}
	if err := dispatcher.Close(shutdownCtx); err != nil && !errors.Is(err, pipeline.ErrInvariant) {
		logger.Warn(shutdownCtx, "dispatcher shutdown failed", zap.Error(err))
	}
	if err := orch.Wait(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "pending fix write-backs abandoned", zap.Error(err))
	}
	return runErr
}

// dependencies holds the infrastructure shared by the pipeline stages.
type dependencies struct {
	natsConn *nats.Conn
	temporal client.Client
	ledger   ledger.Ledger
	emitter  events.Emitter
	embedder embeddings.Provider
	store    vectorstore.Store
	github   *scm.Client
	redactor *redact.Redactor

	// credentials authenticate REST calls and clones. app is set when they
	// come from a GitHub App.
	credentials scm.Credentials
	app         *scm.AppCredentials
}

// Close releases infrastructure resources in reverse order of creation.
func (d *dependencies) Close(logger *logging.Logger) {
	ctx := context.Background()
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			logger.Warn(ctx, "vector store close failed", zap.Error(err))
		}
	}
	if d.embedder != nil {
		if err := d.embedder.Close(); err != nil {
			logger.Warn(ctx, "embedder close failed", zap.Error(err))
		}
	}
	if d.ledger != nil {
		if err := d.ledger.Close(); err != nil {
			logger.Warn(ctx, "ledger close failed", zap.Error(err))
		}
	}
	if d.temporal != nil {
		d.temporal.Close()
	}
	if d.natsConn != nil {
		d.natsConn.Close()
	}
}

// initDependencies connects to the broker, the source-control API and the
// fix memory backends. On error everything opened so far is closed.
func initDependencies(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *dependencies, err error) {
	d := &dependencies{emitter: events.Nop{}}
	defer func() {
		if err != nil {
			d.Close(logger)
		}
	}()

	if cfg.Ledger.Backend == "nats" || cfg.NATS.Events {
		d.natsConn, err = nats.Connect(cfg.NATS.URL,
			nats.Name("remedyd"),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		logger.Info(ctx, "connected to NATS", zap.String("url", cfg.NATS.URL))
	}

	ledgerOpts := ledger.Options{
		Retention:     cfg.Ledger.Retention.Duration(),
		StaleAfter:    cfg.Ledger.StaleAfter.Duration(),
		SweepInterval: cfg.Ledger.SweepInterval.Duration(),
	}
	switch cfg.Ledger.Backend {
	case "nats":
		d.ledger, err = ledger.NewNATS(ctx, d.natsConn, cfg.Ledger.Bucket, ledgerOpts, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open ledger bucket %s: %w", cfg.Ledger.Bucket, err)
		}
	default:
		d.ledger = ledger.NewMemory(ledgerOpts, logger)
	}

	if cfg.NATS.Events {
		emitter, err := events.NewNATS(d.natsConn, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create event emitter: %w", err)
		}
		d.emitter = emitter
	}

	d.redactor, err = redact.New(redact.Options{
		Enabled:       cfg.Redaction.Enabled,
		AllowlistPath: cfg.Redaction.AllowlistPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create redactor: %w", err)
	}

	d.credentials, d.app, err = githubCredentials(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load GitHub credentials: %w", err)
	}
	gh, err := scm.NewGitHubClient(ctx, d.credentials, cfg.GitHub.BaseURL, cfg.GitHub.UploadURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub client: %w", err)
	}
	d.github = scm.New(gh, scm.Options{
		Retry: stepPolicy(cfg, logger),
	}, logger)

	d.embedder, err = embeddings.NewProvider(embeddings.ProviderConfig{
		Provider: cfg.Embeddings.Provider,
		Model:    cfg.Embeddings.Model,
		BaseURL:  cfg.Embeddings.BaseURL,
		APIKey:   cfg.Embeddings.APIKey.Value(),
		CacheDir: cfg.Embeddings.CacheDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding provider: %w", err)
	}

	switch cfg.Memory.Backend {
	case "qdrant":
		d.store, err = vectorstore.NewQdrantStore(ctx, vectorstore.QdrantConfig{
			Host:       cfg.Memory.QdrantHost,
			Port:       cfg.Memory.QdrantPort,
			UseTLS:     cfg.Memory.QdrantTLS,
			APIKey:     cfg.Memory.QdrantAPIKey.Value(),
			Collection: cfg.Memory.Collection,
		}, d.embedder, logger)
	default:
		d.store, err = vectorstore.NewChromemStore(vectorstore.ChromemConfig{
			Path:       cfg.Memory.Path,
			Compress:   cfg.Memory.Compress,
			Collection: cfg.Memory.Collection,
		}, d.embedder, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s fix memory: %w", cfg.Memory.Backend, err)
	}

	if cfg.Dispatch.Mode == "temporal" {
		d.temporal, err = client.Dial(client.Options{
			HostPort:  cfg.Dispatch.TemporalHostPort,
			Namespace: cfg.Dispatch.TemporalNamespace,
		})
		if err != nil {
			return nil, fmt.Errorf("unable to create Temporal client: %w", err)
		}
		logger.Info(ctx, "temporal client connected", zap.String("host", cfg.Dispatch.TemporalHostPort))
	}
	return d, nil
}

// stepPolicy is the retry policy for one external call of a pipeline step.
func stepPolicy(cfg *config.Config, logger *logging.Logger) retry.Policy {
	return retry.Policy{
		MaxRetries:     cfg.Pipeline.StepRetries,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
		Logger:         logger,
	}
}

// initPipeline builds the stages and the orchestrator that drives them.
// githubCredentials returns app credentials when an app id is configured and
// the static token otherwise.
func githubCredentials(cfg *config.Config, logger *logging.Logger) (scm.Credentials, *scm.AppCredentials, error) {
	if !cfg.GitHub.UsesApp() {
		return scm.StaticToken(cfg.GitHub.Token), nil, nil
	}
	key := []byte(cfg.GitHub.AppPrivateKey.Value())
	if cfg.GitHub.AppPrivateKeyPath != "" {
		data, err := os.ReadFile(cfg.GitHub.AppPrivateKeyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("reading app private key: %w", err)
		}
		key = data
	}
	app, err := scm.NewAppCredentials(scm.AppConfig{
		AppID:          cfg.GitHub.AppID,
		PrivateKey:     key,
		InstallationID: cfg.GitHub.AppInstallationID,
		BaseURL:        cfg.GitHub.BaseURL,
		UploadURL:      cfg.GitHub.UploadURL,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	logger.Info(context.Background(), "authenticating as GitHub App",
		zap.Int64("app_id", cfg.GitHub.AppID),
		zap.Int64("installation_id", cfg.GitHub.AppInstallationID),
	)
	return app, app, nil
}

func initPipeline(cfg *config.Config, d *dependencies, logger *logging.Logger) (*orchestrator.Orchestrator, error) {
	p := cfg.Pipeline

	memory, err := fixmemory.New(d.store, fixmemory.Options{
		QueryTimeout: p.MemoryQueryTimeout.Duration(),
		StoreTimeout: p.MemoryStoreTimeout.Duration(),
		Retry:        stepPolicy(cfg, logger),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("fix memory: %w", err)
	}

	builder, err := contextbuilder.New(d.github, d.github, memory, d.redactor, contextbuilder.Options{
		TopK:            p.TopK,
		LogFetchTimeout: p.LogFetchTimeout.Duration(),
		Excerpt: contextbuilder.ExcerptOptions{
			Before:   p.ExcerptBefore,
			After:    p.ExcerptAfter,
			MaxChars: p.ExcerptMaxChars,
		},
		SourceBudgetChars: p.SourceBudgetChars,
		MaxFileBytes:      p.MaxFileBytes,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("context builder: %w", err)
	}

	model, err := proposer.NewModel(cfg.Proposer)
	if err != nil {
		return nil, fmt.Errorf("reasoning model: %w", err)
	}
	llm, err := proposer.New(model, d.github, proposer.Options{
		MaxTokens:   cfg.Proposer.MaxTokens,
		Temperature: cfg.Proposer.Temperature,
		Timeout:     p.ProposeTimeout.Duration(),
		Retry: retry.Policy{
			MaxRetries:     cfg.Proposer.Retries,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     time.Minute,
			Multiplier:     2,
			Logger:         logger,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("proposer: %w", err)
	}

	checks := make([]validator.CheckRule, 0, len(cfg.Validator.Checks))
	for _, rule := range cfg.Validator.Checks {
		checks = append(checks, validator.CheckRule{Job: rule.Job, Command: rule.Command})
	}
	v, err := validator.New(validator.NewGitCloner(cfg.GitHub.CloneBase, d.credentials), validator.Options{
		WorkDir:        cfg.Validator.WorkDir,
		Shell:          cfg.Validator.Shell,
		Checks:         checks,
		DefaultCommand: cfg.Validator.DefaultCommand,
		ProtectedPaths: cfg.Validator.ProtectedPaths,
		OutputTail:     cfg.Validator.OutputTail,
		Env:            cfg.Validator.Env,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("validator: %w", err)
	}

	pub, err := publisher.New(d.github, publisher.Options{
		BranchPrefix:    cfg.Publisher.BranchPrefix,
		Labels:          cfg.Publisher.Labels,
		Draft:           cfg.Publisher.Draft,
		CommentOnRepeat: cfg.Publisher.CommentOnRepeat,
		Author: scm.Author{
			Name:  cfg.Publisher.AuthorName,
			Email: cfg.Publisher.AuthorEmail,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("publisher: %w", err)
	}

	return orchestrator.New(orchestrator.Deps{
		Builder:   builder,
		Proposer:  llm,
		Validator: v,
		Publisher: pub,
		Memory:    memory,
		Ledger:    d.ledger,
		Events:    d.emitter,
		Metrics:   orchestrator.NewMetrics(prometheus.DefaultRegisterer),
	}, orchestrator.Options{
		MaxAttempts:         p.MaxAttempts,
		SimilarityThreshold: p.SimilarityThreshold,
		ProposeTimeout:      p.ProposeTimeout.Duration(),
		ValidateTimeout:     p.ValidateTimeout.Duration(),
		PublishTimeout:      p.PublishTimeout.Duration(),
		Retry:               stepPolicy(cfg, logger),
	}, logger)
}

// initDispatcher starts the configured dispatcher around orch.
func initDispatcher(ctx context.Context, cfg *config.Config, d *dependencies, orch *orchestrator.Orchestrator, onFatal dispatch.FatalFunc, logger *logging.Logger) (dispatch.Dispatcher, error) {
	if cfg.Dispatch.Mode == "temporal" {
		t, err := dispatch.NewTemporal(d.temporal, dispatch.TemporalOptions{
			TaskQueue: cfg.Dispatch.TemporalQueue,
			OnFatal:   onFatal,
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := t.Serve(orch); err != nil {
			return nil, err
		}
		return t, nil
	}

	l, err := dispatch.NewLocal(orch, dispatch.LocalOptions{
		Workers:   cfg.Dispatch.Workers,
		QueueSize: cfg.Dispatch.QueueSize,
		OnFatal:   onFatal,
	}, logger)
	if err != nil {
		return nil, err
	}
	l.Start(ctx)
	return l, nil
}
