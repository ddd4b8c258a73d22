package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"LinguaChat/internal/backend"
	"LinguaChat/internal/chatbot"
	"LinguaChat/internal/config"
	"LinguaChat/internal/pipeline"
	"LinguaChat/internal/server"
	"LinguaChat/internal/session"
	"LinguaChat/internal/telemetry"
	"LinguaChat/web"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if help, err := applyFlags(args, cfg); err != nil || help {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level := cfg.LogLevel
	if cfg.Debug {
		level = "debug"
	}
	logger, logFile, err := telemetry.InitLogger(telemetry.LoggerConfig{
		Dir:    cfg.LogDir,
		Level:  level,
		Stdout: cfg.LogStdout,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, meter, cleanup, err := telemetry.InitTelemetry(ctx, cfg.LogDir)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer cleanup()

	logger.Info("starting",
		"addr", cfg.Addr,
		"backend", cfg.Backend,
		"store", cfg.StoreBackend,
		"languages", cfg.Languages,
	)

	store, err := newStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var banner string
	var p *pipeline.Pipeline
	client, err := newClient(cfg, logger, tracer, meter)
	switch {
	case err != nil:
		banner = err.Error()
		logger.Error("model backend unavailable, inference disabled", "backend", cfg.Backend, "error", err)
	default:
		p = pipeline.New(client,
			pipeline.WithMaxTokens(cfg.HistoryMaxTokens),
			pipeline.WithLogger(logger),
		)
	}

	loop, err := chatbot.NewLoop(p, cfg.DefaultLanguage,
		chatbot.WithLogger(logger),
		chatbot.WithTracer(tracer),
		chatbot.WithMeter(meter),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: server.New(server.Options{
			Loop:      loop,
			Store:     store,
			Languages: cfg.Languages,
			Banner:    banner,
			Static:    web.Handler(),
			Logger:    logger,

			MaxConversations: cfg.MaxConversations,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// streamed replies can outlast any fixed write timeout
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// applyFlags overrides cfg from the command line. It reports true when
// help was printed.
func applyFlags(args []string, cfg *config.Config) (bool, error) {
	flagSet := pflag.NewFlagSet("linguachat", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	flagSet.StringVar(&cfg.Backend, "backend", cfg.Backend, "model backend (groq|ollama)")
	flagSet.StringVar(&cfg.Model, "model", cfg.Model, "model name (default depends on backend)")
	flagSet.StringVar(&cfg.StoreBackend, "store", cfg.StoreBackend, "session store (memory|sqlite)")
	flagSet.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, nil
		}
		return false, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return false, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return false, nil
}

func newStore(cfg *config.Config) (session.Store, error) {
	opts := []session.StoreOption{session.WithMaxMessages(cfg.StoreMaxMessages)}
	if cfg.StoreBackend == config.StoreSQLite {
		store, err := session.NewSQLiteStore(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open session store: %w", err)
		}
		return store, nil
	}
	return session.NewMemoryStore(opts...), nil
}

// newModelHTTPClient bounds connecting and waiting for response headers by
// timeout. The streamed body is bounded only by the request context, so a
// long reply is not cut off mid-stream.
func newModelHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = timeout
	transport.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: transport}
}

func newClient(cfg *config.Config, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) (backend.Client, error) {
	if err := cfg.CredentialError(); err != nil {
		return nil, err
	}

	httpClient := newModelHTTPClient(cfg.ModelTimeout)
	var client backend.Client
	switch cfg.Backend {
	case config.BackendOllama:
		client = backend.NewOllamaClient(cfg.OllamaURL, cfg.Model, httpClient)
	default:
		groq, err := backend.NewGroqClient(backend.GroqConfig{
			APIKey:     cfg.GroqAPIKey,
			BaseURL:    cfg.GroqBaseURL,
			Model:      cfg.Model,
			HTTPClient: httpClient,
		})
		if err != nil {
			return nil, err
		}
		client = groq
	}

	return backend.NewInstrumented(client, logger, tracer, meter)
}
