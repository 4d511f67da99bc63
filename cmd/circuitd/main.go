// Circuitd turns natural-language hardware/firmware requests into verified
// artifacts: it generates 8051 firmware with a language model, reviews and
// revises it against a learned knowledge corpus, compiles it with SDCC, and
// verifies the result in a circuit simulator.
//
// Usage:
//
//	# Start the daemon with the default config file
//	circuitd
//
//	# Point at a specific config file
//	circuitd -config /etc/circuitd/config.yaml
//
//	# Show version information
//	circuitd version
//
// Configuration is read from ~/.config/circuitd/config.yaml with CIRCUITD_
// environment variable overrides. See internal/config for the schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/circuitd/internal/artifacts"
	"github.com/fyrsmithlabs/circuitd/internal/config"
	"github.com/fyrsmithlabs/circuitd/internal/embeddings"
	"github.com/fyrsmithlabs/circuitd/internal/httpapi"
	"github.com/fyrsmithlabs/circuitd/internal/knowledge"
	"github.com/fyrsmithlabs/circuitd/internal/logging"
	"github.com/fyrsmithlabs/circuitd/internal/pipeline"
	"github.com/fyrsmithlabs/circuitd/internal/task"
	"github.com/fyrsmithlabs/circuitd/internal/toolchain"
	"github.com/fyrsmithlabs/circuitd/internal/vectorstore"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/circuitd/config.yaml)")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  circuitd           Start the circuitd daemon\n")
			fmt.Fprintf(os.Stderr, "  circuitd version   Show version information\n")
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
		log.Fatalf("circuitd: %v", err)
	}
	log.Println("Shutdown complete")
}

func printVersion() {
	fmt.Printf("circuitd\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires all dependencies, starts the HTTP front door, and blocks
// until ctx is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	appLogger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = appLogger.Sync() }()
	logger := appLogger.Underlying()

	logger.Info("starting circuitd",
		zap.String("version", version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port))

	registry := task.NewRegistry()

	artifactDir, err := config.ExpandPath(cfg.Artifacts.Dir)
	if err != nil {
		return fmt.Errorf("resolving artifact dir: %w", err)
	}
	store, err := artifacts.NewStore(artifactDir, logger.Named("artifacts"))
	if err != nil {
		return err
	}

	kn, err := openKnowledge(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening knowledge store: %w", err)
	}
	defer kn.Close()
	if err := kn.Start(); err != nil {
		return err
	}
	defer kn.Stop()

	adapters, err := buildAdapters(cfg, store, logger)
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	controller, err := pipeline.New(registry, adapters, kn, store,
		cfg.Pipeline, pipeline.NewMetrics(promRegistry), logger.Named("pipeline"))
	if err != nil {
		return fmt.Errorf("creating pipeline controller: %w", err)
	}

	server, err := httpapi.NewServer(controller, registry, store,
		promRegistry, appLogger.Named("http"), &httpapi.Config{
			Host: cfg.Server.Host,
			Port: cfg.Server.Port,
		})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	if err := controller.Shutdown(shutdownCtx); err != nil {
		logger.Error("pipeline shutdown", zap.Error(err))
	}
	return nil
}

// openKnowledge builds the knowledge store: findings log, embedder,
// vector index, and the optional datasheet seed corpus.
func openKnowledge(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*knowledge.Store, error) {
	logPath, err := config.ExpandPath(cfg.Knowledge.LogPath)
	if err != nil {
		return nil, err
	}
	findingsLog, err := knowledge.OpenLog(logPath, logger.Named("knowledge"))
	if err != nil {
		return nil, err
	}

	cacheDir, err := config.ExpandPath(cfg.Embeddings.CacheDir)
	if err != nil {
		return nil, err
	}
	embedder, err := embeddings.NewEmbedder(embeddings.Config{
		Provider: cfg.Embeddings.Provider,
		Model:    cfg.Embeddings.Model,
		CacheDir: cacheDir,
	}, logger.Named("embeddings"))
	if err != nil {
		return nil, err
	}

	// The index is a disposable snapshot rebuilt from the log; the log is
	// the durable state. knowledge.index_path opts into persisting the
	// snapshot between runs.
	indexPath := ""
	if cfg.Knowledge.IndexPath != "" {
		indexPath, err = config.ExpandPath(cfg.Knowledge.IndexPath)
		if err != nil {
			return nil, err
		}
	}
	index, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{Path: indexPath},
		embedder, logger.Named("vectorstore"))
	if err != nil {
		return nil, err
	}

	store, err := knowledge.NewStore(ctx, findingsLog, index, logger.Named("knowledge"),
		knowledge.WithReindexEvery(cfg.Knowledge.ReindexEvery),
		knowledge.WithReindexInterval(cfg.Knowledge.ReindexInterval.Duration()),
		knowledge.WithRetrievalLimit(cfg.Knowledge.RetrievalLimit),
	)
	if err != nil {
		return nil, err
	}

	if cfg.Knowledge.SeedPath != "" {
		seedPath, err := config.ExpandPath(cfg.Knowledge.SeedPath)
		if err != nil {
			return nil, err
		}
		if _, err := store.SeedFromFile(ctx, seedPath); err != nil {
			return nil, fmt.Errorf("loading seed corpus: %w", err)
		}
	}
	return store, nil
}

// buildAdapters constructs the five external-tool adapters.
func buildAdapters(cfg *config.Config, store *artifacts.Store, logger *zap.Logger) (pipeline.Adapters, error) {
	client, err := toolchain.NewClient(cfg.LLM, logger.Named("llm"))
	if err != nil {
		return pipeline.Adapters{}, fmt.Errorf("creating completion client: %w", err)
	}

	workDir, err := config.ExpandPath(cfg.Toolchain.WorkDir)
	if err != nil {
		return pipeline.Adapters{}, err
	}
	toolchainCfg := cfg.Toolchain
	toolchainCfg.WorkDir = workDir

	compiler, err := toolchain.NewSDCC(toolchainCfg, store, logger.Named("sdcc"))
	if err != nil {
		return pipeline.Adapters{}, fmt.Errorf("creating compiler adapter: %w", err)
	}
	simulator, err := toolchain.NewProteus(toolchainCfg, store, logger.Named("simulator"))
	if err != nil {
		return pipeline.Adapters{}, fmt.Errorf("creating simulator adapter: %w", err)
	}

	return pipeline.Adapters{
		Generator: toolchain.NewGenerator(client),
		Reviewer:  toolchain.NewReviewer(client),
		Reviser:   toolchain.NewReviser(client),
		Compiler:  compiler,
		Simulator: simulator,
	}, nil
}
