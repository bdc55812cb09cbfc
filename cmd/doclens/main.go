// Command doclens runs the document-analysis query server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/doclens/doclens/pkg/citations"
	"github.com/doclens/doclens/pkg/config"
	"github.com/doclens/doclens/pkg/embedders"
	"github.com/doclens/doclens/pkg/llms"
	"github.com/doclens/doclens/pkg/logger"
	"github.com/doclens/doclens/pkg/observability"
	"github.com/doclens/doclens/pkg/orchestrator"
	"github.com/doclens/doclens/pkg/retrieval"
	"github.com/doclens/doclens/pkg/routing"
	"github.com/doclens/doclens/pkg/segments"
	"github.com/doclens/doclens/pkg/server"
	"github.com/doclens/doclens/pkg/stream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "doclens: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	// Best effort; a missing .env file is not an error.
	_ = godotenv.Load()

	if *configPath == "" {
		if env := os.Getenv("DOCLENS_CONFIG"); env != "" {
			*configPath = env
		} else {
			*configPath = "doclens.yaml"
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger.Init(logger.ParseLevel(cfg.Logging.Level), os.Stderr, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := llms.NewProvider(cfg.LLM)
	if err != nil {
		return fmt.Errorf("llm provider: %w", err)
	}
	defer provider.Close()

	embedder, err := embedders.NewOpenAIEmbedder(cfg.Embedder)
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	defer embedder.Close()

	store, err := buildStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("segment store: %w", err)
	}
	defer store.Close()

	counter, err := orchestrator.NewCounter(cfg.LLM.Model)
	if err != nil {
		slog.Warn("token counter unavailable, falling back to estimates", "error", err)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	probe := routing.NewProbe(store, embedder, cfg.Agent.Probe, cfg.Agent.Escalation)
	router := routing.NewRouter(cfg.Agent.Router, cfg.Agent.Escalation)
	retriever := retrieval.NewRetriever(store, embedder)
	synth := retrieval.NewSynthesizer(provider, cfg.Agent.Response, metrics)
	orch := orchestrator.New(provider, retriever, counter, metrics, cfg.Agent)
	resolver := citations.NewResolver(store)

	streamer := stream.NewStreamer(probe, router, retriever, synth, orch, resolver, metrics, cfg.Agent)

	srv := server.New(cfg.Server, streamer, probe, router, resolver, registry)

	slog.Info("doclens starting",
		"model", cfg.LLM.Model,
		"qdrant", cfg.Store.Qdrant.Enabled)

	return srv.Start(ctx)
}

// buildStore selects the segment store backend. Postgres always serves
// full-text search and resolution; Qdrant takes over vector search and
// the document prefilter when enabled.
func buildStore(ctx context.Context, cfg config.StoreConfig) (segments.Store, error) {
	pg, err := segments.NewPostgresStore(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}

	if !cfg.Qdrant.Enabled {
		return pg, nil
	}

	qd, err := segments.NewQdrantSearcher(cfg.Qdrant)
	if err != nil {
		pg.Close()
		return nil, err
	}
	return segments.NewHybridStore(qd, pg), nil
}
