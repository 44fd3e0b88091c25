// server is the thin wiring entry point for ltmc: it loads
// configuration, opens every backend the config enables, builds the
// memory service facade, and blocks until asked to shut down. It does
// not speak any wire protocol — callers embed internal/memory.Service
// directly, or drive it from a test harness.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"ltmc/internal/cachestore"
	"ltmc/internal/chunking"
	"ltmc/internal/config"
	"ltmc/internal/embeddings"
	"ltmc/internal/graphstore"
	"ltmc/internal/logging"
	"ltmc/internal/memory"
	"ltmc/internal/relstore"
	"ltmc/internal/universalindex"
	"ltmc/internal/vectorindex"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ltmc:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logging.Init(cfg.Logging.Level, cfg.Logging.JSON); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := logging.For("main")

	svc, cleanup, err := wire(cfg, log)
	if err != nil {
		return fmt.Errorf("wire backends: %w", err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("ltmc ready",
		zap.String("db_path", cfg.Database.DBPath),
		zap.String("vector_index_path", cfg.Database.VectorIndexPath),
		zap.Bool("neo4j_enabled", cfg.Neo4j.Enabled),
		zap.Bool("redis_enabled", cfg.Redis.Enabled),
	)
	_ = svc // embedding callers reach the facade through this binary's package, not a served protocol

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// wire opens every backend named in cfg, builds the memory service over
// them, and returns a cleanup function that closes whatever it opened
// (best-effort, logging failures rather than returning them — there is
// nothing left to do differently at shutdown).
func wire(cfg *config.Config, log *zap.Logger) (*memory.Service, func(), error) {
	var closers []func() error

	rs, err := relstore.Open(cfg.Database.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open relational store: %w", err)
	}
	closers = append(closers, rs.Close)

	vi, err := vectorindex.Open(cfg.Database.VectorIndexPath, vectorindex.Config{
		Dimension:     cfg.Database.VectorDimension,
		FlushInterval: cfg.Performance.VectorFlushInterval,
	})
	if err != nil {
		closeAll(closers, log)
		return nil, nil, fmt.Errorf("open vector index: %w", err)
	}
	closers = append(closers, vi.Close)
	ui := universalindex.New(vi)

	var gs *graphstore.Store
	if cfg.Neo4j.Enabled {
		openCtx, cancel := context.WithTimeout(context.Background(), cfg.Neo4j.ConnectionTimeout)
		defer cancel()
		gs, err = graphstore.Open(openCtx, cfg.Neo4j.URI, cfg.Neo4j.User, cfg.Neo4j.Password, cfg.Neo4j.Database, cfg.Neo4j.ConnectionTimeout)
		if err != nil {
			closeAll(closers, log)
			return nil, nil, fmt.Errorf("open graph store: %w", err)
		}
		closers = append(closers, func() error { return gs.Close(context.Background()) })
	} else {
		log.Info("neo4j disabled, graph-backed operations degrade to relational fallbacks")
	}

	var cs *cachestore.Store
	if cfg.Redis.Enabled {
		cs, err = cachestore.Open(cachestore.Options{
			Addr:           fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password:       cfg.Redis.Password,
			DB:             cfg.Redis.DB,
			ConnectTimeout: cfg.Redis.ConnectionTimeout,
			Namespace:      "ltmc",
		})
		if err != nil {
			closeAll(closers, log)
			return nil, nil, fmt.Errorf("open cache store: %w", err)
		}
		closers = append(closers, cs.Close)
	} else {
		log.Info("redis disabled, realtime retrieval degrades to relational fallbacks")
	}

	embedder := buildEmbedder(cfg)
	chunker := chunking.NewService(chunking.Config{
		ChunkSize:    cfg.Database.MaxChunkSize,
		ChunkOverlap: cfg.Database.ChunkOverlap,
	})
	cacheTTL := time.Duration(cfg.Performance.CacheTTLSeconds) * time.Second

	svc := memory.New(rs, ui, gs, cs, chunker, embedder, cacheTTL)

	return svc, func() { closeAll(closers, log) }, nil
}

func buildEmbedder(cfg *config.Config) embeddings.Embedder {
	if cfg.Database.EmbeddingModel == "" || cfg.Database.EmbeddingModel == "test-mode" {
		return embeddings.NewTestEmbedder(cfg.Database.VectorDimension)
	}
	return embeddings.NewOpenAIEmbedder(embeddings.OpenAIConfig{
		APIKey: os.Getenv("OPENAI_API_KEY"),
		Model:  cfg.Database.EmbeddingModel,
	}, cfg.Database.VectorDimension)
}

// closeAll runs every opened backend's Close in reverse order, logging
// (not failing) any error — shutdown proceeds regardless.
func closeAll(closers []func() error, log *zap.Logger) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			log.Warn("error closing backend", zap.Error(err))
		}
	}
}
