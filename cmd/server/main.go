// Command server runs the Hybrid RAG engine's HTTP surface: ingest,
// document management, query (speed/deep), and system status endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"hybridrag/internal/cache"
	"hybridrag/internal/chunker"
	"hybridrag/internal/config"
	"hybridrag/internal/embedding"
	"hybridrag/internal/engine"
	"hybridrag/internal/graph"
	"hybridrag/internal/httpapi"
	"hybridrag/internal/ingest"
	"hybridrag/internal/llmclient"
	"hybridrag/internal/objectstore"
	"hybridrag/internal/observability"
	"hybridrag/internal/retrieval"
	"hybridrag/internal/selector"
	"hybridrag/internal/store"
	"hybridrag/internal/vectorindex"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg := loadConfig(*configPath)
	observability.InitLogger(cfg.LogLevel)

	chunkStore, closeStore, err := openStore(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("open chunk store")
	}
	defer closeStore()

	index, err := openVectorIndex(cfg.VectorIndex, cfg.Embeddings.Dimensions)
	if err != nil {
		log.Fatal().Err(err).Msg("open vector index")
	}
	defer index.Close()
	if cfg.VectorIndex.Path != "" {
		if err := index.Load(cfg.VectorIndex.Path); err != nil {
			log.Warn().Err(err).Msg("vector index snapshot load failed, starting empty")
		}
	}

	objects, err := objectstore.New(cfg.DataPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open object store")
	}

	kg := graph.New()

	lmClient := llmclient.New(openLMProvider(cfg.LM), cfg.LM.MaxRetries)
	embedder := embedding.NewHTTPProvider(embedding.Config{
		Host:       cfg.Embeddings.Host,
		APIKey:     cfg.Embeddings.APIKey,
		Model:      cfg.Embeddings.Model,
		Dimensions: cfg.Embeddings.Dimensions,
	})

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	probeStartup(startupCtx, lmClient, chunkStore, kg)
	startupCancel()

	answerCache := cache.New(cfg.Redis.Addr, cfg.Redis.TTLSec)

	modeSelector := selector.New(selector.Config{Threshold: cfg.ModeSelect.Threshold}, lmClient)
	speedRetriever := retrieval.NewSpeedRetriever(index, chunkStore, embedder, cfg.VectorIndex.TopKSpeed)
	deepRetriever := retrieval.NewDeepRetriever(index, chunkStore, embedder, kg, lmClient, cfg.VectorIndex.TopKDeep, cfg.Graph.MaxHops, cfg.Graph.MaxPaths)
	hybridEngine := engine.New(modeSelector, speedRetriever, deepRetriever, lmClient, chunkStore, answerCache, time.Duration(cfg.LM.TimeoutSec)*time.Second)

	pipeline := ingest.New(chunkStore, index, kg, embedder, lmClient, objects, chunker.DefaultConfig())

	server := httpapi.NewServer(hybridEngine, pipeline, chunkStore, index, kg, answerCache, lmClient)

	run(cfg, server, index, answerCache)
}

func loadConfig(path string) config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to load config file, falling back to documented defaults")
		return config.Defaults()
	}
	return *cfg
}

func openStore(cfg config.DatabaseConfig) (store.Store, func(), error) {
	if cfg.Driver == "postgres" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pg, err := store.OpenPostgres(ctx, cfg.ConnectionString)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return pg, func() { _ = pg.Close() }, nil
	}

	path := cfg.ConnectionString
	if path == "" {
		path = "./data/chunkstore.db"
	}
	sq, err := store.OpenSQLite(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return sq, func() { _ = sq.Close() }, nil
}

func openVectorIndex(cfg config.VectorIndexConfig, dimensions int) (vectorindex.Index, error) {
	switch cfg.Backend {
	case "qdrant":
		idx, err := vectorindex.NewQdrant(cfg.QdrantDSN, cfg.Collection, dimensions, cfg.Metric)
		if err != nil {
			return nil, fmt.Errorf("open qdrant index: %w", err)
		}
		return idx, nil
	case "pgvector":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect pgvector pool: %w", err)
		}
		idx, err := vectorindex.NewPGVector(ctx, pool, dimensions, cfg.Metric)
		if err != nil {
			return nil, fmt.Errorf("open pgvector index: %w", err)
		}
		return idx, nil
	default:
		return vectorindex.NewHNSW(vectorindex.HNSWConfig{Dimensions: dimensions, Metric: cfg.Metric}), nil
	}
}

func openLMProvider(cfg config.LMConfig) llmclient.Provider {
	if cfg.Backend == "openai" {
		return llmclient.NewOpenAIProvider(llmclient.OpenAIConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model})
	}
	return llmclient.NewAnthropicProvider(llmclient.AnthropicConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model})
}

// probeStartup verifies LM connectivity and hydrates the in-memory
// knowledge graph from the chunk store's durable entities/relations,
// concurrently: neither depends on the other's result, and a slow LM
// reachability check should not hold up graph hydration.
func probeStartup(ctx context.Context, lm *llmclient.Client, st store.Store, kg *graph.Graph) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := lm.CheckConnection(gctx); err != nil {
			log.Warn().Err(err).Msg("startup: LM connectivity probe failed, continuing in degraded mode")
		}
		return nil
	})

	g.Go(func() error {
		entities, err := st.AllEntities(gctx)
		if err != nil {
			log.Warn().Err(err).Msg("startup: failed to hydrate entities from chunk store")
			return nil
		}
		for _, e := range entities {
			kg.UpsertEntity(e)
		}
		relations, err := st.AllRelations(gctx)
		if err != nil {
			log.Warn().Err(err).Msg("startup: failed to hydrate relations from chunk store")
			return nil
		}
		for _, r := range relations {
			kg.AddRelation(r)
		}
		log.Info().Int("entities", len(entities)).Int("relations", len(relations)).Msg("startup: knowledge graph hydrated")
		return nil
	})

	_ = g.Wait()
}

func run(cfg config.Config, handler http.Handler, index vectorindex.Index, c *cache.Cache) {
	addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
	srv := &http.Server{Addr: addr, Handler: handler}

	go func() {
		log.Info().Str("addr", addr).Msg("hybridrag server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	if cfg.VectorIndex.Path != "" {
		if err := index.Save(cfg.VectorIndex.Path); err != nil {
			log.Error().Err(err).Msg("vector index snapshot save failed")
		}
	}
	if err := c.Close(); err != nil {
		log.Error().Err(err).Msg("cache close failed")
	}
}
