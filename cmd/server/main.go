package main

import (
	"flag"
	"net/http"

	"go.uber.org/zap"

	"github.com/avoleva/replyhub/internal/api"
	"github.com/avoleva/replyhub/internal/cluster"
	"github.com/avoleva/replyhub/internal/embedding"
	"github.com/avoleva/replyhub/internal/ingest"
	"github.com/avoleva/replyhub/internal/matcher"
	"github.com/avoleva/replyhub/internal/storage"
	"github.com/avoleva/replyhub/internal/suggest"
	"github.com/avoleva/replyhub/pkg/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", *configPath))
	}

	// Initialize storage
	var store storage.Storage
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	} else {
		logger.Info("Using PostgreSQL storage")
		store, err = storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	// Initialize embedding provider with cache
	var embedder embedding.Provider = embedding.NewOpenAIProvider(
		cfg.OpenAI.APIKey,
		cfg.OpenAI.EmbeddingModel,
		cfg.OpenAI.Dimensions,
		logger,
	)
	embedder = embedding.NewCachingProvider(embedder, cfg.OpenAI.CacheSize)

	// Initialize matcher and services
	m, err := matcher.New(matcher.Config{
		LexicalThreshold:   cfg.Matcher.LexicalThreshold,
		VectorThreshold:    cfg.Matcher.VectorThreshold,
		MinResponseLength:  cfg.Matcher.MinResponseLength,
		NoResponsePatterns: cfg.Matcher.NoResponsePatterns,
		CandidateLimit:     cfg.Matcher.CandidateLimit,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create matcher", zap.Error(err))
	}

	suggester := suggest.New(store, suggest.Config{
		SimilarityThreshold: cfg.Matcher.SuggestionThreshold,
		Limit:               cfg.Matcher.SuggestionLimit,
	}, logger)
	lifecycle := cluster.NewLifecycle(store, suggester, logger)
	pipeline := ingest.NewPipeline(store, embedder, m, logger)

	router := api.NewRouter(pipeline, lifecycle, logger)

	logger.Info("Starting server", zap.String("addr", cfg.Server.Addr))
	if err := http.ListenAndServe(cfg.Server.Addr, router); err != nil {
		logger.Fatal("Server error", zap.Error(err))
	}
}
