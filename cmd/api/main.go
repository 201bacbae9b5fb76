package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/analyzer"
	"github.com/docqa/backend/internal/api/handlers"
	"github.com/docqa/backend/internal/cache"
	"github.com/docqa/backend/internal/cache/rediscache"
	"github.com/docqa/backend/internal/chunker"
	"github.com/docqa/backend/internal/embedder"
	"github.com/docqa/backend/internal/index/lexical"
	"github.com/docqa/backend/internal/index/milvus"
	"github.com/docqa/backend/internal/llm"
	"github.com/docqa/backend/internal/metrics"
	"github.com/docqa/backend/internal/middleware/ratelimit"
	"github.com/docqa/backend/internal/middleware/security"
	"github.com/docqa/backend/internal/pipeline"
	"github.com/docqa/backend/internal/retrieval"
	"github.com/docqa/backend/internal/storage/sqlite"
	"github.com/docqa/backend/pkg/config"
	appLogger "github.com/docqa/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting document QA API server")

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	lexicalIndex, err := lexical.NewIndex(cfg.SQLite.LexicalPath)
	if err != nil {
		appLogger.Fatal("Failed to create lexical index", zap.Error(err))
	}
	defer lexicalIndex.Close()

	vectorIndex, err := milvus.NewClient(
		cfg.Milvus.Endpoint,
		cfg.Milvus.APIKey,
		cfg.Milvus.CollectionName,
		cfg.Milvus.VectorDim,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
	}
	defer vectorIndex.Close()

	if err := vectorIndex.EnsureCollection(context.Background()); err != nil {
		appLogger.Fatal("Failed to ensure collection", zap.Error(err))
	}

	var vectorCache embedder.VectorCache
	if cfg.Redis.Host != "" {
		redisCache, err := rediscache.NewClient(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			24*time.Hour,
		)
		if err != nil {
			appLogger.Warn("Redis unavailable, using in-memory embedding cache", zap.Error(err))
			vectorCache = embedder.NewMemoryCache()
		} else {
			defer redisCache.Close()
			vectorCache = redisCache
		}
	} else {
		vectorCache = embedder.NewMemoryCache()
	}

	embedClient := embedder.New(embedder.Config{
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.EmbeddingModel,
		BatchSize:   cfg.LLM.EmbedBatchSize,
		RetryBase:   time.Duration(cfg.LLM.RetryBaseSec) * time.Second,
		MaxAttempts: cfg.LLM.RetryMaxAttempt,
	}, vectorCache)

	llmClient := llm.NewClient(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.Temperature, cfg.LLM.MaxTokens)

	pipe := pipeline.New(pipeline.Deps{
		Catalog:   sqliteClient,
		Vector:    vectorIndex,
		Lexical:   lexicalIndex,
		Embedder:  embedClient,
		Chunker:   chunker.New(cfg.Chunking.Window, cfg.Chunking.Overlap),
		Analyzer:  analyzer.New(llmClient),
		Retriever: retrieval.NewRetriever(vectorIndex, lexicalIndex, embedClient, cfg.Retrieval),
		Reranker:  retrieval.NewReranker(llmClient, cfg.Rerank),
		Filter:    retrieval.NewFilter(cfg.Filter),
		Answerer:  llmClient,
		Cache:     cache.New(cfg.Cache.MaxSize, cfg.CacheTTL()),
		Config:    cfg,
	})

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: 120,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(security.HeadersMiddleware(security.HeadersConfig{}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Tenant-ID",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(limiter.Middleware())

	queryHandler := handlers.NewQueryHandler(pipe)
	documentHandler := handlers.NewDocumentHandler(pipe)
	cacheHandler := handlers.NewCacheHandler(pipe)
	wsHandler := handlers.NewWebSocketHandler(pipe)

	api := app.Group("/api/v1")

	api.Post("/query", queryHandler.HandleQuery)
	api.Post("/chat", queryHandler.HandleChat)

	api.Post("/documents", documentHandler.UploadDocument)
	api.Get("/documents", documentHandler.ListDocuments)
	api.Delete("/documents/:id", documentHandler.DeleteDocument)

	api.Get("/cache/stats", cacheHandler.GetStats)
	api.Post("/cache/clear", cacheHandler.Clear)

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	app.Get("/metrics", metrics.MetricsHandler())

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(wsHandler.HandleConnection))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}
