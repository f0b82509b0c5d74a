package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"genflow-api/internal/buckets"
	"genflow-api/internal/characters"
	"genflow-api/internal/config"
	"genflow-api/internal/database"
	"genflow-api/internal/gemini"
	"genflow-api/internal/handlers/generation"
	"genflow-api/internal/llm"
	"genflow-api/internal/middleware"
	"genflow-api/internal/pipelines"
	"genflow-api/internal/prompts"
	"genflow-api/internal/providers"
	"genflow-api/internal/routers"
	"genflow-api/internal/shared"
	"genflow-api/internal/storage"
	"genflow-api/internal/translate"

	_ "github.com/go-sql-driver/mysql"
	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/manifold-inc/manifold-sdk/lib/eflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Flags / ENV Variables
	writeDSN := flag.String("dsn", "", "Write DSN")
	readDSN := flag.String("read-dsn", "", "Read replica DSN")
	metricsAPIKey := flag.String("metrics-api-key", "", "Metrics api key")
	internalAPIKey := flag.String("internal-api-key", "", "Key for service to service calls")
	redisAddr := flag.String("redis-addr", "", "Redis host:port")
	debug := flag.Bool("debug", false, "Debug enabled")
	catalogPath := flag.String("catalog", "", "Model and style catalog yaml, built in when empty")

	llmBaseURL := flag.String("llm-base-url", "https://openrouter.ai/api/v1", "OpenAI compatible base url")
	llmAPIKey := flag.String("llm-api-key", "", "Language model api key")
	llmModel := flag.String("llm-model", shared.DefaultImproveModel, "Prompt rewriting model")
	googleAPIKey := flag.String("google-api-key", "", "Google translate api key")
	geminiAPIKey := flag.String("gemini-api-key", "", "Gemini api key")
	providerAPIKey := flag.String("provider-api-key", "", "Media provider api key")

	storageEndpoint := flag.String("storage-endpoint", "", "Object storage endpoint")
	storageBucket := flag.String("storage-bucket", "generations", "Object storage bucket")
	storageAPIKey := flag.String("storage-api-key", "", "Object storage api key")
	storagePublicURL := flag.String("storage-public-url", "", "Public url prefix for stored objects")

	rateLimit := flag.Int64("generate-rate-limit", 30, "Generations per user per window, 0 disables")
	rateWindow := flag.Duration("generate-rate-window", time.Minute, "Generation rate limit window")

	err := eflag.SetFlagsFromEnvironment()
	if err != nil {
		panic(err)
	}
	flag.Parse()

	// Write DB init
	writeDB, err := sql.Open("mysql", *writeDSN)
	if err != nil {
		panic(fmt.Sprintf("failed initializing sqlClient: %s", err))
	}
	err = writeDB.Ping()
	if err != nil {
		panic(fmt.Sprintf("failed ping to sql db: %s", err))
	}

	// Read db init
	readDB, err := sql.Open("mysql", *readDSN)
	if err != nil {
		panic(fmt.Sprintf("failed initializing readSqlClient: %s", err))
	}
	err = readDB.Ping()
	if err != nil {
		panic(fmt.Sprintf("failed to ping read replica sql db: %s", err))
	}

	// Load Redis connection
	redisClient := redis.NewClient(&redis.Options{
		Addr:     *redisAddr,
		Password: "",
		DB:       0,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		panic(fmt.Sprintf("failed ping to redis db: %s", err))
	}

	defer func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		if writeDB != nil {
			_ = writeDB.Close()
		}
		if readDB != nil {
			_ = readDB.Close()
		}
	}()

	var logger *zap.Logger
	if !*debug {
		logger, err = zap.NewProduction()
		if err != nil {
			panic("Failed init logger")
		}
	}
	if *debug {
		logger, err = zap.NewDevelopment()
		if err != nil {
			panic("Failed init logger")
		}
	}
	log := logger.Sugar()

	catalog, err := config.LoadCatalog(*catalogPath)
	if err != nil {
		panic(fmt.Sprintf("failed loading catalog: %s", err))
	}

	// Collaborators
	startCtx := context.Background()
	var translator prompts.Translator
	if *googleAPIKey != "" {
		tc, err := translate.NewGoogle(startCtx, *googleAPIKey, log)
		if err != nil {
			panic(fmt.Sprintf("failed creating translate client: %s", err))
		}
		translator = tc
	} else {
		log.Warn("No google api key, prompt translation disabled")
	}
	geminiClient, err := gemini.New(startCtx, *geminiAPIKey, log)
	if err != nil {
		panic(err)
	}
	languageModel := llm.New(llm.Config{
		BaseURL: *llmBaseURL,
		APIKey:  *llmAPIKey,
		Model:   *llmModel,
	}, log)
	store := storage.New(storage.Config{
		Endpoint:  *storageEndpoint,
		Bucket:    *storageBucket,
		APIKey:    *storageAPIKey,
		PublicURL: *storagePublicURL,
	}, nil, log)

	credits := database.NewCreditStore(writeDB, readDB)
	resolver := characters.NewResolver(database.NewCharacterStore(readDB, redisClient, log), log)
	improver := prompts.NewImprover(languageModel, translator, catalog, resolver, log)

	dispatcher := pipelines.NewDispatcher(pipelines.NewTemplates(database.NewTemplateStore(readDB), log), log)
	pipelines.NewStages(geminiClient, geminiClient, store, translator, log).Register(dispatcher)

	spend := buckets.NewSpendCache(log, database.NewSpendWriter(writeDB))
	gh := generation.New(generation.Deps{
		Catalog:    catalog,
		Credits:    credits,
		Generator:  providers.New(*providerAPIKey, log),
		Uploader:   store,
		Dispatcher: dispatcher,
		Images:     resolver,
		Spend:      spend,
		Records:    database.NewGenerationStore(writeDB),
		Limiter:    generation.NewRedisLimiter(redisClient, *rateLimit, *rateWindow),
		Log:        log,
	})

	e := echo.New()
	e.GET(("/ping"), func(c echo.Context) error {
		return c.String(200, "")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()), func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			apiKey, err := shared.ExtractBearer(c, 0)
			if err != nil {
				return c.String(401, "Missing or invalid API key")
			}

			if apiKey != *metricsAPIKey {
				return c.String(401, "Unauthorized API key")
			}
			return next(c)
		}
	})
	base := e.Group("")
	base.Use(emw.CORS())
	base.Use(middleware.NewRecoverMiddleware(log))
	base.Use(middleware.NewTrackMiddleware(log))

	um := middleware.NewUserManager(redisClient, readDB, *internalAPIKey, log)

	// Register routes
	routers.RegisterGenerationRoutes(base, um, routers.GenerationRouterConfig{
		Handler:  gh,
		Improver: improver,
		Resolver: resolver,
		Catalog:  catalog,
		Credits:  credits,
	})

	go func() {
		if err := e.Start(":80"); err != nil && err != http.ErrServerClosed {
			e.Logger.Fatal("shutting down the server")
		}
	}()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// Wait for interrupt signal to gracefully shut down the server.
	<-ctx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), shared.DefaultShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		e.Logger.Fatal(err)
	}
	gh.Wait()
	spend.Shutdown(ctx)
	_ = logger.Sync()
}
