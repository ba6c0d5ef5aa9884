package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cardoncue-api/docs"
	"cardoncue-api/internal/cache"
	"cardoncue-api/internal/config"
	"cardoncue-api/internal/handler"
	"cardoncue-api/internal/merge"
	"cardoncue-api/internal/metrics"
	"cardoncue-api/internal/middleware"
	"cardoncue-api/internal/models"
	"cardoncue-api/internal/provider"
	"cardoncue-api/internal/repository"
	"cardoncue-api/internal/service"
	"cardoncue-api/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

func main() {
	_ = godotenv.Load(".env")

	config, err := config.LoadConfig("./configs")
	if err != nil {
		log.Fatal().Err(err).Msg("cannot load config")
	}

	zerolog.SetGlobalLevel(config.Level())
	logger := log.With().Str("service", "cardoncue-api").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:     config.TracingEnabled,
		ServiceName: "cardoncue-api",
		Exporter:    config.TracingExporter,
		Endpoint:    config.OTLPEndpoint,
		SampleRatio: config.TracingSampleRatio,
	}, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot initialise tracing")
	}
	defer tracing.Shutdown(context.Background(), shutdownTracing, logger)

	collector, err := metrics.NewCollector(prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot register metrics")
	}

	// Database connection
	conn, err := pgxpool.New(ctx, config.DBSource)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot connect to db")
	}
	defer conn.Close()

	// Initialize layers
	repo := repository.NewRepository(conn).WithSearchRadius(config.CatalogSearchRadiusMeters)

	var store cache.Store = cache.NewMemoryStore()
	if rdb := cache.OpenRedis(config.RedisAddr, config.RedisPassword, config.RedisDB); rdb != nil {
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", config.RedisAddr).Msg("redis unavailable, using in-memory provider cache")
		} else {
			store = cache.NewRedisStore(rdb, "cardoncue:")
			defer rdb.Close()
		}
	}

	var providers []provider.Provider
	if config.ElasticURL != "" {
		client, err := provider.NewElasticClient(config.ElasticURL)
		if err != nil {
			log.Fatal().Err(err).Msg("cannot create elasticsearch client")
		}
		providers = append(providers, provider.NewElasticProvider(client, config.ElasticIndex, models.SourceProviderA, ""))
	}
	if config.PlacesProviderURL != "" {
		providers = append(providers, provider.NewHTTPProvider("places", config.PlacesProviderURL, models.SourceProviderB, nil))
	}
	for i, p := range providers {
		providers[i] = provider.NewCached(p, store, config.ProviderCacheTTL, config.DedupPrecisionDegrees, logger)
	}

	refreshService := service.NewRefreshService(repo, service.Policy{
		CapacityCeiling:            config.CapacityCeiling,
		RefreshAfterDistanceMeters: config.RefreshAfterDistanceMeters,
		CacheTTLSeconds:            config.CacheTTLSeconds,
		PrefilterFactor:            config.CatalogPrefilterFactor,
		ProviderTimeout:            config.ProviderTimeout,
		CatalogTimeout:             config.CatalogTimeout,
	},
		service.WithProviders(providers...),
		service.WithMerger(merge.New(merge.Policy{
			PrecisionDegrees: config.DedupPrecisionDegrees,
			SourcePriority:   config.Sources(),
		})),
		service.WithLogger(logger),
		service.WithMetrics(collector),
	)

	refreshHandler := handler.NewRefreshHandler(refreshService, logger)
	healthHandler := handler.NewHealthHandler(repo)

	docs.SwaggerInfo.BasePath = "/"

	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(logger))

	r.GET("/health", healthHandler.Health)
	r.GET("/metrics", gin.WrapH(collector.Handler()))
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	v1 := r.Group("/v1")
	v1.GET("/regions/refresh", refreshHandler.RefreshQuery)
	v1.POST("/regions/refresh", refreshHandler.Refresh)

	srv := &http.Server{
		Addr:              config.ServerAddress,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", config.ServerAddress).
			Int("providers", len(providers)).
			Msg("region refresh api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("server stopped")
}
