package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/omopwide/pkg/cdm"
	"github.com/synaptica-ai/omopwide/pkg/common/config"
	"github.com/synaptica-ai/omopwide/pkg/common/database"
	"github.com/synaptica-ai/omopwide/pkg/common/kafka"
	"github.com/synaptica-ai/omopwide/pkg/common/logger"
	"github.com/synaptica-ai/omopwide/pkg/common/middleware"
	"github.com/synaptica-ai/omopwide/pkg/extract"
	"github.com/synaptica-ai/omopwide/pkg/jobs"
	"github.com/synaptica-ai/omopwide/pkg/observability/metrics"
	"github.com/synaptica-ai/omopwide/pkg/storage"
	"github.com/synaptica-ai/omopwide/pkg/terminology"
)

func main() {
	logger.Init()
	cfg := config.Load()

	store, cdmDB, closer, err := cdm.Connect(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to open cdm store")
	}
	defer closer.Close()

	// Job bookkeeping always lives in Postgres, even when the CDM is DuckDB.
	db := cdmDB
	if db == nil {
		if db, err = database.GetPostgres(); err != nil {
			logger.Log.WithError(err).Fatal("failed to connect to postgres")
		}
		defer database.ClosePostgres()
	}

	catalog, err := terminology.LoadConfigured(context.Background(), db, cfg.ConceptTable, cfg.ConceptCatalogPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load concept catalog")
	}
	logger.Log.WithField("concepts", catalog.Len()).Info("Concept catalog loaded")

	repo := jobs.NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate extraction job table")
	}

	format, err := storage.ParseFormat(cfg.ExtractFormat)
	if err != nil {
		logger.Log.WithError(err).Fatal("invalid EXTRACT_FORMAT")
	}
	opts := []jobs.Option{
		jobs.WithOutputDir(cfg.ExtractOutputDir),
		jobs.WithFormat(format),
		jobs.WithMaxJobs(cfg.ExtractMaxJobs),
	}

	if client, err := database.GetRedis(); err == nil {
		opts = append(opts, jobs.WithFeatureStore(storage.NewFeatureStore(client, cfg.FeatureStoreCacheTTL)))
		defer database.CloseRedis()
	}

	if cfg.ExtractStoreRows {
		rows := storage.NewRowWriter(db)
		if err := rows.AutoMigrate(); err != nil {
			logger.Log.WithError(err).Fatal("failed to migrate extraction rows table")
		}
		opts = append(opts, jobs.WithRowStore(rows))
	}

	var producer *kafka.Producer
	if cfg.KafkaEnabled {
		producer = kafka.NewProducer(cfg.KafkaBrokers, cfg.ExtractCompletedTopic)
		defer producer.Close()
		opts = append(opts, jobs.WithPublisher(producer))
	}

	extractor := extract.New(store, catalog, extract.WithWorkers(cfg.ExtractWorkers))
	runner := jobs.NewRunner(extractor, repo, opts...)
	handler := jobs.NewHandler(runner, cfg.MaxRequestBody)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.KafkaEnabled {
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.ExtractRequestTopic, cfg.KafkaGroupID)
		defer consumer.Close()
		go func() {
			logger.Log.WithField("topic", cfg.ExtractRequestTopic).Info("Consuming extraction requests")
			if err := consumer.Consume(ctx, runner.HandleEvent); err != nil && ctx.Err() == nil {
				logger.Log.WithError(err).Error("extraction request consumer stopped")
			}
		}()
	}

	router := mux.NewRouter()
	router.Use(middleware.Recovery, middleware.Logging, middleware.CORS)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w)
	}).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	handler.Register(api)

	address := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithField("addr", address).Info("Extraction service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start extraction service")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down extraction service...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("Extraction service forced to shutdown")
	}
	runner.Close()
	logger.Log.Info("Extraction service stopped")
}
