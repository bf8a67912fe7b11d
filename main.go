package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/neuroscan/internal/auth"
	"github.com/example/neuroscan/internal/classifier"
	"github.com/example/neuroscan/internal/config"
	"github.com/example/neuroscan/internal/handlers"
	"github.com/example/neuroscan/internal/logging"
	"github.com/example/neuroscan/internal/notify"
	"github.com/example/neuroscan/internal/repository"
	"github.com/example/neuroscan/internal/storage"
	"github.com/example/neuroscan/internal/usecase"
)

func main() {
	cfg, err := config.Load(os.Getenv("NEUROSCAN_CONFIG"))
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ledger := initLedger(ctx, cfg.Database, logger)

	active, closeClassifier := classifier.Select(ctx, cfg.Model, logger)
	defer func() {
		if err := closeClassifier(); err != nil {
			logger.Warn("failed to release classifier", zap.Error(err))
		}
	}()

	stager, err := storage.NewStager(cfg.Storage.UploadDir, cfg.Storage.PublicBaseURL)
	if err != nil {
		logger.Fatal("failed to prepare upload directory", zap.Error(err))
	}

	var opts []usecase.Option
	if redisClient := initRedis(ctx, cfg.Redis, logger); redisClient != nil {
		defer redisClient.Close()
		opts = append(opts, usecase.WithCache(usecase.NewRedisCache(redisClient), cfg.Redis.TTL))
	}
	if publisher := initPublisher(cfg.MQTT, logger); publisher != nil {
		defer publisher.Close()
		opts = append(opts, usecase.WithPublisher(publisher))
	}

	uc := usecase.NewDiagnosisUseCase(active, ledger, stager, logger, opts...)

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.MaxMultipartMemory = cfg.HTTP.MaxUploadBytes

	handlers.RegisterRoutes(r, uc, handlers.Options{
		UploadDir:      stager.Dir(),
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
		Identity:       auth.IdentityMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience),
	})

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("NeuroScan API listening",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("classifier", active.Mode()))
	if err := serveHTTPServer(server, cfg.HTTP.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// initLedger never fails: without a reachable database the ledger runs degraded.
func initLedger(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) *repository.DiagnosisLedger {
	db, err := repository.OpenPostgres(cfg.DSN, logger)
	if err != nil {
		logger.Warn("database unavailable, results will not be stored", zap.Error(err))
		db = nil
	}

	ledger := repository.NewDiagnosisLedger(db, logger, cfg.LedgerTimeout)
	if db != nil {
		if err := ledger.AutoMigrate(ctx); err != nil {
			logger.Warn("auto migrate failed, will retry on first use", zap.Error(err))
		}
	}
	return ledger
}

func initRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) *redis.Client {
	if cfg.Addr == "" {
		logger.Info("results cache disabled")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis not reachable yet, cache reads will fall through", zap.String("addr", cfg.Addr), zap.Error(err))
	}
	return client
}

func initPublisher(cfg config.MQTTConfig, logger *zap.Logger) *notify.MQTTPublisher {
	if cfg.Broker == "" {
		return nil
	}
	publisher, err := notify.NewMQTTPublisher(cfg, logger)
	if err != nil {
		logger.Warn("diagnosis events disabled", zap.String("broker", cfg.Broker), zap.Error(err))
		return nil
	}
	return publisher
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
