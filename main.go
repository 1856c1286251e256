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
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/image-classify/internal/auth"
	"github.com/example/image-classify/internal/classification"
	"github.com/example/image-classify/internal/config"
	"github.com/example/image-classify/internal/engine"
	"github.com/example/image-classify/internal/handlers"
	"github.com/example/image-classify/internal/healthserver"
	"github.com/example/image-classify/internal/logging"
	"github.com/example/image-classify/internal/repository"
	"github.com/example/image-classify/internal/upload"
	"github.com/example/image-classify/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	runner := engine.New(engine.Config{Command: cfg.Engine.Command, Script: cfg.Engine.Script})
	if err := runner.Check(); err != nil {
		logger.Warn("classification engine is not launchable yet", zap.Error(err))
	}
	orchestrator := classification.NewOrchestrator(runner,
		classification.WithTimeout(cfg.Engine.Timeout),
		classification.WithMaxConcurrency(cfg.Engine.MaxConcurrency),
		classification.WithLogger(logger),
	)

	store, err := upload.NewStore(cfg.Upload.Dir)
	if err != nil {
		logger.Fatal("failed to prepare upload directory", zap.Error(err))
	}

	var repo usecase.Repository
	if cfg.Storage.DatabaseDSN != "" {
		classificationRepo := repository.NewClassificationRepository(initDatabase(ctx, cfg.Storage.DatabaseDSN, logger), logger)
		if err := classificationRepo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		repo = classificationRepo
	}

	var cache usecase.Cache
	if cfg.Storage.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		cache = usecase.NewRedisCache(initRedis(redisCtx, cfg.Storage.RedisAddr, logger))
		redisCancel()
	}

	uc := usecase.NewClassificationUseCase(orchestrator, repo, cache, logger)

	opts := handlers.Options{
		MaxUploadSize: cfg.Upload.MaxBytes,
		RetainUploads: cfg.Upload.Retain,
	}
	if cfg.Auth.Secret != "" {
		opts.Auth = auth.JWTMiddleware(cfg.Auth.Secret, cfg.Auth.Audience)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.MaxMultipartMemory = cfg.Upload.MaxBytes
	handlers.RegisterRoutes(r, uc, store, runner, logger, opts)

	serveCtx, stopServe := context.WithCancel(context.Background())
	defer stopServe()
	if cfg.Server.GRPCAddr != "" {
		go serveHealth(serveCtx, cfg.Server.GRPCAddr, runner, logger)
	}

	addr := ":" + cfg.Server.Port
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("image classification API listening",
		zap.String("addr", addr),
		zap.String("engine", cfg.Engine.Command),
		zap.Bool("history", uc.HistoryEnabled()),
		zap.Bool("auth", opts.Auth != nil),
	)
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHealth(ctx context.Context, addr string, runner *engine.Runner, logger *zap.Logger) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("failed to listen for gRPC health", zap.Error(err), zap.String("addr", addr))
		return
	}
	logger.Info("gRPC health listening", zap.String("addr", addr))
	if err := healthserver.New(runner.Check, 0, logger).Serve(ctx, lis); err != nil {
		logger.Error("gRPC health server stopped", zap.Error(err))
	}
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

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

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
