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
	"golang.org/x/sync/errgroup"

	"github.com/Ashu27-arc/eye-test/internal/auth"
	"github.com/Ashu27-arc/eye-test/internal/config"
	"github.com/Ashu27-arc/eye-test/internal/grpcserver"
	"github.com/Ashu27-arc/eye-test/internal/handlers"
	"github.com/Ashu27-arc/eye-test/internal/inference"
	"github.com/Ashu27-arc/eye-test/internal/logging"
	"github.com/Ashu27-arc/eye-test/internal/repository"
	"github.com/Ashu27-arc/eye-test/internal/storage"
	"github.com/Ashu27-arc/eye-test/internal/upload"
	"github.com/Ashu27-arc/eye-test/internal/usecase"
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

	repo := initRepository(ctx, cfg.Database, logger)
	cache := initCache(ctx, cfg.Redis, logger)
	archive := initArchive(ctx, cfg.Archive, logger)

	gate, err := upload.NewGate(cfg.Upload)
	if err != nil {
		logger.Fatal("invalid upload configuration", zap.Error(err))
	}
	if err := os.MkdirAll(gate.Dir(), 0o755); err != nil {
		logger.Fatal("failed to create upload directory", zap.Error(err), zap.String("dir", gate.Dir()))
	}

	invoker, err := inference.NewScriptInvoker(cfg.Inference, logger)
	if err != nil {
		logger.Fatal("invalid inference configuration", zap.Error(err))
	}
	logger.Info("scorer configured",
		zap.String("command", invoker.Command("<image>")),
		zap.Duration("timeout", cfg.Inference.Timeout),
		zap.Int64("max_concurrent", cfg.Inference.MaxConcurrent),
	)

	predictions := usecase.NewPredictionUseCase(gate, invoker, repo, archive, cache, logger)
	records := usecase.NewRecordUseCase(repo, cache, archive, cfg.Redis.RecordTTL, cfg.Redis.StatisticsTTL, logger)

	gin.SetMode(gin.ReleaseMode)
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience)
	if verifier == nil {
		logger.Warn("JWT_SECRET not set, record deletion is unauthenticated")
	}
	router := handlers.NewRouter(
		handlers.NewHandler(predictions, records, cfg.Upload.MaxFileSize, logger),
		verifier,
		handlers.Options{UploadDir: gate.Dir(), AllowedOrigins: cfg.Server.AllowedOrigins},
		logger,
	)

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(context.Background())
	runCtx, stop := context.WithCancel(gctx)
	defer stop()
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			logger.Fatal("failed to listen for gRPC", zap.Error(err), zap.String("addr", cfg.GRPC.Addr))
		}
		healthServer := grpcserver.NewHealthServer(repo, cfg.GRPC.HealthInterval, logger)
		g.Go(func() error {
			return healthServer.Serve(runCtx, lis)
		})
	}
	g.Go(func() error {
		// the gRPC server follows the HTTP server down
		defer stop()
		logger.Info("Eye Test API listening", zap.String("addr", server.Addr))
		return serveHTTPServer(runCtx, server, cfg.Server.ShutdownTimeout, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// initRepository never fails on an unreachable database: requests that need
// the store answer 503 until it comes back.
func initRepository(ctx context.Context, cfg config.Database, logger *zap.Logger) *repository.PredictionRepository {
	db, err := repository.Open(cfg, logger)
	if err != nil {
		logger.Fatal("failed to configure database", zap.Error(err))
	}

	repo := repository.NewPredictionRepository(db, cfg.PingTimeout)
	if repo.Available(ctx) {
		logger.Info("database connected", zap.String("driver", cfg.Driver))
	} else {
		logger.Warn("database not reachable, continuing without persistence", zap.String("driver", cfg.Driver))
	}
	return repo
}

func initCache(ctx context.Context, cfg config.Redis, logger *zap.Logger) usecase.Cache {
	if !cfg.Enabled() {
		return usecase.NopCache{}
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis connection failed, caching disabled", zap.Error(err), zap.String("addr", cfg.Addr))
		_ = client.Close()
		return usecase.NopCache{}
	}
	return usecase.NewRedisCache(client)
}

func initArchive(ctx context.Context, cfg config.Archive, logger *zap.Logger) storage.Archive {
	if !cfg.Enabled() {
		return storage.NopArchive{}
	}

	archive, err := storage.NewS3Archive(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to configure image archive", zap.Error(err))
	}
	logger.Info("image archive enabled", zap.String("bucket", cfg.Bucket))
	return archive
}

func serveHTTPServer(ctx context.Context, server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(ctx, server, shutdownTimeout, logger, nil, nil)
}

// serveHTTPServerWithOptions shuts the server down on a signal or when ctx ends.
func serveHTTPServerWithOptions(ctx context.Context, server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
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
	case <-ctx.Done():
		logger.Info("shutting down", zap.Error(context.Cause(ctx)))
		return shutdown(server, shutdownTimeout, errCh)
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		return shutdown(server, shutdownTimeout, errCh)
	}
}

func shutdown(server *http.Server, timeout time.Duration, errCh <-chan error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return <-errCh
}
