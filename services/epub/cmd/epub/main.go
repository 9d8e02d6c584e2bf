package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sillypop200/kiwifruit/internal/identity"
	"github.com/sillypop200/kiwifruit/internal/ratelimit"
	"github.com/sillypop200/kiwifruit/internal/util"
	"github.com/sillypop200/kiwifruit/pkg/queue"
	"github.com/sillypop200/kiwifruit/pkg/storage"
	"github.com/sillypop200/kiwifruit/pkg/store"
	"github.com/sillypop200/kiwifruit/services/epub/internal/app"
	"github.com/sillypop200/kiwifruit/services/epub/internal/config"
	"github.com/sillypop200/kiwifruit/services/epub/internal/server"
)

func main() {
	configPath := flag.String("config", config.ConfigPath, "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// requests and background jobs get separate store handles
	requestStore, workerStore, closeStores, err := openStores(cfg)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	defer closeStores()

	blobs, err := openBlobs(cfg)
	if err != nil {
		log.Fatalf("failed to init blob store: %v", err)
	}

	worker, err := app.NewWorker(app.WorkerConfig{
		Store:   workerStore,
		Blobs:   blobs,
		Timeout: cfg.JobTimeout(),
	})
	if err != nil {
		log.Fatalf("failed to init worker: %v", err)
	}

	var (
		dispatcher app.Dispatcher
		inline     *app.InlineDispatcher
		jobQueue   queue.JobQueue
	)
	switch cfg.DispatchMode {
	case config.DispatchRedis:
		jobQueue, err = queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			Stream:     cfg.QueueName,
			Group:      cfg.QueueGroup,
			MaxRetries: cfg.QueueMaxRetries,
			RetryDelay: cfg.QueueRetryDelay(),
		})
	case config.DispatchAMQP:
		jobQueue, err = queue.NewAMQPJobQueue(queue.AMQPQueueConfig{
			URL:        cfg.AMQPURL,
			Queue:      cfg.QueueName,
			MaxRetries: cfg.QueueMaxRetries,
		})
	default:
		inline = app.NewInlineDispatcher(worker)
		dispatcher = inline
	}
	if err != nil {
		log.Fatalf("failed to init job queue: %v", err)
	}
	if jobQueue != nil {
		defer jobQueue.Close()
		dispatcher = app.NewQueueDispatcher(jobQueue)
		if err := jobQueue.Start(ctx, cfg.QueueConcurrency, worker.HandleQueueJob); err != nil {
			log.Fatalf("failed to start queue consumers: %v", err)
		}
	}

	var limiter app.UploadLimiter
	if cfg.UploadRateLimit > 0 {
		fw, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "kiwifruit:upload", cfg.UploadRateLimit, cfg.UploadRateWindow())
		if err != nil {
			log.Fatalf("failed to init upload rate limiter: %v", err)
		}
		defer fw.Close()
		limiter = fw
	}

	resolver, err := buildResolver(cfg)
	if err != nil {
		log.Fatalf("failed to init identity resolver: %v", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	appCore, err := app.New(app.Config{
		Store:          requestStore,
		Blobs:          blobs,
		Dispatcher:     dispatcher,
		Limiter:        limiter,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	sweeper, err := app.NewSweeper(workerStore, cfg.SweepInterval(), cfg.StaleAfter())
	if err != nil {
		log.Fatalf("failed to init sweeper: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		Identity:       resolver,
		MaxUploadBytes: cfg.MaxUploadBytes,
		TrustedProxies: trusted,
		CORSOrigins:    cfg.CORSOrigins,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("epub server listening", "addr", addr, "dispatch", cfg.DispatchMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}

	// let in-flight parse jobs record their outcome
	if inline != nil {
		inline.Wait()
	}
	if jobQueue != nil {
		jobQueue.Wait()
	}
	slog.Info("epub server stopped")
}

func openStores(cfg config.FileConfig) (store.Store, store.Store, func(), error) {
	if cfg.StoreBackend == config.StoreBackendMemory {
		// one process, one map; the lock stands in for separate connections
		mem := store.NewMemoryStore()
		return mem, mem, func() {}, nil
	}
	requestStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	workerStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		_ = requestStore.Close()
		return nil, nil, nil, err
	}
	return requestStore, workerStore, func() {
		_ = requestStore.Close()
		_ = workerStore.Close()
	}, nil
}

func openBlobs(cfg config.FileConfig) (storage.ObjectStore, error) {
	if cfg.BlobBackend == config.BlobBackendMinio {
		return storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	}
	return storage.NewFileStore(cfg.UploadDir)
}

func buildResolver(cfg config.FileConfig) (identity.Resolver, error) {
	var chain identity.Chain
	if len(cfg.StaticTokens) > 0 {
		chain = append(chain, identity.Static(cfg.StaticTokens))
	}
	if cfg.JWTSecret != "" || cfg.JWKSURL != "" {
		tokens, err := identity.NewTokenResolver(identity.TokenConfig{
			Secret:     cfg.JWTSecret,
			JWKSURL:    cfg.JWKSURL,
			Issuer:     cfg.JWTIssuer,
			Audience:   cfg.JWTAudience,
			Leeway:     cfg.JWTLeeway(),
			HTTPClient: &http.Client{Timeout: 5 * time.Second},
		})
		if err != nil {
			return nil, err
		}
		chain = append(chain, tokens)
	}
	if cfg.SessionRedisAddr != "" {
		sessions, err := identity.NewSessionResolver(cfg.SessionRedisAddr, cfg.SessionRedisPassword, cfg.SessionKeyPrefix)
		if err != nil {
			return nil, err
		}
		chain = append(chain, sessions)
	}
	if len(chain) == 0 {
		return nil, errors.New("no identity resolver configured")
	}
	return chain, nil
}
