package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/weiawesome/market-chat/internal/activity"
	"github.com/weiawesome/market-chat/internal/config"
	"github.com/weiawesome/market-chat/internal/docstore"
	"github.com/weiawesome/market-chat/internal/events"
	"github.com/weiawesome/market-chat/internal/handler"
	"github.com/weiawesome/market-chat/internal/hub"
	"github.com/weiawesome/market-chat/internal/idgen"
	"github.com/weiawesome/market-chat/internal/metrics"
	"github.com/weiawesome/market-chat/internal/profile"
	"github.com/weiawesome/market-chat/internal/realtime"
	"github.com/weiawesome/market-chat/internal/reconciler"
	"github.com/weiawesome/market-chat/internal/repository"
	"github.com/weiawesome/market-chat/internal/service"
	"github.com/weiawesome/market-chat/internal/tracker"
	"github.com/weiawesome/market-chat/pkg/database"
	"github.com/weiawesome/market-chat/pkg/jwt"
	pkglog "github.com/weiawesome/market-chat/pkg/log"
	"github.com/weiawesome/market-chat/pkg/middleware"
	"github.com/weiawesome/market-chat/pkg/pubsub"
	"github.com/weiawesome/market-chat/pkg/tracing"
)

const serviceName = "market-chat"

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// 2. Initialize structured logger
	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty || cfg.Log.Level == "debug",
		ServiceName: serviceName,
	})
	logger := pkglog.L()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Tracing
	shutdownTracing, err := tracing.Init(ctx, serviceName, cfg.Tracing)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init tracing")
	}

	// 4. Event bus
	bus, err := pubsub.NewPubSub(cfg.PubSub)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create pubsub")
	}
	defer bus.Close()
	logger.Info().Str("driver", cfg.PubSub.Driver).Msg("pubsub ready")

	ids, err := idgen.New(cfg.IDGen)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create id generator")
	}

	// 5. Document store
	store, err := openStore(ctx, cfg, ids, bus)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to open document store")
	}
	defer store.Close()
	logger.Info().Str("driver", cfg.Store.Driver).Msg("document store ready")

	// 6. Redis (optional)
	var (
		profileCache profile.Cache = profile.NopCache{}
		activityStore activity.Store = activity.NewMemoryStore()
	)
	if cfg.Redis.Address != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Redis.Address).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		profileCache = profile.NewRedisCache(rdb, cfg.Cache.KeyPrefix)
		activityStore = activity.NewRedisStore(rdb)
		logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	} else {
		logger.Warn().Msg("redis not configured; profile cache and counter activity stay in memory")
	}

	// 7. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 8. Domain components
	profiles := profile.NewDirectory(store, profileCache, cfg.Cache.ProfileTTL)
	publisher := events.NewBusPublisher(bus)
	repo := repository.NewConversationRepository(store, profiles, publisher, activityStore, m, repository.Config{
		MaxMessageLength: cfg.Chat.MaxMessageLength,
	})
	unread := tracker.NewUnreadTracker(store, repo, publisher, m, clockwork.NewRealClock(), tracker.Config{
		Debounce: cfg.Chat.SeenDebounce,
		Throttle: cfg.Chat.SeenThrottle,
	})
	coord := realtime.NewCoordinator(store, repo, unread, m)

	// 9. WebSocket hub and chat service
	wsHub := hub.NewHub(cfg.WebSocket, m)
	go wsHub.Run(ctx)

	chatSvc := service.NewChatService(wsHub, repo, unread, coord, bus)
	if err := chatSvc.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start chat service")
	}

	// 10. Reconciler
	var rec *reconciler.Reconciler
	if cfg.Reconciler.Enabled {
		rec = reconciler.New(activityStore, repo, m, nil, cfg.Reconciler)
		rec.Start(ctx)
		logger.Info().Dur("interval", cfg.Reconciler.Interval).Int64("top_n", cfg.Reconciler.TopN).Msg("reconciler started")
	}

	// 11. Auth
	verifier, err := jwt.NewVerifier(cfg.Auth)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create token verifier")
	}
	authMiddleware := middleware.NewAuthMiddleware(verifier)

	// 12. Gin router + HTTP server
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(serviceName))
	r.Use(pkglog.GinMiddleware(logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": wsHub.ClientCount()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	handler.NewHandler(repo, unread, authMiddleware).RegisterRoutes(r)
	handler.NewWSHandler(wsHub, chatSvc, cfg.WebSocket).RegisterRoutes(r, authMiddleware)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logger.Info().Str("addr", addr).Msg("market-chat starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// 13. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutdown signal received")

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("HTTP server forced to shutdown")
		}

		if rec != nil {
			rec.Stop()
			<-rec.Done()
		}
		if err := chatSvc.Stop(); err != nil {
			logger.Warn().Err(err).Msg("error stopping chat service")
		}
		unread.Stop()

		// Stops the hub, which closes every remaining client.
		cancel()

		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("error flushing traces")
		}
	}()

	select {
	case <-shutdownDone:
		logger.Info().Msg("market-chat stopped")
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("shutdown timed out after 30s")
	}
}

func openStore(ctx context.Context, cfg *config.Config, ids idgen.Generator, bus pubsub.PubSub) (docstore.Store, error) {
	switch cfg.Store.Driver {
	case "memory", "":
		return docstore.NewMemoryStore(docstore.WithIDGenerator(ids)), nil

	case "gorm":
		db, err := database.New(&cfg.Store.Database)
		if err != nil {
			return nil, err
		}
		return docstore.NewGormStore(ctx, db, ids, docstore.NewNotifier(bus))

	case "mongo":
		return docstore.NewMongoStore(ctx, cfg.Store.Mongo, ids,
			repository.ChatsCollection,
			repository.MessagesPath("_"),
			repository.UserChatsPath("_"),
			profile.UsersCollection,
		)

	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}
