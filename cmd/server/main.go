package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-realtime/internal/auth"
	"github.com/example/ride-realtime/internal/config"
	"github.com/example/ride-realtime/internal/dispatch"
	"github.com/example/ride-realtime/internal/eta"
	httpapi "github.com/example/ride-realtime/internal/http"
	"github.com/example/ride-realtime/internal/ingest"
	"github.com/example/ride-realtime/internal/logging"
	"github.com/example/ride-realtime/internal/matcher"
	"github.com/example/ride-realtime/internal/presence"
	"github.com/example/ride-realtime/internal/ratelimit"
	"github.com/example/ride-realtime/internal/registry"
	"github.com/example/ride-realtime/internal/router"
	"github.com/example/ride-realtime/internal/storage"
	"github.com/example/ride-realtime/internal/trip"
)

// backend is a trip, chat and user store behind one connection.
type backend interface {
	storage.Store
	storage.UserStore
}

type memoryBackend struct {
	*storage.MemoryStore
	*storage.MemoryUsers
}

func main() {
	_ = godotenv.Load()
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("store (%s): %v", cfg.StoreBackend, err)
	}
	defer store.Close()

	var mirrors []presence.Mirror
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, presence mirror will retry per update", "addr", cfg.RedisAddr, "error", err)
		}
		mirrors = append(mirrors, presence.NewRedisMirror(rc, cfg.RedisGeoKey))
	}
	tracker := presence.NewTracker(logger, mirrors...)

	machineOpts := []trip.Option{trip.WithLogger(logger), trip.WithStoreTimeout(cfg.StoreTimeout)}
	var locations *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		trips := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTripTopic)
		defer trips.Close()
		machineOpts = append(machineOpts, trip.WithPublisher(trips))
		locations = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		defer locations.Close()
	}
	machine := trip.NewMachine(store, tracker, machineOpts...)

	estimator := &eta.Estimator{Cache: eta.NewCache(time.Minute), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	reg := registry.New()
	bc := &matcher.Service{
		Presence:     tracker,
		Channels:     reg,
		RadiusMeters: cfg.MatchRadiusMeters,
		ETA:          estimator,
		Logger:       logger,
	}
	tokens := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	if !tokens.Required() {
		logger.Warn("JWT_SECRET not set: channels trust declared identities")
	}
	rt := router.New(reg, tracker, machine, bc, logger, router.Options{
		RequestTimeout: cfg.RideRequestTimeout,
		SweepInterval:  cfg.SweepInterval,
		RequireToken:   tokens.Required(),
	})
	if locations != nil {
		rt.WithLocations(locations)
	}
	go rt.Run(ctx)

	api := httpapi.NewServer(httpapi.Deps{
		Router:  rt,
		Limiter: ratelimit.NewConnLimiter(cfg.WSMaxConnPerIP),
		Tokens:  tokens,
		Auth:    auth.NewService(store, tokens),
		Trips:   machine,
		ETA:     estimator,
		Store:   store,
		Session: dispatch.SessionConfig{
			PingInterval: cfg.WSPingInterval,
			PongWait:     cfg.WSPongWait,
			SendBuffer:   cfg.WSSendBuffer,
		},
		Logger: logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		// hijacked channels end when the process context ends
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		logger.Info("ride-realtime listening", "addr", cfg.HTTPAddr, "store", cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
}

// openStore connects the configured backend and fails fast when it is
// unreachable.
func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (backend, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				_ = ps.Close()
				return nil, err
			}
			logger.Info("postgres schema applied")
		}
		return ps, nil
	case config.BackendMongo:
		ms, err := storage.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		if err := ms.EnsureIndexes(ctx); err != nil {
			_ = ms.Close()
			return nil, err
		}
		return ms, nil
	}
	return memoryBackend{storage.NewMemoryStore(), storage.NewMemoryUsers()}, nil
}
