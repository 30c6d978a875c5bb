package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/go-chi/chi/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/rideflow/internal/directory"
	"github.com/example/rideflow/internal/http/middleware"
	"github.com/example/rideflow/internal/notify"
	"github.com/example/rideflow/internal/ride/domain"
	"github.com/example/rideflow/internal/ride/handler"
	"github.com/example/rideflow/internal/ride/repository"
	"github.com/example/rideflow/internal/ride/reservation"
	"github.com/example/rideflow/internal/ride/service"
	"github.com/example/rideflow/internal/ride/sweeper"
	"github.com/example/rideflow/pkg/observability"
)

const serviceName = "ride-service"

var version = "dev"

func main() {
	var cfg config
	kong.Parse(&cfg,
		kong.Name("rideservice"),
		kong.Description("Ride matching and lifecycle orchestrator."),
	)
	if err := run(cfg); err != nil {
		log.Fatalf("rideservice: %v", err)
	}
}

// closers run in reverse order on shutdown.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(cfg config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger(serviceName, cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	var spans io.Writer
	if cfg.Trace {
		spans = os.Stdout
	}
	shutdownTracer, err := observability.SetupTracer(ctx, observability.TracerConfig{Service: serviceName, Version: version, Writer: spans})
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdownTracer(context.Background()) //nolint:errcheck
	}

	var cleanup closers
	defer cleanup.run()

	var (
		repo   domain.Repository
		lister interface {
			ListExpiredOffers(ctx context.Context, before time.Time, limit int) ([]domain.Ride, error)
		}
		checks []func(context.Context) error
	)
	if cfg.PostgresDSN != "" {
		db, err := sqlx.ConnectContext(ctx, "pgx", cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres connect: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		cleanup.add(func() { _ = db.Close() })
		pg := repository.NewPostgresRepository(db)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		repo, lister = pg, pg
		checks = append(checks, db.PingContext)
	} else {
		logger.Warn("POSTGRES_DSN not set, rides are kept in memory")
		mem := repository.NewMemoryRepository()
		repo, lister = mem, mem
	}

	clock := domain.SystemClock{}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		cleanup.add(func() { _ = redisClient.Close() })
		checks = append(checks, func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })
	}

	var reservations domain.ReservationStore
	if redisClient != nil {
		reservations = reservation.NewRedisStore(redisClient, "")
	} else {
		logger.Warn("REDIS_ADDR not set, reservations are kept in memory")
		reservations = reservation.NewMemoryStore(clock)
	}

	drivers, err := buildDirectory(cfg, redisClient)
	if err != nil {
		return err
	}
	if cfg.Directory == "memory" && len(cfg.SeedDrivers) == 0 {
		logger.Warn("memory directory is empty, use --seed-drivers to register drivers")
	}

	notifier, err := buildNotifier(cfg, logger, &cleanup)
	if err != nil {
		return err
	}

	svc := service.New(service.Deps{
		Repo:         repo,
		Reservations: reservations,
		Directory:    drivers,
		Notifier:     notifier,
		Fare:         domain.FlatFare(cfg.FlatFare),
		Clock:        clock,
		Logger:       logger.Named("rides"),
	}, service.Config{
		AcceptanceWindow: cfg.AcceptanceWindow,
		CandidateLimit:   cfg.CandidateLimit,
	})

	worker := sweeper.NewWorker(lister, svc, clock, logger.Named("sweeper"), sweeper.WorkerConfig{
		PollInterval: cfg.SweepInterval,
		BatchSize:    cfg.SweepBatch,
		MaxBackoff:   cfg.SweepMaxBackoff,
	})
	go func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sweeper stopped", zap.Error(err))
		}
	}()

	api := handler.NewHTTP(svc).Router()
	if redisClient != nil {
		limiter := middleware.NewRateLimiter(redisClient, middleware.RateLimitConfig{
			Read:     middleware.Bucket{Rate: cfg.RateRead, Burst: cfg.RateBurstSize},
			Write:    middleware.Bucket{Rate: cfg.RateWrite, Burst: cfg.RateBurstSize},
			Response: middleware.Bucket{Rate: cfg.RateResponse, Burst: cfg.RateBurstSize},
		}, clock, logger.Named("ratelimit"))
		api = limiter.Middleware(api)
	}

	r := chi.NewRouter()
	r.Mount("/", api)
	r.Mount("/observability", observability.MetricsRouter(func(ctx context.Context) error {
		for _, check := range checks {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride service listening",
			zap.String("addr", srv.Addr),
			zap.String("directory", cfg.Directory),
			zap.String("notifier", cfg.Notifier),
			zap.Duration("acceptance_window", cfg.AcceptanceWindow))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildDirectory(cfg config, redisClient *redis.Client) (domain.DriverDirectory, error) {
	switch cfg.Directory {
	case "redis":
		if redisClient == nil {
			return nil, errors.New("redis directory needs --redis-addr")
		}
		return directory.NewRedisDirectory(redisClient, directory.RedisConfig{RadiusKM: cfg.SearchRadiusKM}), nil
	case "http":
		return directory.NewHTTPClient(cfg.DirectoryURL, &http.Client{Timeout: 5 * time.Second}), nil
	default:
		seeds, err := parseSeedDrivers(cfg.SeedDrivers)
		if err != nil {
			return nil, err
		}
		dir := directory.NewMemoryDirectory()
		for _, d := range seeds {
			dir.UpsertDriver(d, domain.DriverAvailable)
		}
		return dir, nil
	}
}

func buildNotifier(cfg config, logger *zap.Logger, cleanup *closers) (domain.Notifier, error) {
	switch cfg.Notifier {
	case "http":
		return notify.NewHTTPNotifier(cfg.NotificationURL, &http.Client{Timeout: 5 * time.Second}), nil
	case "nats":
		conn, err := nats.Connect(cfg.NATSURL, nats.Name("rideservice"))
		if err != nil {
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		cleanup.add(func() { _ = conn.Drain() })
		return notify.NewNATSNotifier(conn, cfg.NATSPrefix), nil
	case "kafka":
		k := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic)
		cleanup.add(func() { _ = k.Close() })
		return k, nil
	case "amqp":
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			return nil, fmt.Errorf("amqp dial: %w", err)
		}
		cleanup.add(func() { _ = conn.Close() })
		ch, err := conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("amqp channel: %w", err)
		}
		cleanup.add(func() { _ = ch.Close() })
		n, err := notify.NewAMQPNotifier(ch, cfg.AMQPExchange)
		if err != nil {
			return nil, err
		}
		return n, nil
	default:
		return notify.NewLogNotifier(logger.Named("notifications")), nil
	}
}
