package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-watch/internal/auth"
	"github.com/example/ride-watch/internal/broadcast"
	"github.com/example/ride-watch/internal/config"
	"github.com/example/ride-watch/internal/dispatch"
	"github.com/example/ride-watch/internal/geo"
	httpapi "github.com/example/ride-watch/internal/http"
	"github.com/example/ride-watch/internal/ingest"
	"github.com/example/ride-watch/internal/logging"
	"github.com/example/ride-watch/internal/notify"
	"github.com/example/ride-watch/internal/registry"
	"github.com/example/ride-watch/internal/storage"
	"github.com/example/ride-watch/internal/throttle"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFile)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not reachable at startup", "addr", cfg.RedisAddr, "error", err)
		}
	}

	store, closeStore, err := openStore(ctx, cfg, rc, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var stream ingest.EventPublisher
	var index geo.LiveIndex = geo.NewIndex()
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		stream = kp
		logger.Info("publishing ride events", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	if rc != nil {
		redisIndex := geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		index = redisIndex
		if stream != nil {
			// the consumer mirrors the stream into the same keys
			index = geo.Mirrored{LiveIndex: redisIndex}
		}
	}

	notifier, closeNotifier, err := openNotifier(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	var disp *dispatch.Dispatcher
	reg := registry.New(registry.Options{
		TrackCap:  cfg.TrackCap,
		Retention: cfg.RideRetention,
		OnEvict:   func(id string) { disp.Evicted(id) },
	})
	hub := broadcast.NewHub(cfg.SubscriberBuffer, logger)
	disp = dispatch.New(dispatch.Deps{
		Registry: reg,
		Throttle: throttle.New(cfg.AlertCooldown),
		Hub:      hub,
		Store:    store,
		Notifier: notifier,
		Stream:   stream,
		Index:    index,
		Logger:   logger,
	}, dispatch.Options{
		Workers:       cfg.SideEffectWorkers,
		QueueSize:     cfg.SideEffectQueue,
		StoreTimeout:  cfg.StoreTimeout,
		NotifyTimeout: cfg.NotifyTimeout,
	})
	defer disp.Close()

	api := httpapi.NewServer(httpapi.Deps{
		Dispatcher: disp,
		Gateway:    ingest.NewGateway(ingest.Options{MaxClockSkew: cfg.MaxClockSkew, MaxSampleAge: cfg.MaxSampleAge}),
		Hub:        hub,
		Verifier:   auth.NewVerifier(cfg.JWTSecret),
		Ready: func(r *http.Request) error {
			if rc == nil {
				return nil
			}
			return rc.Ping(r.Context()).Err()
		},
		Logger: logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("ride-watch listening", "addr", cfg.HTTPAddr, "store", cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.ServerConfig, rc *redis.Client, logger *slog.Logger) (storage.RideStore, func(), error) {
	switch cfg.StoreBackend {
	case "redis":
		return storage.NewRedisStore(rc, cfg.TrackCap), func() {}, nil
	case "postgres":
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN, cfg.TrackCap)
		if err != nil {
			return nil, nil, err
		}
		if cfg.RunMigrations {
			b, err := os.ReadFile(filepath.Join("migrations", "001_create_rides.sql"))
			if err != nil {
				ps.Close()
				return nil, nil, err
			}
			if err := ps.Migrate(ctx, string(b)); err != nil {
				ps.Close()
				return nil, nil, err
			}
			logger.Info("migration applied", "file", "001_create_rides.sql")
		}
		return ps, func() { _ = ps.Close() }, nil
	default:
		return storage.NewMemoryStore(), func() {}, nil
	}
}

// openNotifier always logs alerts and adds the configured delivery
// transports on top.
func openNotifier(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (notify.Notifier, func(), error) {
	multi := notify.Multi{notify.LogNotifier{Logger: logger}}
	closeFn := func() {}
	if cfg.PushKey != "" || cfg.PushEndpoint != "" {
		multi = append(multi, notify.NewPushNotifier(cfg.PushEndpoint, cfg.PushKey))
	}
	if cfg.AMQPURL != "" {
		conn, ch, err := notify.DialAMQP(ctx, cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			return nil, nil, err
		}
		multi = append(multi, notify.NewAMQPNotifier(ch, cfg.AMQPExchange))
		closeFn = func() {
			_ = ch.Close()
			_ = conn.Close()
		}
	}
	return multi, closeFn, nil
}
