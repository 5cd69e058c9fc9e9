package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/application"
	couponhttp "github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/infrastructure/http"
	couponkafka "github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/infrastructure/kafka"
	"github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/infrastructure/memory"
	couponpg "github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/infrastructure/postgres"
	couponredis "github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/infrastructure/redis"
	"github.com/dmehra2102/Coupon-Reservation-System/pkg/config"
	"github.com/dmehra2102/Coupon-Reservation-System/pkg/idempotency"
	"github.com/dmehra2102/Coupon-Reservation-System/pkg/logging"
	"github.com/dmehra2102/Coupon-Reservation-System/pkg/outbox"
	"github.com/dmehra2102/Coupon-Reservation-System/pkg/shutdown"
	"github.com/dmehra2102/Coupon-Reservation-System/pkg/tracing"
)

// worker is a long running loop stopped by cancelling its context.
type worker struct {
	name string
	run  func(ctx context.Context) error
}

type backend struct {
	repo     application.Repository
	ledger   application.StockLedger
	locker   application.Locker
	notifier application.Notifier
	workers  []worker
	closers  []func()

	// rdb backs consumer dedup; nil in memory mode, which has no consumer.
	rdb *redis.Client
}

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel)

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	tp, err := tracing.Init(ctx, "coupon-service", cfg.OTLPEndpoint, log)
	if err != nil {
		log.Error("otel init failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	var b *backend
	switch strings.ToLower(cfg.StoreBackend) {
	case "memory":
		b = memoryBackend(log)
	default:
		b, err = durableBackend(ctx, log, cfg)
		if err != nil {
			log.Error("backend init failed", "backend", cfg.StoreBackend, "err", err)
			os.Exit(1)
		}
	}
	defer func() {
		for i := len(b.closers) - 1; i >= 0; i-- {
			b.closers[i]()
		}
	}()

	opts := []application.Option{
		application.WithReservationTimeout(cfg.ReservationTimeout),
		application.WithLock(cfg.LockTTL, cfg.LockWait),
		application.WithSweep(cfg.SweepInterval, cfg.SweepBatch),
		application.WithConflictRetries(cfg.ConflictRetries),
	}
	issuer := application.NewIssuer(log, b.repo, b.ledger, opts...)
	coord := application.NewCoordinator(log, b.repo, b.locker, opts...)
	sweeper := application.NewTimeoutSweeper(log, b.repo, opts...)
	payments := application.NewPaymentReconciler(log, b.repo, b.locker, b.notifier, opts...)

	handler := couponhttp.NewHandler(log, issuer, coord, sweeper, payments)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	workers := append([]worker{{name: "timeout-sweeper", run: sweeper.Run}}, b.workers...)
	if b.rdb != nil {
		workers = append(workers, paymentConsumer(log, cfg, payments, b.rdb))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return shutdown.Server(gctx, srv, 10*time.Second)
	})
	for _, w := range workers {
		w := w
		g.Go(func() error {
			log.Info("worker started", "worker", w.name)
			if err := w.run(gctx); err != nil {
				log.Error("worker stopped", "worker", w.name, "err", err)
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Error("coupon-service exited with error", "err", err)
		os.Exit(1)
	}
	log.Info("coupon-service shutdown complete")
}

func memoryBackend(log *slog.Logger) *backend {
	log.Warn("running on in-memory stores, state is lost on exit")
	return &backend{
		repo:     memory.NewRepository(),
		ledger:   memory.NewLedger(),
		locker:   memory.NewLocker(nil),
		notifier: memory.NewNotifier(log),
	}
}

func durableBackend(ctx context.Context, log *slog.Logger, cfg config.Config) (*backend, error) {
	pool, err := couponpg.Connect(ctx, cfg.PGURL, cfg.PGStatementTimeout, cfg.PGLockTimeout)
	if err != nil {
		return nil, err
	}
	if err := couponpg.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, err
	}

	writer := couponkafka.NewWriter(brokers(cfg.KafkaAddr))
	dispatch := outbox.NewDispatcher(log, writer, cfg.CouponTopic)
	relay := outbox.NewRelay(log, couponpg.NewOutboxStore(log, pool), dispatch, "coupon-service-relay-"+uuid.NewString())

	return &backend{
		repo:     couponpg.NewRepository(log, pool),
		ledger:   couponredis.NewLedger(rdb),
		locker:   couponredis.NewLocker(rdb),
		notifier: couponpg.NewOutboxNotifier(log, pool),
		workers:  []worker{{name: "outbox-relay", run: relay.Run}},
		closers: []func(){
			pool.Close,
			func() { _ = rdb.Close() },
			func() { _ = writer.Close() },
		},
		rdb: rdb,
	}, nil
}

func paymentConsumer(log *slog.Logger, cfg config.Config, payments *application.PaymentReconciler, rdb *redis.Client) worker {
	reader := couponkafka.NewReader(brokers(cfg.KafkaAddr), cfg.PaymentTopic, "coupon-service")
	consumer := couponkafka.NewConsumer(log, reader, payments, idempotency.NewStore(rdb, cfg.IdempotencyTTL))
	return worker{name: "payment-consumer", run: consumer.Run}
}

func brokers(addr string) []string {
	var out []string
	for _, a := range strings.Split(addr, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
