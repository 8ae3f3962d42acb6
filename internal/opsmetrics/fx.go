package opsmetrics

import (
	"context"
	"time"

	"github.com/smallbiznis/storefront/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("ops.metrics",
	fx.Provide(NewPusher),
	fx.Invoke(Register),
)

// Register starts the periodic refresh-and-push loop when a pusher is configured.
func Register(lc fx.Lifecycle, cfg config.Config, pusher Pusher, db *gorm.DB, logger *zap.Logger) {
	if pusher == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("ops.metrics")

	interval := cfg.OpsMetrics.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	worker := newWorker(NewSnapshot(db), pusher, interval, logger)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("starting ops metrics worker", zap.Duration("interval", interval))
			worker.start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return worker.stop(ctx)
		},
	})
}

type worker struct {
	snapshot *Snapshot
	pusher   Pusher
	interval time.Duration
	logger   *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func newWorker(snapshot *Snapshot, pusher Pusher, interval time.Duration, logger *zap.Logger) *worker {
	return &worker{snapshot: snapshot, pusher: pusher, interval: interval, logger: logger}
}

func (w *worker) start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		w.tick(ctx)
		for {
			select {
			case <-ticker.C:
				w.tick(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (w *worker) tick(ctx context.Context) {
	pushCtx, cancel := context.WithTimeout(ctx, defaultPushTimeout)
	defer cancel()

	if err := w.snapshot.Refresh(pushCtx); err != nil {
		w.logger.Warn("ops metrics refresh failed", zap.Error(err))
	}
	if err := w.pusher.Push(pushCtx, w.snapshot.Registry()); err != nil {
		w.logger.Warn("ops metrics push failed", zap.Error(err))
	}
}

func (w *worker) stop(ctx context.Context) error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
