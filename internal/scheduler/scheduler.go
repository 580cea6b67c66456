package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/paysync/internal/clock"
	obsmetrics "github.com/smallbiznis/paysync/internal/observability/metrics"
	"github.com/smallbiznis/paysync/internal/payment/domain"
	"github.com/smallbiznis/paysync/internal/payment/reconcile"
	"github.com/smallbiznis/paysync/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	JobReconcilePending = "reconcile_pending"

	lockKey = "paysync:scheduler:reconcile_pending"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// Reconciler polls the provider for one order and applies the answer.
type Reconciler interface {
	Reconcile(ctx context.Context, order domain.Order) (reconcile.Outcome, error)
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Repo       domain.Repository
	Reconciler Reconciler
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     Config                       `optional:"true"`
	Locker     *ratelimit.Locker            `optional:"true"`
	Metrics    *obsmetrics.ReconcileMetrics `optional:"true"`
}

// Scheduler is the drift-correction poller. It asks providers about orders
// that stayed PENDING longer than a webhook should take.
type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	repo       domain.Repository
	reconciler Reconciler
	genID      *snowflake.Node
	clock      clock.Clock
	locker     *ratelimit.Locker
	metrics    *obsmetrics.ReconcileMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Repo == nil || p.Reconciler == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		repo:       p.Repo,
		reconciler: p.Reconciler,
		genID:      p.GenID,
		clock:      p.Clock,
		locker:     p.Locker,
		metrics:    p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	s.metrics.IncJobError(name, err)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs one poller pass. With a redis locker configured only one
// replica runs a pass at a time; the others skip it.
func (s *Scheduler) RunOnce(parent context.Context) error {
	if s.locker.Enabled() {
		token, ok, err := s.locker.TryLock(parent, lockKey, s.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("%s: lock: %w", JobReconcilePending, err)
		}
		if !ok {
			s.metrics.IncLockContended(JobReconcilePending)
			s.log.Debug("poller lock held elsewhere", zap.String("job", JobReconcilePending))
			return nil
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(parent), lockKey, token); err != nil {
				s.log.Warn("failed to release poller lock", zap.Error(err))
			}
		}()
	}

	return s.runJob(parent, JobReconcilePending, s.cfg.BatchSize, s.cfg.JobTimeout, s.ReconcilePendingJob)
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now()

	for {
		if lag := s.clock.Now().Sub(nextRun); lag > 0 {
			s.metrics.ObserveRunLoopLag(lag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ReconcilePendingJob polls the provider for PENDING orders older than
// StaleAfter and younger than GiveUpAfter. A failing order is logged and
// counted; it does not stop the batch.
func (s *Scheduler) ReconcilePendingJob(ctx context.Context) error {
	now := s.clock.Now()
	orders, err := s.repo.ListStalePending(ctx, s.db, now.Add(-s.cfg.StaleAfter), now.Add(-s.cfg.GiveUpAfter), s.cfg.BatchSize)
	if err != nil {
		return err
	}
	run := jobRunFromContext(ctx)

	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return err
		}

		orderCtx, cancel := context.WithTimeout(ctx, s.cfg.PerOrderTimeout)
		outcome, err := s.reconciler.Reconcile(orderCtx, order)
		cancel()

		run.AddProcessed(1)
		if err != nil {
			s.metrics.AddProcessed(JobReconcilePending, "error", 1)
			s.logOrderError(ctx, run, JobReconcilePending, order, err)
			continue
		}
		s.metrics.AddProcessed(JobReconcilePending, string(outcome.Kind), 1)
		if outcome.Kind == reconcile.OutcomeApplied {
			s.logger(ctx).Info("scheduler.order.reconciled",
				zap.String("order_id", order.ID.String()),
				zap.String("ext_order_id", order.ExternalOrderID),
				zap.String("status", string(outcome.Status)),
			)
		}
	}
	return nil
}
