package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/0xHoneyJar/freeside/internal/clock"
	"github.com/0xHoneyJar/freeside/internal/metrics"
	payoutdomain "github.com/0xHoneyJar/freeside/internal/payout/domain"
	referraldomain "github.com/0xHoneyJar/freeside/internal/referral/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

type Params struct {
	fx.In

	Log         *zap.Logger
	Clock       clock.Clock
	ReferralSvc referraldomain.Service
	PayoutSvc   payoutdomain.Service
	Metrics     *metrics.Metrics `optional:"true"`
	Config      Config           `optional:"true"`
}

type Scheduler struct {
	log         *zap.Logger
	cfg         Config
	clock       clock.Clock
	referralSvc referraldomain.Service
	payoutSvc   payoutdomain.Service
	metrics     *metrics.Metrics

	lastReconcile time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.ReferralSvc == nil || p.PayoutSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:         p.Log.Named("scheduler"),
		cfg:         p.Config.withDefaults(),
		clock:       p.Clock,
		referralSvc: p.ReferralSvc,
		payoutSvc:   p.PayoutSvc,
		metrics:     p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	s.metrics.RecordSchedulerRun(name)
	start := s.clock.Now()
	err := fn(ctx)
	elapsed := s.clock.Now().Sub(start)

	if err == nil {
		s.log.Debug("job finished", zap.String("job", name), zap.Duration("elapsed", elapsed))
		return nil
	}

	s.metrics.RecordSchedulerError(name)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// Soft timeout: the job is idempotent and the next tick resumes it.
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes one scheduler pass. Settlement runs every pass;
// reconciliation only once per ReconcileInterval since stalled payouts
// need a day to qualify anyway.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	err = errors.Join(err, s.runJob(parent, "settle_earnings", func(ctx context.Context) error {
		result, jobErr := s.referralSvc.SettleEarnings(ctx)
		if jobErr != nil {
			return jobErr
		}
		if result.Settled > 0 {
			s.log.Info("earnings settled",
				zap.Int("checked", result.Checked),
				zap.Int("settled", result.Settled),
			)
		}
		return nil
	}))

	now := s.clock.Now()
	if now.Sub(s.lastReconcile) >= s.cfg.ReconcileInterval {
		s.lastReconcile = now
		err = errors.Join(err, s.runJob(parent, "reconcile_payouts", func(ctx context.Context) error {
			result, jobErr := s.payoutSvc.Reconcile(ctx)
			if jobErr != nil {
				return jobErr
			}
			if result.Checked > 0 {
				s.log.Info("stalled payouts reconciled",
					zap.Int("checked", result.Checked),
					zap.Int("quarantined", result.Quarantined),
					zap.Int("failed", result.Failed),
				)
			}
			return nil
		}))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
