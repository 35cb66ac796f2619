package service

import (
	"context"
	"strings"
	"time"

	"github.com/0xHoneyJar/freeside/internal/clock"
	"github.com/0xHoneyJar/freeside/internal/config"
	creditdomain "github.com/0xHoneyJar/freeside/internal/credit/domain"
	eventlogdomain "github.com/0xHoneyJar/freeside/internal/eventlog/domain"
	referraldomain "github.com/0xHoneyJar/freeside/internal/referral/domain"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	CreditSvc creditdomain.Service
	EventLog  eventlogdomain.Service
	Cfg       config.Config
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	creditSvc  creditdomain.Service
	eventLog   eventlogdomain.Service
	holdPeriod time.Duration
}

func NewService(p Params) referraldomain.Service {
	holdPeriod := p.Cfg.EarningHoldPeriod
	if holdPeriod <= 0 {
		holdPeriod = 48 * time.Hour
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("referral.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		creditSvc:  p.CreditSvc,
		eventLog:   p.EventLog,
		holdPeriod: holdPeriod,
	}
}

func (s *Service) RecordEarning(ctx context.Context, input referraldomain.RecordEarningInput) (*referraldomain.ReferrerEarning, error) {
	if input.ReferrerAccountID == 0 || input.RefereeAccountID == 0 || input.ChargeReservationID == 0 {
		return nil, referraldomain.ErrInvalidEarning
	}
	if input.AmountMicro <= 0 || input.SourceChargeMicro <= 0 {
		return nil, referraldomain.ErrInvalidAmount
	}
	if input.ReferrerBps <= 0 || input.ReferrerBps > 10000 {
		return nil, referraldomain.ErrInvalidEarning
	}

	earningID := s.genID.Generate()
	now := s.clock.Now()
	settleAfter := now.Add(s.holdPeriod)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Exec(
			`INSERT INTO referrer_earnings (
				id, referrer_account_id, referee_account_id, registration_id,
				charge_reservation_id, amount_micro, referrer_bps,
				source_charge_micro, created_at, settle_after
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			earningID,
			input.ReferrerAccountID,
			input.RefereeAccountID,
			strings.TrimSpace(input.RegistrationID),
			input.ChargeReservationID,
			input.AmountMicro,
			input.ReferrerBps,
			input.SourceChargeMicro,
			now,
			settleAfter,
		).Error; err != nil {
			return err
		}

		return s.eventLog.Emit(ctx, tx, eventlogdomain.Event{
			Type:           eventlogdomain.EventEarningRecorded,
			AggregateType:  eventlogdomain.AggregateEarning,
			AggregateID:    earningID.String(),
			CausationID:    input.ChargeReservationID.String(),
			IdempotencyKey: "event:earning_recorded:" + earningID.String(),
			Payload: map[string]any{
				"referrer_account_id": input.ReferrerAccountID.String(),
				"referee_account_id":  input.RefereeAccountID.String(),
				"amount_micro":        input.AmountMicro,
				"referrer_bps":        input.ReferrerBps,
				"settle_after":        settleAfter.Format(time.RFC3339),
			},
			OccurredAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	var earning referraldomain.ReferrerEarning
	if err := s.db.WithContext(ctx).First(&earning, "id = ?", earningID).Error; err != nil {
		return nil, err
	}
	return &earning, nil
}

func (s *Service) SettleEarnings(ctx context.Context) (referraldomain.SettleResult, error) {
	now := s.clock.Now()

	var due []referraldomain.ReferrerEarning
	if err := s.db.WithContext(ctx).
		Where("settle_after <= ? AND settled_at IS NULL AND clawback_reason IS NULL", now).
		Order("id ASC").
		Find(&due).Error; err != nil {
		return referraldomain.SettleResult{}, err
	}

	result := referraldomain.SettleResult{Checked: len(due)}
	for _, earning := range due {
		settled, err := s.settleOne(ctx, earning, now)
		if err != nil {
			s.log.Warn("failed to settle earning",
				zap.String("earning_id", earning.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if settled {
			result.Settled++
		}
	}
	return result, nil
}

func (s *Service) settleOne(ctx context.Context, earning referraldomain.ReferrerEarning, now time.Time) (bool, error) {
	// The mint is idempotent by the earning-derived key, so a crash
	// between the mint and the settled_at update cannot double-credit on
	// the next sweep.
	if _, err := s.creditSvc.MintLot(
		ctx,
		earning.ReferrerAccountID,
		earning.AmountMicro,
		creditdomain.SourceTypeSettlement,
		creditdomain.MintOptions{
			IdempotencyKey: "earning_settle:" + earning.ID.String(),
			Meta: map[string]any{
				"earning_id":         earning.ID.String(),
				"referee_account_id": earning.RefereeAccountID.String(),
			},
		},
	); err != nil {
		return false, err
	}

	settled := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.WithContext(ctx).Exec(
			`UPDATE referrer_earnings
			 SET settled_at = ?
			 WHERE id = ? AND settled_at IS NULL AND clawback_reason IS NULL`,
			now,
			earning.ID,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		settled = true

		return s.eventLog.Emit(ctx, tx, eventlogdomain.Event{
			Type:           eventlogdomain.EventEarningSettled,
			AggregateType:  eventlogdomain.AggregateEarning,
			AggregateID:    earning.ID.String(),
			CausationID:    earning.ID.String(),
			IdempotencyKey: "event:earning_settled:" + earning.ID.String(),
			Payload: map[string]any{
				"referrer_account_id": earning.ReferrerAccountID.String(),
				"amount_micro":        earning.AmountMicro,
			},
			OccurredAt: now,
		})
	})
	return settled, err
}

func (s *Service) ClawbackEarning(ctx context.Context, earningID snowflake.ID, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unspecified"
	}
	now := s.clock.Now()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.WithContext(ctx).Exec(
			`UPDATE referrer_earnings
			 SET clawback_reason = ?
			 WHERE id = ? AND settled_at IS NULL AND clawback_reason IS NULL`,
			reason,
			earningID,
		)
		if result.Error != nil {
			return result.Error
		}
		// Already settled or already clawed back: silent no-op.
		if result.RowsAffected == 0 {
			return nil
		}

		return s.eventLog.Emit(ctx, tx, eventlogdomain.Event{
			Type:           eventlogdomain.EventEarningClawedBack,
			AggregateType:  eventlogdomain.AggregateEarning,
			AggregateID:    earningID.String(),
			CausationID:    earningID.String(),
			IdempotencyKey: "event:earning_clawed_back:" + earningID.String(),
			Payload: map[string]any{
				"reason": reason,
			},
			OccurredAt: now,
		})
	})
}

func (s *Service) GetSettledBalance(ctx context.Context, accountID snowflake.ID) (int64, error) {
	if accountID == 0 {
		return 0, referraldomain.ErrInvalidEarning
	}

	var settled int64
	if err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount_micro), 0)
		 FROM referrer_earnings
		 WHERE referrer_account_id = ? AND settled_at IS NOT NULL`,
		accountID,
	).Scan(&settled).Error; err != nil {
		return 0, err
	}
	return settled, nil
}

func (s *Service) GetWithdrawableBalance(ctx context.Context, accountID snowflake.ID) (int64, error) {
	settled, err := s.GetSettledBalance(ctx, accountID)
	if err != nil {
		return 0, err
	}
	escrowed, err := s.creditSvc.EscrowedMicro(ctx, accountID)
	if err != nil {
		return 0, err
	}
	paidOut, err := s.creditSvc.PaidOutMicro(ctx, accountID)
	if err != nil {
		return 0, err
	}
	// A completed payout nets the escrow hold to zero, so the paid-out
	// total must be subtracted on its own or the funds would re-enter
	// withdrawable.
	withdrawable := settled - escrowed - paidOut
	if withdrawable < 0 {
		withdrawable = 0
	}
	return withdrawable, nil
}
