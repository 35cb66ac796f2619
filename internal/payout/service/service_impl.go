package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/0xHoneyJar/freeside/internal/clock"
	"github.com/0xHoneyJar/freeside/internal/config"
	creditdomain "github.com/0xHoneyJar/freeside/internal/credit/domain"
	eventlogdomain "github.com/0xHoneyJar/freeside/internal/eventlog/domain"
	"github.com/0xHoneyJar/freeside/internal/metrics"
	payoutdomain "github.com/0xHoneyJar/freeside/internal/payout/domain"
	referraldomain "github.com/0xHoneyJar/freeside/internal/referral/domain"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Config   config.Config
	Clock    clock.Clock
	Credit   creditdomain.Service
	Referral referraldomain.Service
	EventLog eventlogdomain.Service
	Metrics  *metrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	staleAfter time.Duration
	credit     creditdomain.Service
	referral   referraldomain.Service
	eventLog   eventlogdomain.Service
	metrics    *metrics.Metrics
}

func NewService(p Params) payoutdomain.Service {
	staleAfter := p.Config.PayoutStaleAfter
	if staleAfter <= 0 {
		staleAfter = 24 * time.Hour
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payout.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		staleAfter: staleAfter,
		credit:     p.Credit,
		referral:   p.Referral,
		eventLog:   p.EventLog,
		metrics:    p.Metrics,
	}
}

func (s *Service) CreateRequest(ctx context.Context, input payoutdomain.CreateRequestInput) (*payoutdomain.PayoutRequest, error) {
	if input.AmountMicro <= 0 || input.FeeMicro < 0 || input.FeeMicro >= input.AmountMicro {
		return nil, payoutdomain.ErrInvalidAmount
	}
	if strings.TrimSpace(input.DestinationAddress) == "" || strings.TrimSpace(input.DestinationCurrency) == "" {
		return nil, payoutdomain.ErrInvalidDestination
	}

	withdrawable, err := s.referral.GetWithdrawableBalance(ctx, input.AccountID)
	if err != nil {
		return nil, err
	}
	if withdrawable < input.AmountMicro {
		return nil, payoutdomain.ErrInsufficientBalance
	}

	now := s.clock.Now().UTC()
	request := &payoutdomain.PayoutRequest{
		ID:                  s.genID.Generate(),
		AccountID:           input.AccountID,
		AmountMicro:         input.AmountMicro,
		FeeMicro:            input.FeeMicro,
		NetAmountMicro:      input.AmountMicro - input.FeeMicro,
		DestinationAddress:  strings.TrimSpace(input.DestinationAddress),
		DestinationCurrency: strings.TrimSpace(input.DestinationCurrency),
		Status:              payoutdomain.PayoutStatusPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(request).Error; err != nil {
			return err
		}
		return s.eventLog.Emit(ctx, tx, eventlogdomain.Event{
			Type:           eventlogdomain.EventPayoutRequested,
			AggregateType:  eventlogdomain.AggregatePayout,
			AggregateID:    request.ID.String(),
			IdempotencyKey: fmt.Sprintf("payout_requested:%s", request.ID),
			Payload: map[string]any{
				"account_id":   request.AccountID.String(),
				"amount_micro": request.AmountMicro,
				"fee_micro":    request.FeeMicro,
				"net_micro":    request.NetAmountMicro,
			},
			OccurredAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("payout requested",
		zap.String("payout_id", request.ID.String()),
		zap.String("account_id", request.AccountID.String()),
		zap.Int64("amount_micro", request.AmountMicro),
	)
	return request, nil
}

func (s *Service) Approve(ctx context.Context, payoutID snowflake.ID) (payoutdomain.TransitionResult, error) {
	return s.transition(ctx, payoutID, []payoutdomain.PayoutStatus{payoutdomain.PayoutStatusPending}, payoutdomain.PayoutStatusApproved,
		func(tx *gorm.DB, request *payoutdomain.PayoutRequest, now time.Time) error {
			// The balance check at creation covers one request at a time;
			// several pending requests can each pass it individually. The
			// escrow is only placed if the balance still covers it now.
			withdrawable, err := s.referral.GetWithdrawableBalance(ctx, request.AccountID)
			if err != nil {
				return err
			}
			if withdrawable < request.AmountMicro {
				return payoutdomain.ErrInsufficientBalance
			}
			if _, err := s.credit.AppendEntry(ctx, tx, creditdomain.EntryInput{
				AccountID:      request.AccountID,
				EntryType:      creditdomain.EntryTypeEscrow,
				AmountMicro:    request.AmountMicro,
				IdempotencyKey: fmt.Sprintf("escrow:%s", request.ID),
				ReferenceType:  "payout_request",
				ReferenceID:    request.ID.String(),
			}); err != nil {
				return err
			}
			return s.emitTransition(ctx, tx, request, eventlogdomain.EventPayoutApproved, now, nil)
		})
}

func (s *Service) MarkProcessing(ctx context.Context, payoutID snowflake.ID, providerPayoutID string) (payoutdomain.TransitionResult, error) {
	providerPayoutID = strings.TrimSpace(providerPayoutID)
	return s.transition(ctx, payoutID, []payoutdomain.PayoutStatus{payoutdomain.PayoutStatusApproved}, payoutdomain.PayoutStatusProcessing,
		func(tx *gorm.DB, request *payoutdomain.PayoutRequest, now time.Time) error {
			if err := tx.Exec(
				`UPDATE payout_requests SET provider_payout_id = ?, processing_at = ? WHERE id = ?`,
				nullableString(providerPayoutID), now, request.ID,
			).Error; err != nil {
				return err
			}
			var payload map[string]any
			if providerPayoutID != "" {
				payload = map[string]any{"provider_payout_id": providerPayoutID}
			}
			return s.emitTransition(ctx, tx, request, eventlogdomain.EventPayoutProcessing, now, payload)
		})
}

func (s *Service) Complete(ctx context.Context, payoutID snowflake.ID) (payoutdomain.TransitionResult, error) {
	return s.transition(ctx, payoutID, []payoutdomain.PayoutStatus{payoutdomain.PayoutStatusProcessing}, payoutdomain.PayoutStatusCompleted,
		func(tx *gorm.DB, request *payoutdomain.PayoutRequest, now time.Time) error {
			if _, err := s.credit.AppendEntry(ctx, tx, creditdomain.EntryInput{
				AccountID:      request.AccountID,
				EntryType:      creditdomain.EntryTypeEscrowRelease,
				AmountMicro:    -request.AmountMicro,
				IdempotencyKey: fmt.Sprintf("escrow_release:%s", request.ID),
				ReferenceType:  "payout_request",
				ReferenceID:    request.ID.String(),
			}); err != nil {
				return err
			}
			if err := s.bumpTreasury(ctx, tx, request, now); err != nil {
				return err
			}
			return s.emitTransition(ctx, tx, request, eventlogdomain.EventPayoutCompleted, now, map[string]any{
				"net_micro": request.NetAmountMicro,
			})
		})
}

func (s *Service) Fail(ctx context.Context, payoutID snowflake.ID, reason string) (payoutdomain.TransitionResult, error) {
	return s.transition(ctx, payoutID, []payoutdomain.PayoutStatus{payoutdomain.PayoutStatusProcessing}, payoutdomain.PayoutStatusFailed,
		func(tx *gorm.DB, request *payoutdomain.PayoutRequest, now time.Time) error {
			if err := tx.Exec(
				`UPDATE payout_requests SET error_message = ? WHERE id = ?`,
				reason, request.ID,
			).Error; err != nil {
				return err
			}
			if _, err := s.credit.AppendEntry(ctx, tx, creditdomain.EntryInput{
				AccountID:      request.AccountID,
				EntryType:      creditdomain.EntryTypeEscrowReturn,
				AmountMicro:    -request.AmountMicro,
				IdempotencyKey: fmt.Sprintf("escrow_return:%s", request.ID),
				ReferenceType:  "payout_request",
				ReferenceID:    request.ID.String(),
			}); err != nil {
				return err
			}
			if err := s.bumpTreasury(ctx, tx, request, now); err != nil {
				return err
			}
			return s.emitTransition(ctx, tx, request, eventlogdomain.EventPayoutFailed, now, map[string]any{
				"reason": reason,
			})
		})
}

func (s *Service) Cancel(ctx context.Context, payoutID snowflake.ID) (payoutdomain.TransitionResult, error) {
	return s.transition(ctx, payoutID,
		[]payoutdomain.PayoutStatus{payoutdomain.PayoutStatusPending, payoutdomain.PayoutStatusApproved},
		payoutdomain.PayoutStatusCancelled,
		func(tx *gorm.DB, request *payoutdomain.PayoutRequest, now time.Time) error {
			// Escrow exists only once the request was approved.
			if request.Status == payoutdomain.PayoutStatusApproved {
				if _, err := s.credit.AppendEntry(ctx, tx, creditdomain.EntryInput{
					AccountID:      request.AccountID,
					EntryType:      creditdomain.EntryTypeEscrowCancel,
					AmountMicro:    -request.AmountMicro,
					IdempotencyKey: fmt.Sprintf("escrow_cancel:%s", request.ID),
					ReferenceType:  "payout_request",
					ReferenceID:    request.ID.String(),
				}); err != nil {
					return err
				}
				if err := s.bumpTreasury(ctx, tx, request, now); err != nil {
					return err
				}
			}
			return s.emitTransition(ctx, tx, request, eventlogdomain.EventPayoutCancelled, now, nil)
		})
}

func (s *Service) Quarantine(ctx context.Context, payoutID snowflake.ID, providerStatus string) (payoutdomain.TransitionResult, error) {
	return s.transition(ctx, payoutID, []payoutdomain.PayoutStatus{payoutdomain.PayoutStatusProcessing}, payoutdomain.PayoutStatusQuarantined,
		func(tx *gorm.DB, request *payoutdomain.PayoutRequest, now time.Time) error {
			// Escrow stays held until an operator resolves the payout.
			if err := tx.Exec(
				`UPDATE payout_requests SET provider_status = ? WHERE id = ?`,
				providerStatus, request.ID,
			).Error; err != nil {
				return err
			}
			return s.emitTransition(ctx, tx, request, eventlogdomain.EventPayoutQuarantined, now, map[string]any{
				"provider_status": providerStatus,
			})
		})
}

func (s *Service) ApplyProviderStatus(ctx context.Context, providerPayoutID string, status payoutdomain.ProviderStatus) (payoutdomain.TransitionResult, error) {
	providerPayoutID = strings.TrimSpace(providerPayoutID)
	if providerPayoutID == "" {
		return payoutdomain.TransitionResult{}, payoutdomain.ErrNotFound
	}

	var request payoutdomain.PayoutRequest
	if err := s.db.WithContext(ctx).
		Where("provider_payout_id = ?", providerPayoutID).
		First(&request).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return payoutdomain.TransitionResult{}, payoutdomain.ErrNotFound
		}
		return payoutdomain.TransitionResult{}, err
	}

	switch {
	case status.Finished():
		return s.Complete(ctx, request.ID)
	case status.Failed():
		return s.Fail(ctx, request.ID, "provider reported failure")
	default:
		raw, _ := status.Other()
		return s.Quarantine(ctx, request.ID, raw)
	}
}

func (s *Service) Reconcile(ctx context.Context) (payoutdomain.ReconcileResult, error) {
	cutoff := s.clock.Now().UTC().Add(-s.staleAfter)

	var stale []payoutdomain.PayoutRequest
	if err := s.db.WithContext(ctx).
		Where("status = ? AND processing_at IS NOT NULL AND processing_at <= ?", payoutdomain.PayoutStatusProcessing, cutoff).
		Order("processing_at ASC").
		Find(&stale).Error; err != nil {
		return payoutdomain.ReconcileResult{}, err
	}

	result := payoutdomain.ReconcileResult{Checked: len(stale)}
	for i := range stale {
		request := &stale[i]
		var (
			outcome payoutdomain.TransitionResult
			err     error
		)
		if request.ProviderPayoutID == nil || *request.ProviderPayoutID == "" {
			outcome, err = s.Fail(ctx, request.ID, "stalled in processing with no provider payout id")
		} else {
			outcome, err = s.Quarantine(ctx, request.ID, "stalled: no webhook observed")
		}
		if err != nil {
			s.log.Error("payout reconciliation failed",
				zap.String("payout_id", request.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if !outcome.Success {
			continue
		}
		switch outcome.To {
		case payoutdomain.PayoutStatusFailed:
			result.Failed++
		case payoutdomain.PayoutStatusQuarantined:
			result.Quarantined++
		}
	}

	if result.Checked > 0 {
		s.log.Info("payout reconciliation swept",
			zap.Int("checked", result.Checked),
			zap.Int("quarantined", result.Quarantined),
			zap.Int("failed", result.Failed),
		)
	}
	return result, nil
}

func (s *Service) GetRequest(ctx context.Context, payoutID snowflake.ID) (*payoutdomain.PayoutRequest, error) {
	var request payoutdomain.PayoutRequest
	if err := s.db.WithContext(ctx).Where("id = ?", payoutID).First(&request).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, payoutdomain.ErrNotFound
		}
		return nil, err
	}
	return &request, nil
}

func (s *Service) TreasuryVersion(ctx context.Context) (int64, error) {
	if err := s.ensureTreasury(ctx, s.db.WithContext(ctx)); err != nil {
		return 0, err
	}
	var state payoutdomain.TreasuryState
	if err := s.db.WithContext(ctx).Where("id = ?", treasuryRowID).First(&state).Error; err != nil {
		return 0, err
	}
	return state.Version, nil
}

// transition runs one guarded status change. The apply callback sees the
// row as it was before the change, inside the same transaction; any error
// it returns rolls the whole transition back, events included.
func (s *Service) transition(
	ctx context.Context,
	payoutID snowflake.ID,
	from []payoutdomain.PayoutStatus,
	to payoutdomain.PayoutStatus,
	apply func(tx *gorm.DB, request *payoutdomain.PayoutRequest, now time.Time) error,
) (payoutdomain.TransitionResult, error) {
	var result payoutdomain.TransitionResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var request payoutdomain.PayoutRequest
		if err := tx.Where("id = ?", payoutID).First(&request).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return payoutdomain.ErrNotFound
			}
			return err
		}

		if !statusIn(request.Status, from) {
			result = payoutdomain.TransitionResult{
				Success: false,
				From:    request.Status,
				To:      to,
				Reason:  fmt.Sprintf("cannot move %s payout to %s", request.Status, to),
			}
			return nil
		}

		now := s.clock.Now().UTC()
		update := tx.Exec(
			`UPDATE payout_requests SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			to, now, payoutID, request.Status,
		)
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			// A concurrent transition won the row between read and update.
			var current payoutdomain.PayoutRequest
			if err := tx.Where("id = ?", payoutID).First(&current).Error; err != nil {
				return err
			}
			result = payoutdomain.TransitionResult{
				Success: false,
				From:    current.Status,
				To:      to,
				Reason:  fmt.Sprintf("cannot move %s payout to %s", current.Status, to),
			}
			return nil
		}

		if err := apply(tx, &request, now); err != nil {
			return err
		}
		result = payoutdomain.TransitionResult{Success: true, From: request.Status, To: to}
		return nil
	})
	if err != nil {
		return payoutdomain.TransitionResult{}, err
	}

	if result.Success {
		s.metrics.RecordPayoutTransition(string(result.From), string(result.To))
		s.log.Info("payout transition",
			zap.String("payout_id", payoutID.String()),
			zap.String("from", string(result.From)),
			zap.String("to", string(result.To)),
		)
	}
	return result, nil
}

func (s *Service) emitTransition(ctx context.Context, tx *gorm.DB, request *payoutdomain.PayoutRequest, eventType eventlogdomain.EventType, now time.Time, extra map[string]any) error {
	payload := map[string]any{
		"account_id":   request.AccountID.String(),
		"amount_micro": request.AmountMicro,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return s.eventLog.Emit(ctx, tx, eventlogdomain.Event{
		Type:           eventType,
		AggregateType:  eventlogdomain.AggregatePayout,
		AggregateID:    request.ID.String(),
		IdempotencyKey: fmt.Sprintf("%s:%s", eventType, request.ID),
		Payload:        payload,
		OccurredAt:     now,
	})
}

const treasuryRowID = 1

// bumpTreasury increments the treasury version under an optimistic guard.
// A lost race fails the enclosing transition so the caller retries against
// the fresh version.
func (s *Service) bumpTreasury(ctx context.Context, tx *gorm.DB, request *payoutdomain.PayoutRequest, now time.Time) error {
	if err := s.ensureTreasury(ctx, tx); err != nil {
		return err
	}

	var state payoutdomain.TreasuryState
	if err := tx.Where("id = ?", treasuryRowID).First(&state).Error; err != nil {
		return err
	}

	bumped := tx.Exec(
		`UPDATE treasury_state SET version = ?, updated_at = ? WHERE id = ? AND version = ?`,
		state.Version+1, now, treasuryRowID, state.Version,
	)
	if bumped.Error != nil {
		return bumped.Error
	}
	if bumped.RowsAffected == 0 {
		return payoutdomain.ErrTreasuryConflict
	}

	return s.eventLog.Emit(ctx, tx, eventlogdomain.Event{
		Type:           eventlogdomain.EventTreasuryVersionBumped,
		AggregateType:  eventlogdomain.AggregateTreasury,
		AggregateID:    fmt.Sprintf("%d", treasuryRowID),
		CausationID:    request.ID.String(),
		IdempotencyKey: fmt.Sprintf("treasury_bump:%d", state.Version+1),
		Payload: map[string]any{
			"version":   state.Version + 1,
			"payout_id": request.ID.String(),
		},
		OccurredAt: now,
	})
}

func (s *Service) ensureTreasury(ctx context.Context, tx *gorm.DB) error {
	return tx.Exec(
		`INSERT INTO treasury_state (id, version, updated_at) VALUES (?, 0, ?)
		 ON CONFLICT (id) DO NOTHING`,
		treasuryRowID, s.clock.Now().UTC(),
	).Error
}

func statusIn(status payoutdomain.PayoutStatus, allowed []payoutdomain.PayoutStatus) bool {
	for _, candidate := range allowed {
		if status == candidate {
			return true
		}
	}
	return false
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
