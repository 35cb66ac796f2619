package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/0xHoneyJar/freeside/internal/clock"
	"github.com/0xHoneyJar/freeside/internal/config"
	"github.com/0xHoneyJar/freeside/internal/kv"
	"github.com/0xHoneyJar/freeside/internal/locker"
	"github.com/0xHoneyJar/freeside/internal/metrics"
	payoutdomain "github.com/0xHoneyJar/freeside/internal/payout/domain"
	webhookdomain "github.com/0xHoneyJar/freeside/internal/webhook/domain"
	"github.com/0xHoneyJar/freeside/internal/webhook/signature"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// FreshnessWindow bounds how old a callback's declared timestamp may be.
// Anything older is treated as a replay and rejected before the duplicate
// checks run.
const FreshnessWindow = 5 * time.Minute

// processedTTL keeps the volatile marker alive well past the freshness
// window; after that the durable row is the guard.
const processedTTL = 30 * time.Minute

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Config  config.Config
	Clock   clock.Clock
	KV      kv.Store
	Locker  *locker.Locker
	Payout  payoutdomain.Service
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	secret  string
	clock   clock.Clock
	kv      kv.Store
	locker  *locker.Locker
	payout  payoutdomain.Service
	metrics *metrics.Metrics
}

func NewService(p Params) webhookdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("webhook.service"),
		secret:  p.Config.PayoutWebhookSecret,
		clock:   p.Clock,
		kv:      p.KV,
		locker:  p.Locker,
		payout:  p.Payout,
		metrics: p.Metrics,
	}
}

// envelope is the canonical callback shape. Providers disagree on the
// payout reference field name, so both are accepted.
type envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	PayoutID  string          `json:"payout_id"`
	PaymentID string          `json:"payment_id"`
	Status    string          `json:"status"`
	Timestamp json.RawMessage `json:"timestamp"`
}

func (e envelope) payoutReference() string {
	if e.PayoutID != "" {
		return e.PayoutID
	}
	return e.PaymentID
}

func (s *Service) Process(ctx context.Context, provider string, rawBody []byte, sig string) webhookdomain.ProcessResult {
	if !signature.Verify(rawBody, sig, s.secret) {
		return s.finish(provider, webhookdomain.ProcessResult{
			Status: webhookdomain.StatusRejected,
			Reason: "signature verification failed",
		})
	}

	var event envelope
	if err := json.Unmarshal(rawBody, &event); err != nil || event.ID == "" || event.Type == "" {
		return s.finish(provider, webhookdomain.ProcessResult{
			Status: webhookdomain.StatusFailed,
			Reason: "payload missing id or type",
		})
	}

	lockKey := fmt.Sprintf("webhook:lock:%s:%s", provider, event.ID)
	ttl := locker.DefaultTTL
	if isPayoutType(event.Type) {
		ttl = locker.ExtendedTTL
	}
	token, acquired, err := s.locker.TryLock(ctx, lockKey, ttl)
	if err != nil {
		s.log.Error("webhook lock acquisition errored", zap.String("event_id", event.ID), zap.Error(err))
		return s.finish(provider, webhookdomain.ProcessResult{
			Status:  webhookdomain.StatusFailed,
			Reason:  "lock store unavailable",
			EventID: event.ID,
		})
	}
	if !acquired {
		return s.finish(provider, webhookdomain.ProcessResult{
			Status:  webhookdomain.StatusDuplicate,
			Reason:  "another instance is processing this event",
			EventID: event.ID,
		})
	}
	// Released no matter how the handler exits so a panic or error cannot
	// wedge the event id until TTL expiry.
	defer func() {
		if err := s.locker.Release(ctx, lockKey, token); err != nil {
			s.log.Warn("webhook lock release failed", zap.String("event_id", event.ID), zap.Error(err))
		}
	}()

	now := s.clock.Now().UTC()
	declaredAt, ok := parseTimestamp(event.Timestamp)
	if !ok || now.Sub(declaredAt) > FreshnessWindow {
		return s.finish(provider, webhookdomain.ProcessResult{
			Status:  webhookdomain.StatusStale,
			Reason:  "timestamp outside freshness window",
			EventID: event.ID,
		})
	}

	processedKey := fmt.Sprintf("webhook:processed:%s:%s", provider, event.ID)
	if _, err := s.kv.Get(ctx, processedKey); err == nil {
		return s.finish(provider, webhookdomain.ProcessResult{
			Status:  webhookdomain.StatusDuplicate,
			Reason:  "already processed (volatile)",
			EventID: event.ID,
		})
	} else if !errors.Is(err, kv.ErrNotFound) {
		s.log.Error("webhook volatile check errored", zap.String("event_id", event.ID), zap.Error(err))
	}

	var seen int64
	if err := s.db.WithContext(ctx).
		Model(&webhookdomain.WebhookEvent{}).
		Where("provider = ? AND event_id = ?", provider, event.ID).
		Count(&seen).Error; err != nil {
		return s.finish(provider, webhookdomain.ProcessResult{
			Status:  webhookdomain.StatusFailed,
			Reason:  "durable replay check errored",
			EventID: event.ID,
		})
	}
	if seen > 0 {
		return s.finish(provider, webhookdomain.ProcessResult{
			Status:  webhookdomain.StatusDuplicate,
			Reason:  "already processed (durable)",
			EventID: event.ID,
		})
	}

	result := s.execute(ctx, event)
	result.EventID = event.ID

	if result.Status == webhookdomain.StatusProcessed || result.Status == webhookdomain.StatusSkipped {
		s.record(ctx, provider, event, rawBody, processedKey, now)
	}
	return s.finish(provider, result)
}

func (s *Service) execute(ctx context.Context, event envelope) webhookdomain.ProcessResult {
	if !isPayoutType(event.Type) {
		return webhookdomain.ProcessResult{
			Status: webhookdomain.StatusSkipped,
			Reason: fmt.Sprintf("no handler for event type %q", event.Type),
		}
	}

	reference := event.payoutReference()
	if reference == "" {
		return webhookdomain.ProcessResult{
			Status: webhookdomain.StatusFailed,
			Reason: "payout event carries no payout reference",
		}
	}

	outcome, err := s.payout.ApplyProviderStatus(ctx, reference, payoutdomain.ParseProviderStatus(event.Status))
	if err != nil {
		if errors.Is(err, payoutdomain.ErrNotFound) {
			return webhookdomain.ProcessResult{
				Status: webhookdomain.StatusFailed,
				Reason: "no payout for provider reference",
			}
		}
		s.log.Error("payout webhook handler errored",
			zap.String("event_id", event.ID),
			zap.String("provider_payout_id", reference),
			zap.Error(err),
		)
		return webhookdomain.ProcessResult{
			Status: webhookdomain.StatusFailed,
			Reason: "handler error",
		}
	}
	if !outcome.Success {
		// The state machine already applied this transition; acknowledging
		// as processed keeps provider retries quiet.
		return webhookdomain.ProcessResult{
			Status: webhookdomain.StatusProcessed,
			Reason: outcome.Reason,
		}
	}
	return webhookdomain.ProcessResult{Status: webhookdomain.StatusProcessed}
}

func (s *Service) record(ctx context.Context, provider string, event envelope, rawBody []byte, processedKey string, now time.Time) {
	if err := s.db.WithContext(ctx).Exec(
		`INSERT INTO webhook_events (provider, event_id, event_type, payload, received_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (provider, event_id) DO NOTHING`,
		provider, event.ID, event.Type, string(rawBody), now,
	).Error; err != nil {
		s.log.Error("webhook durable record failed", zap.String("event_id", event.ID), zap.Error(err))
	}
	if err := s.kv.Set(ctx, processedKey, "1", processedTTL); err != nil {
		s.log.Warn("webhook volatile record failed", zap.String("event_id", event.ID), zap.Error(err))
	}
}

func (s *Service) finish(provider string, result webhookdomain.ProcessResult) webhookdomain.ProcessResult {
	s.metrics.RecordWebhookOutcome(provider, string(result.Status))
	if result.Status == webhookdomain.StatusProcessed {
		s.log.Info("webhook processed", zap.String("provider", provider), zap.String("event_id", result.EventID))
	} else {
		s.log.Info("webhook not applied",
			zap.String("provider", provider),
			zap.String("event_id", result.EventID),
			zap.String("status", string(result.Status)),
			zap.String("reason", result.Reason),
		)
	}
	return result
}

func isPayoutType(eventType string) bool {
	return eventType == "payout" || strings.HasPrefix(eventType, "payout.")
}

// parseTimestamp accepts RFC3339 strings and unix seconds, the two shapes
// providers actually send.
func parseTimestamp(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 {
		return time.Time{}, false
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if ts, err := time.Parse(time.RFC3339, asString); err == nil {
			return ts.UTC(), true
		}
		if secs, err := strconv.ParseInt(asString, 10, 64); err == nil && secs > 0 {
			return time.Unix(secs, 0).UTC(), true
		}
		return time.Time{}, false
	}

	var asNumber int64
	if err := json.Unmarshal(raw, &asNumber); err == nil && asNumber > 0 {
		return time.Unix(asNumber, 0).UTC(), true
	}
	return time.Time{}, false
}
