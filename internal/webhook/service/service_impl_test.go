package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/0xHoneyJar/freeside/internal/clock"
	"github.com/0xHoneyJar/freeside/internal/config"
	creditservice "github.com/0xHoneyJar/freeside/internal/credit/service"
	eventlogservice "github.com/0xHoneyJar/freeside/internal/eventlog/service"
	"github.com/0xHoneyJar/freeside/internal/kv"
	"github.com/0xHoneyJar/freeside/internal/locker"
	payoutdomain "github.com/0xHoneyJar/freeside/internal/payout/domain"
	payoutservice "github.com/0xHoneyJar/freeside/internal/payout/service"
	referraldomain "github.com/0xHoneyJar/freeside/internal/referral/domain"
	referralservice "github.com/0xHoneyJar/freeside/internal/referral/service"
	"github.com/0xHoneyJar/freeside/internal/webhook/domain"
	"github.com/0xHoneyJar/freeside/internal/webhook/signature"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSecret = "whsec-test"

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	statements := []string{
		`CREATE TABLE webhook_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			provider TEXT NOT NULL,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			received_at TIMESTAMP NOT NULL,
			UNIQUE (provider, event_id)
		)`,
		`CREATE TABLE credit_accounts (
			id INTEGER PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			kyc_level INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (entity_type, entity_id)
		)`,
		`CREATE TABLE credit_lots (
			id INTEGER PRIMARY KEY,
			account_id INTEGER NOT NULL,
			pool_id TEXT NOT NULL,
			original_micro INTEGER NOT NULL,
			available_micro INTEGER NOT NULL,
			reserved_micro INTEGER NOT NULL DEFAULT 0,
			consumed_micro INTEGER NOT NULL DEFAULT 0,
			source_type TEXT NOT NULL,
			meta TEXT,
			expires_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE credit_ledger (
			id INTEGER PRIMARY KEY,
			account_id INTEGER NOT NULL,
			entry_type TEXT NOT NULL,
			amount_micro INTEGER NOT NULL,
			idempotency_key TEXT NOT NULL UNIQUE,
			reference_type TEXT,
			reference_id TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE referrer_earnings (
			id INTEGER PRIMARY KEY,
			referrer_account_id INTEGER NOT NULL,
			referee_account_id INTEGER NOT NULL,
			registration_id TEXT NOT NULL,
			charge_reservation_id INTEGER NOT NULL,
			amount_micro INTEGER NOT NULL,
			referrer_bps INTEGER NOT NULL,
			source_charge_micro INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			settle_after TIMESTAMP NOT NULL,
			settled_at TIMESTAMP,
			clawback_reason TEXT
		)`,
		`CREATE TABLE payout_requests (
			id INTEGER PRIMARY KEY,
			account_id INTEGER NOT NULL,
			amount_micro INTEGER NOT NULL,
			fee_micro INTEGER NOT NULL,
			net_amount_micro INTEGER NOT NULL,
			destination_address TEXT NOT NULL,
			destination_currency TEXT NOT NULL,
			status TEXT NOT NULL,
			provider_payout_id TEXT,
			provider_status TEXT,
			error_message TEXT,
			processing_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE treasury_state (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE billing_events (
			id INTEGER PRIMARY KEY,
			event_type TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			causation_id TEXT,
			payload TEXT NOT NULL,
			occurred_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE economic_events (
			id INTEGER PRIMARY KEY,
			event_type TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			causation_id TEXT,
			idempotency_key TEXT NOT NULL UNIQUE,
			payload TEXT NOT NULL,
			occurred_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range statements {
		require.NoError(t, db.Exec(stmt).Error)
	}
	return db
}

type fixture struct {
	svc       domain.Service
	payoutSvc payoutdomain.Service
	clock     *clock.FakeClock
	store     *kv.MemoryStore
	locker    *locker.Locker
	db        *gorm.DB
}

// newFixture wires the webhook service over a real payout pipeline and
// returns a payout already sitting in processing under providerPayoutID.
func newFixture(t *testing.T, providerPayoutID string) *fixture {
	t.Helper()
	db := setupDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	store := kv.NewMemoryStore()
	lock := locker.New(store)

	eventLog := eventlogservice.NewService(eventlogservice.Params{DB: db, Log: log, GenID: node})
	creditSvc := creditservice.NewService(creditservice.Params{DB: db, Log: log, GenID: node, Clock: fake, EventLog: eventLog})
	referralSvc := referralservice.NewService(referralservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake,
		CreditSvc: creditSvc, EventLog: eventLog,
		Cfg: config.Config{EarningHoldPeriod: 48 * time.Hour},
	})
	payoutSvc := payoutservice.NewService(payoutservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake,
		Config:   config.Config{PayoutStaleAfter: 24 * time.Hour},
		Credit:   creditSvc,
		Referral: referralSvc,
		EventLog: eventLog,
	})
	webhookSvc := NewService(Params{
		DB: db, Log: log, Clock: fake,
		Config: config.Config{PayoutWebhookSecret: testSecret},
		KV:     store, Locker: lock,
		Payout: payoutSvc,
	})

	ctx := context.Background()
	account, err := creditSvc.CreateAccount(ctx, "user", "referrer", 0)
	require.NoError(t, err)
	referee, err := creditSvc.CreateAccount(ctx, "user", "referee", 0)
	require.NoError(t, err)
	_, err = referralSvc.RecordEarning(ctx, referraldomain.RecordEarningInput{
		ReferrerAccountID:   account.ID,
		RefereeAccountID:    referee.ID,
		RegistrationID:      "reg-1",
		ChargeReservationID: snowflake.ID(500),
		AmountMicro:         10000,
		ReferrerBps:         1000,
		SourceChargeMicro:   100000,
	})
	require.NoError(t, err)
	fake.Advance(49 * time.Hour)
	_, err = referralSvc.SettleEarnings(ctx)
	require.NoError(t, err)

	request, err := payoutSvc.CreateRequest(ctx, payoutdomain.CreateRequestInput{
		AccountID:           account.ID,
		AmountMicro:         2000,
		FeeMicro:            100,
		DestinationAddress:  "0xabc",
		DestinationCurrency: "usdc",
	})
	require.NoError(t, err)
	_, err = payoutSvc.Approve(ctx, request.ID)
	require.NoError(t, err)
	_, err = payoutSvc.MarkProcessing(ctx, request.ID, providerPayoutID)
	require.NoError(t, err)

	return &fixture{svc: webhookSvc, payoutSvc: payoutSvc, clock: fake, store: store, locker: lock, db: db}
}

func (f *fixture) sign(t *testing.T, body []byte) string {
	t.Helper()
	canonical, err := signature.Canonicalize(body)
	require.NoError(t, err)
	mac := hmac.New(sha512.New, []byte(testSecret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

func (f *fixture) body(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	encoded, err := json.Marshal(fields)
	require.NoError(t, err)
	return encoded
}

func TestProcessCompletesPayout(t *testing.T) {
	f := newFixture(t, "prov-1")
	ctx := context.Background()

	body := f.body(t, map[string]any{
		"id":        "evt-1",
		"type":      "payout.status",
		"payout_id": "prov-1",
		"status":    "finished",
		"timestamp": f.clock.Now().UTC().Format(time.RFC3339),
	})

	result := f.svc.Process(ctx, "lvver", body, f.sign(t, body))
	assert.Equal(t, domain.StatusProcessed, result.Status)
	assert.Equal(t, "evt-1", result.EventID)

	var status string
	require.NoError(t, f.db.Table("payout_requests").Select("status").Where("provider_payout_id = ?", "prov-1").Scan(&status).Error)
	assert.Equal(t, "completed", status)

	var recorded int64
	require.NoError(t, f.db.Table("webhook_events").Where("provider = ? AND event_id = ?", "lvver", "evt-1").Count(&recorded).Error)
	assert.Equal(t, int64(1), recorded)
}

func TestProcessDuplicateDelivery(t *testing.T) {
	f := newFixture(t, "prov-1")
	ctx := context.Background()

	body := f.body(t, map[string]any{
		"id":        "evt-1",
		"type":      "payout.status",
		"payout_id": "prov-1",
		"status":    "finished",
		"timestamp": f.clock.Now().UTC().Format(time.RFC3339),
	})
	sig := f.sign(t, body)

	first := f.svc.Process(ctx, "lvver", body, sig)
	require.Equal(t, domain.StatusProcessed, first.Status)

	second := f.svc.Process(ctx, "lvver", body, sig)
	assert.Equal(t, domain.StatusDuplicate, second.Status)

	var recorded int64
	require.NoError(t, f.db.Table("webhook_events").Count(&recorded).Error)
	assert.Equal(t, int64(1), recorded)
}

func TestProcessStaleTimestamp(t *testing.T) {
	f := newFixture(t, "prov-1")
	ctx := context.Background()

	body := f.body(t, map[string]any{
		"id":        "evt-stale",
		"type":      "payout.status",
		"payout_id": "prov-1",
		"status":    "finished",
		"timestamp": f.clock.Now().UTC().Add(-6 * time.Minute).Format(time.RFC3339),
	})

	result := f.svc.Process(ctx, "lvver", body, f.sign(t, body))
	assert.Equal(t, domain.StatusStale, result.Status)

	// Stale events never touch the payout or the durable log.
	var status string
	require.NoError(t, f.db.Table("payout_requests").Select("status").Where("provider_payout_id = ?", "prov-1").Scan(&status).Error)
	assert.Equal(t, "processing", status)

	var recorded int64
	require.NoError(t, f.db.Table("webhook_events").Count(&recorded).Error)
	assert.Zero(t, recorded)
}

func TestProcessUnparseableTimestampIsStale(t *testing.T) {
	f := newFixture(t, "prov-1")

	body := f.body(t, map[string]any{
		"id":        "evt-bad-ts",
		"type":      "payout.status",
		"payout_id": "prov-1",
		"status":    "finished",
		"timestamp": "not-a-time",
	})

	result := f.svc.Process(context.Background(), "lvver", body, f.sign(t, body))
	assert.Equal(t, domain.StatusStale, result.Status)
}

func TestProcessUnknownTypeIsSkipped(t *testing.T) {
	f := newFixture(t, "prov-1")
	ctx := context.Background()

	body := f.body(t, map[string]any{
		"id":        "evt-other",
		"type":      "kyc.updated",
		"status":    "ok",
		"timestamp": f.clock.Now().UTC().Format(time.RFC3339),
	})

	result := f.svc.Process(ctx, "lvver", body, f.sign(t, body))
	assert.Equal(t, domain.StatusSkipped, result.Status)

	// Skipped events are still recorded so replays deduplicate.
	var recorded int64
	require.NoError(t, f.db.Table("webhook_events").Where("event_id = ?", "evt-other").Count(&recorded).Error)
	assert.Equal(t, int64(1), recorded)
}

func TestProcessRejectsBadSignature(t *testing.T) {
	f := newFixture(t, "prov-1")

	body := f.body(t, map[string]any{
		"id":        "evt-1",
		"type":      "payout.status",
		"payout_id": "prov-1",
		"status":    "finished",
		"timestamp": f.clock.Now().UTC().Format(time.RFC3339),
	})

	result := f.svc.Process(context.Background(), "lvver", body, "deadbeef")
	assert.Equal(t, domain.StatusRejected, result.Status)

	result = f.svc.Process(context.Background(), "lvver", body, "")
	assert.Equal(t, domain.StatusRejected, result.Status)
}

func TestProcessUnknownPayoutReference(t *testing.T) {
	f := newFixture(t, "prov-1")

	body := f.body(t, map[string]any{
		"id":         "evt-unknown",
		"type":       "payout",
		"payment_id": "prov-missing",
		"status":     "finished",
		"timestamp":  f.clock.Now().UTC().Format(time.RFC3339),
	})

	result := f.svc.Process(context.Background(), "lvver", body, f.sign(t, body))
	assert.Equal(t, domain.StatusFailed, result.Status)
	assert.Equal(t, "no payout for provider reference", result.Reason)

	// Failed events are not recorded, so a corrected retry can land.
	var recorded int64
	require.NoError(t, f.db.Table("webhook_events").Count(&recorded).Error)
	assert.Zero(t, recorded)
}

func TestProcessReleasesLock(t *testing.T) {
	f := newFixture(t, "prov-1")
	ctx := context.Background()

	body := f.body(t, map[string]any{
		"id":        "evt-1",
		"type":      "payout.status",
		"payout_id": "prov-1",
		"status":    "finished",
		"timestamp": f.clock.Now().UTC().Format(time.RFC3339),
	})
	f.svc.Process(ctx, "lvver", body, f.sign(t, body))

	_, acquired, err := f.locker.TryLock(ctx, "webhook:lock:lvver:evt-1", locker.DefaultTTL)
	require.NoError(t, err)
	assert.True(t, acquired, "lock released after processing")
}

func TestProcessHeldLockReportsDuplicate(t *testing.T) {
	f := newFixture(t, "prov-1")
	ctx := context.Background()

	body := f.body(t, map[string]any{
		"id":        "evt-1",
		"type":      "payout.status",
		"payout_id": "prov-1",
		"status":    "finished",
		"timestamp": f.clock.Now().UTC().Format(time.RFC3339),
	})

	_, acquired, err := f.locker.TryLock(ctx, "webhook:lock:lvver:evt-1", locker.ExtendedTTL)
	require.NoError(t, err)
	require.True(t, acquired)

	result := f.svc.Process(ctx, "lvver", body, f.sign(t, body))
	assert.Equal(t, domain.StatusDuplicate, result.Status)
}
