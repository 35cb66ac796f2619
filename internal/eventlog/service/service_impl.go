package service

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	eventlogdomain "github.com/0xHoneyJar/freeside/internal/eventlog/domain"
	"github.com/0xHoneyJar/freeside/internal/metrics"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	metrics *metrics.Metrics
}

func NewService(p Params) eventlogdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("eventlog.service"),
		genID:   p.GenID,
		metrics: p.Metrics,
	}
}

func (s *Service) Emit(ctx context.Context, tx *gorm.DB, event eventlogdomain.Event) error {
	if err := validateEvent(&event); err != nil {
		return err
	}

	db := tx
	if db == nil {
		db = s.db
	}

	payload, err := marshalPayload(event.Payload)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	result := db.WithContext(ctx).Exec(
		`INSERT INTO economic_events (
			id, event_type, entity_type, entity_id, causation_id,
			idempotency_key, payload, occurred_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		s.genID.Generate(),
		string(event.Type),
		event.AggregateType,
		event.AggregateID,
		event.CausationID,
		event.IdempotencyKey,
		payload,
		event.OccurredAt.UTC(),
		now,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 && s.metrics != nil {
		s.metrics.RecordEventEmitted("economic", string(event.Type))
	}

	legacy, ok := eventlogdomain.LegacyFor(event.Type)
	if !ok {
		return nil
	}

	// The legacy vocabulary has no dedupe: every mapped emit appends a row.
	if err := db.WithContext(ctx).Exec(
		`INSERT INTO billing_events (
			id, event_type, aggregate_type, aggregate_id, causation_id,
			payload, occurred_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.genID.Generate(),
		string(legacy),
		event.AggregateType,
		event.AggregateID,
		event.CausationID,
		payload,
		event.OccurredAt.UTC(),
		now,
	).Error; err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordEventEmitted("billing", string(legacy))
	}
	return nil
}

func (s *Service) EmitLegacyOnly(ctx context.Context, tx *gorm.DB, event eventlogdomain.LegacyEvent) error {
	if event.Type == "" {
		return eventlogdomain.ErrInvalidEventType
	}
	if eventlogdomain.HasEconomicCounterpart(event.Type) {
		return eventlogdomain.ErrHasLegacyCounterpart
	}
	if event.AggregateType == "" || event.AggregateID == "" {
		return eventlogdomain.ErrInvalidAggregate
	}
	if event.OccurredAt.IsZero() {
		return eventlogdomain.ErrInvalidPayload
	}

	db := tx
	if db == nil {
		db = s.db
	}

	payload, err := marshalPayload(event.Payload)
	if err != nil {
		return err
	}

	if err := db.WithContext(ctx).Exec(
		`INSERT INTO billing_events (
			id, event_type, aggregate_type, aggregate_id, causation_id,
			payload, occurred_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.genID.Generate(),
		string(event.Type),
		event.AggregateType,
		event.AggregateID,
		event.CausationID,
		payload,
		event.OccurredAt.UTC(),
		time.Now().UTC(),
	).Error; err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordEventEmitted("billing", string(event.Type))
	}
	return nil
}

func (s *Service) GetEventsForAggregate(ctx context.Context, aggregateType, aggregateID string, q eventlogdomain.Query) ([]eventlogdomain.BillingEvent, error) {
	aggregateType = strings.TrimSpace(aggregateType)
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateType == "" || aggregateID == "" {
		return nil, eventlogdomain.ErrInvalidAggregate
	}

	query := s.db.WithContext(ctx).
		Where("aggregate_type = ? AND aggregate_id = ?", aggregateType, aggregateID)
	if len(q.Types) > 0 {
		query = query.Where("event_type IN ?", q.Types)
	}
	if q.Before != nil {
		query = query.Where("occurred_at < ?", q.Before.UTC())
	}

	var events []eventlogdomain.BillingEvent
	if err := query.Order("id ASC").Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Service) GetBalanceAtTime(ctx context.Context, accountID, poolID string, at time.Time) (int64, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return 0, eventlogdomain.ErrInvalidAggregate
	}

	var events []eventlogdomain.BillingEvent
	if err := s.db.WithContext(ctx).
		Where("aggregate_type = ? AND aggregate_id = ?", eventlogdomain.AggregateCreditAccount, accountID).
		Where("occurred_at <= ?", at.UTC()).
		Order("id ASC").
		Find(&events).Error; err != nil {
		return 0, err
	}

	var balance int64
	for _, event := range events {
		if poolID != "" && payloadString(event.Payload, "pool_id") != poolID {
			continue
		}
		balance += payloadInt64(event.Payload, "delta_micro")
	}
	return balance, nil
}

func validateEvent(event *eventlogdomain.Event) error {
	if event.Type == "" {
		return eventlogdomain.ErrInvalidEventType
	}
	event.AggregateType = strings.TrimSpace(event.AggregateType)
	event.AggregateID = strings.TrimSpace(event.AggregateID)
	if event.AggregateType == "" || event.AggregateID == "" {
		return eventlogdomain.ErrInvalidAggregate
	}
	event.IdempotencyKey = strings.TrimSpace(event.IdempotencyKey)
	if event.IdempotencyKey == "" {
		return eventlogdomain.ErrMissingIdempotency
	}
	if event.OccurredAt.IsZero() {
		return eventlogdomain.ErrInvalidPayload
	}
	return nil
}

func marshalPayload(payload map[string]any) (datatypes.JSONMap, error) {
	if payload == nil {
		return datatypes.JSONMap{}, nil
	}
	return datatypes.JSONMap(payload), nil
}

func payloadString(payload datatypes.JSONMap, key string) string {
	if payload == nil {
		return ""
	}
	value, ok := payload[key].(string)
	if !ok {
		return ""
	}
	return value
}

func payloadInt64(payload datatypes.JSONMap, key string) int64 {
	if payload == nil {
		return 0
	}
	switch typed := payload[key].(type) {
	case float64:
		return int64(typed)
	case int64:
		return typed
	case int:
		return int64(typed)
	case json.Number:
		parsed, err := typed.Int64()
		if err == nil {
			return parsed
		}
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		if err == nil {
			return parsed
		}
	}
	return 0
}
