package service

import (
	"context"
	"errors"
	"strings"

	"github.com/0xHoneyJar/freeside/internal/clock"
	creditdomain "github.com/0xHoneyJar/freeside/internal/credit/domain"
	eventlogdomain "github.com/0xHoneyJar/freeside/internal/eventlog/domain"
	"github.com/0xHoneyJar/freeside/internal/metrics"
	"github.com/0xHoneyJar/freeside/pkg/db/pagination"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	EventLog eventlogdomain.Service
	Metrics  *metrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	eventLog eventlogdomain.Service
	metrics  *metrics.Metrics
}

func NewService(p Params) creditdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("credit.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		eventLog: p.EventLog,
		metrics:  p.Metrics,
	}
}

func (s *Service) CreateAccount(ctx context.Context, entityType, entityID string, kycLevel int) (*creditdomain.CreditAccount, error) {
	entityType = strings.TrimSpace(entityType)
	entityID = strings.TrimSpace(entityID)
	if entityType == "" || entityID == "" {
		return nil, creditdomain.ErrInvalidEntity
	}

	if err := s.db.WithContext(ctx).Exec(
		`INSERT INTO credit_accounts (id, entity_type, entity_id, kyc_level, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (entity_type, entity_id) DO NOTHING`,
		s.genID.Generate(),
		entityType,
		entityID,
		kycLevel,
		s.clock.Now().UTC(),
	).Error; err != nil {
		return nil, err
	}

	var account creditdomain.CreditAccount
	if err := s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *Service) MintLot(ctx context.Context, accountID snowflake.ID, amountMicro int64, sourceType creditdomain.LotSourceType, opts creditdomain.MintOptions) (*creditdomain.CreditLot, error) {
	if accountID == 0 {
		return nil, creditdomain.ErrInvalidEntity
	}
	if amountMicro <= 0 {
		return nil, creditdomain.ErrInvalidAmount
	}
	if strings.TrimSpace(string(sourceType)) == "" {
		return nil, creditdomain.ErrInvalidSourceType
	}
	poolID := normalizePool(opts.PoolID)

	lotID := s.genID.Generate()
	idempotencyKey := strings.TrimSpace(opts.IdempotencyKey)
	if idempotencyKey == "" {
		idempotencyKey = "deposit:" + lotID.String()
	}

	now := s.clock.Now().UTC()
	minted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.WithContext(ctx).Exec(
			`INSERT INTO credit_ledger (
				id, account_id, entry_type, amount_micro, idempotency_key,
				reference_type, reference_id, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (idempotency_key) DO NOTHING`,
			s.genID.Generate(),
			accountID,
			string(creditdomain.EntryTypeDeposit),
			amountMicro,
			idempotencyKey,
			"credit_lot",
			lotID.String(),
			now,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		minted = true

		if err := tx.WithContext(ctx).Exec(
			`INSERT INTO credit_lots (
				id, account_id, pool_id, original_micro, available_micro,
				reserved_micro, consumed_micro, source_type, meta, expires_at, created_at
			) VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?, ?, ?)`,
			lotID,
			accountID,
			poolID,
			amountMicro,
			amountMicro,
			string(sourceType),
			datatypes.JSONMap(opts.Meta),
			opts.ExpiresAt,
			now,
		).Error; err != nil {
			return err
		}

		return s.eventLog.Emit(ctx, tx, eventlogdomain.Event{
			Type:           eventlogdomain.EventLotMinted,
			AggregateType:  eventlogdomain.AggregateCreditAccount,
			AggregateID:    accountID.String(),
			CausationID:    lotID.String(),
			IdempotencyKey: "event:" + idempotencyKey,
			Payload: map[string]any{
				"lot_id":      lotID.String(),
				"pool_id":     poolID,
				"delta_micro": amountMicro,
				"source_type": string(sourceType),
			},
			OccurredAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	if !minted {
		// A previous call with the same key already minted; return its lot.
		return s.lotForLedgerKey(ctx, idempotencyKey)
	}
	if s.metrics != nil {
		s.metrics.RecordLedgerEntry(string(creditdomain.EntryTypeDeposit))
	}

	var lot creditdomain.CreditLot
	if err := s.db.WithContext(ctx).First(&lot, "id = ?", lotID).Error; err != nil {
		return nil, err
	}
	return &lot, nil
}

func (s *Service) lotForLedgerKey(ctx context.Context, idempotencyKey string) (*creditdomain.CreditLot, error) {
	var entry creditdomain.LedgerEntry
	if err := s.db.WithContext(ctx).
		Where("idempotency_key = ?", idempotencyKey).
		First(&entry).Error; err != nil {
		return nil, err
	}
	var lot creditdomain.CreditLot
	if err := s.db.WithContext(ctx).First(&lot, "id = ?", entry.ReferenceID).Error; err != nil {
		return nil, err
	}
	return &lot, nil
}

func (s *Service) Reserve(ctx context.Context, accountID snowflake.ID, poolID string, amountMicro int64, opts creditdomain.ReserveOptions) (*creditdomain.Reservation, error) {
	if accountID == 0 {
		return nil, creditdomain.ErrInvalidEntity
	}
	if amountMicro <= 0 {
		return nil, creditdomain.ErrInvalidAmount
	}
	poolID = normalizePool(poolID)
	billingMode := strings.TrimSpace(opts.BillingMode)
	if billingMode == "" {
		billingMode = "standard"
	}

	reservationID := s.genID.Generate()
	now := s.clock.Now().UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lots []creditdomain.CreditLot
		if err := tx.WithContext(ctx).
			Where("account_id = ? AND pool_id = ? AND available_micro > 0", accountID, poolID).
			Where("expires_at IS NULL OR expires_at > ?", now).
			Order("created_at ASC, id ASC").
			Find(&lots).Error; err != nil {
			return err
		}

		var covered int64
		for _, lot := range lots {
			covered += lot.AvailableMicro
		}
		if covered < amountMicro {
			return creditdomain.ErrInsufficientFunds
		}

		remaining := amountMicro
		for _, lot := range lots {
			if remaining == 0 {
				break
			}
			take := lot.AvailableMicro
			if take > remaining {
				take = remaining
			}

			// The availability guard catches a concurrent reservation
			// that drained this lot between select and update.
			result := tx.WithContext(ctx).Exec(
				`UPDATE credit_lots
				 SET available_micro = available_micro - ?,
				     reserved_micro = reserved_micro + ?
				 WHERE id = ? AND available_micro >= ?`,
				take,
				take,
				lot.ID,
				take,
			)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return creditdomain.ErrInsufficientFunds
			}

			if err := tx.WithContext(ctx).Exec(
				`INSERT INTO credit_reservation_lots (id, reservation_id, lot_id, amount_micro, created_at)
				 VALUES (?, ?, ?, ?, ?)`,
				s.genID.Generate(),
				reservationID,
				lot.ID,
				take,
				now,
			).Error; err != nil {
				return err
			}
			remaining -= take
		}

		if err := tx.WithContext(ctx).Exec(
			`INSERT INTO credit_reservations (
				id, account_id, pool_id, amount_micro, billing_mode, status,
				surplus_released_micro, overrun_micro, created_at
			) VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?)`,
			reservationID,
			accountID,
			poolID,
			amountMicro,
			billingMode,
			string(creditdomain.ReservationStatusOpen),
			now,
		).Error; err != nil {
			return err
		}

		if err := tx.WithContext(ctx).Exec(
			`INSERT INTO credit_ledger (
				id, account_id, entry_type, amount_micro, idempotency_key,
				reference_type, reference_id, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			s.genID.Generate(),
			accountID,
			string(creditdomain.EntryTypeReserve),
			-amountMicro,
			"reserve:"+reservationID.String(),
			"reservation",
			reservationID.String(),
			now,
		).Error; err != nil {
			return err
		}

		return s.eventLog.Emit(ctx, tx, eventlogdomain.Event{
			Type:           eventlogdomain.EventReservationCreated,
			AggregateType:  eventlogdomain.AggregateCreditAccount,
			AggregateID:    accountID.String(),
			CausationID:    reservationID.String(),
			IdempotencyKey: "event:reserve:" + reservationID.String(),
			Payload: map[string]any{
				"reservation_id": reservationID.String(),
				"pool_id":        poolID,
				"amount_micro":   amountMicro,
				"delta_micro":    0,
			},
			OccurredAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordLedgerEntry(string(creditdomain.EntryTypeReserve))
	}

	var reservation creditdomain.Reservation
	if err := s.db.WithContext(ctx).First(&reservation, "id = ?", reservationID).Error; err != nil {
		return nil, err
	}
	return &reservation, nil
}

func (s *Service) Finalize(ctx context.Context, reservationID snowflake.ID, actualCostMicro int64) (creditdomain.FinalizeResult, error) {
	if actualCostMicro < 0 {
		return creditdomain.FinalizeResult{}, creditdomain.ErrInvalidAmount
	}

	var out creditdomain.FinalizeResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reservation, err := s.loadReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}

		if reservation.Status == creditdomain.ReservationStatusFinalized {
			out = storedResult(reservation)
			return nil
		}
		if reservation.Status == creditdomain.ReservationStatusReleased {
			return creditdomain.ErrReservationClosed
		}

		consumed := actualCostMicro
		if consumed > reservation.AmountMicro {
			consumed = reservation.AmountMicro
		}
		surplus := reservation.AmountMicro - consumed
		overrun := actualCostMicro - consumed

		now := s.clock.Now().UTC()
		result := tx.WithContext(ctx).Exec(
			`UPDATE credit_reservations
			 SET status = ?, actual_cost_micro = ?, surplus_released_micro = ?,
			     overrun_micro = ?, finalized_at = ?
			 WHERE id = ? AND status = ?`,
			string(creditdomain.ReservationStatusFinalized),
			consumed,
			surplus,
			overrun,
			now,
			reservationID,
			string(creditdomain.ReservationStatusOpen),
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Lost the race to a concurrent finalize; return its result.
			reread, err := s.loadReservation(ctx, tx, reservationID)
			if err != nil {
				return err
			}
			if reread.Status != creditdomain.ReservationStatusFinalized {
				return creditdomain.ErrReservationClosed
			}
			out = storedResult(reread)
			return nil
		}

		if err := s.applyFinalizeToLots(ctx, tx, reservationID, consumed); err != nil {
			return err
		}

		if surplus > 0 {
			if err := tx.WithContext(ctx).Exec(
				`INSERT INTO credit_ledger (
					id, account_id, entry_type, amount_micro, idempotency_key,
					reference_type, reference_id, created_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				s.genID.Generate(),
				reservation.AccountID,
				string(creditdomain.EntryTypeFinalize),
				surplus,
				"finalize:"+reservationID.String(),
				"reservation",
				reservationID.String(),
				now,
			).Error; err != nil {
				return err
			}
		}

		if err := s.eventLog.Emit(ctx, tx, eventlogdomain.Event{
			Type:           eventlogdomain.EventReservationFinalized,
			AggregateType:  eventlogdomain.AggregateCreditAccount,
			AggregateID:    reservation.AccountID.String(),
			CausationID:    reservationID.String(),
			IdempotencyKey: "event:finalize:" + reservationID.String(),
			Payload: map[string]any{
				"reservation_id":         reservationID.String(),
				"pool_id":                reservation.PoolID,
				"actual_cost_micro":      consumed,
				"surplus_released_micro": surplus,
				"overrun_micro":          overrun,
				"delta_micro":            -consumed,
			},
			OccurredAt: now,
		}); err != nil {
			return err
		}

		out = creditdomain.FinalizeResult{
			ReservationID:        reservationID,
			ActualCostMicro:      consumed,
			SurplusReleasedMicro: surplus,
			OverrunMicro:         overrun,
			FinalizedAt:          now,
		}
		return nil
	})
	if err != nil {
		return creditdomain.FinalizeResult{}, err
	}
	if s.metrics != nil {
		s.metrics.RecordLedgerEntry(string(creditdomain.EntryTypeFinalize))
	}
	return out, nil
}

func (s *Service) applyFinalizeToLots(ctx context.Context, tx *gorm.DB, reservationID snowflake.ID, consumed int64) error {
	var allocations []creditdomain.ReservationLot
	if err := tx.WithContext(ctx).
		Where("reservation_id = ?", reservationID).
		Order("id ASC").
		Find(&allocations).Error; err != nil {
		return err
	}

	remaining := consumed
	for _, alloc := range allocations {
		take := alloc.AmountMicro
		if take > remaining {
			take = remaining
		}
		returned := alloc.AmountMicro - take

		result := tx.WithContext(ctx).Exec(
			`UPDATE credit_lots
			 SET reserved_micro = reserved_micro - ?,
			     consumed_micro = consumed_micro + ?,
			     available_micro = available_micro + ?
			 WHERE id = ? AND reserved_micro >= ?`,
			alloc.AmountMicro,
			take,
			returned,
			alloc.LotID,
			alloc.AmountMicro,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return creditdomain.ErrLotConservation
		}
		remaining -= take
	}
	return nil
}

func (s *Service) Release(ctx context.Context, reservationID snowflake.ID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reservation, err := s.loadReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		if reservation.Status != creditdomain.ReservationStatusOpen {
			return creditdomain.ErrReservationClosed
		}

		now := s.clock.Now().UTC()
		result := tx.WithContext(ctx).Exec(
			`UPDATE credit_reservations
			 SET status = ?
			 WHERE id = ? AND status = ?`,
			string(creditdomain.ReservationStatusReleased),
			reservationID,
			string(creditdomain.ReservationStatusOpen),
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return creditdomain.ErrReservationClosed
		}

		var allocations []creditdomain.ReservationLot
		if err := tx.WithContext(ctx).
			Where("reservation_id = ?", reservationID).
			Order("id ASC").
			Find(&allocations).Error; err != nil {
			return err
		}
		for _, alloc := range allocations {
			update := tx.WithContext(ctx).Exec(
				`UPDATE credit_lots
				 SET reserved_micro = reserved_micro - ?,
				     available_micro = available_micro + ?
				 WHERE id = ? AND reserved_micro >= ?`,
				alloc.AmountMicro,
				alloc.AmountMicro,
				alloc.LotID,
				alloc.AmountMicro,
			)
			if update.Error != nil {
				return update.Error
			}
			if update.RowsAffected == 0 {
				return creditdomain.ErrLotConservation
			}
		}

		if err := tx.WithContext(ctx).Exec(
			`INSERT INTO credit_ledger (
				id, account_id, entry_type, amount_micro, idempotency_key,
				reference_type, reference_id, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			s.genID.Generate(),
			reservation.AccountID,
			string(creditdomain.EntryTypeRelease),
			reservation.AmountMicro,
			"release:"+reservationID.String(),
			"reservation",
			reservationID.String(),
			now,
		).Error; err != nil {
			return err
		}

		return s.eventLog.Emit(ctx, tx, eventlogdomain.Event{
			Type:           eventlogdomain.EventReservationReleased,
			AggregateType:  eventlogdomain.AggregateCreditAccount,
			AggregateID:    reservation.AccountID.String(),
			CausationID:    reservationID.String(),
			IdempotencyKey: "event:release:" + reservationID.String(),
			Payload: map[string]any{
				"reservation_id": reservationID.String(),
				"pool_id":        reservation.PoolID,
				"amount_micro":   reservation.AmountMicro,
				"delta_micro":    0,
			},
			OccurredAt: now,
		})
	})
}

func (s *Service) loadReservation(ctx context.Context, tx *gorm.DB, reservationID snowflake.ID) (*creditdomain.Reservation, error) {
	var reservation creditdomain.Reservation
	err := tx.WithContext(ctx).First(&reservation, "id = ?", reservationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, creditdomain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &reservation, nil
}

func storedResult(reservation *creditdomain.Reservation) creditdomain.FinalizeResult {
	out := creditdomain.FinalizeResult{
		ReservationID:        reservation.ID,
		SurplusReleasedMicro: reservation.SurplusReleasedMicro,
		OverrunMicro:         reservation.OverrunMicro,
	}
	if reservation.ActualCostMicro != nil {
		out.ActualCostMicro = *reservation.ActualCostMicro
	}
	if reservation.FinalizedAt != nil {
		out.FinalizedAt = *reservation.FinalizedAt
	}
	return out
}

func (s *Service) GetBalance(ctx context.Context, accountID snowflake.ID, poolID string) (creditdomain.Balance, error) {
	if accountID == 0 {
		return creditdomain.Balance{}, creditdomain.ErrInvalidEntity
	}

	var row struct {
		AvailableMicro int64
		ReservedMicro  int64
	}
	query := `SELECT COALESCE(SUM(available_micro), 0) AS available_micro,
	                 COALESCE(SUM(reserved_micro), 0) AS reserved_micro
	          FROM credit_lots
	          WHERE account_id = ?`
	args := []any{accountID}
	if poolID != "" {
		query += ` AND pool_id = ?`
		args = append(args, normalizePool(poolID))
	}
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&row).Error; err != nil {
		return creditdomain.Balance{}, err
	}
	return creditdomain.Balance{
		AvailableMicro: row.AvailableMicro,
		ReservedMicro:  row.ReservedMicro,
	}, nil
}

func (s *Service) GetHistory(ctx context.Context, accountID snowflake.ID, q creditdomain.HistoryQuery) ([]creditdomain.LedgerEntry, error) {
	if accountID == 0 {
		return nil, creditdomain.ErrInvalidEntity
	}
	page := pagination.Page{Limit: q.Limit, Offset: q.Offset}.Clamp()

	query := s.db.WithContext(ctx).Where("account_id = ?", accountID)
	if q.EntryType != "" {
		query = query.Where("entry_type = ?", q.EntryType)
	}

	var entries []creditdomain.LedgerEntry
	if err := query.
		Order("id DESC").
		Limit(page.Limit).
		Offset(page.Offset).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Service) AppendEntry(ctx context.Context, tx *gorm.DB, entry creditdomain.EntryInput) (bool, error) {
	if entry.AccountID == 0 {
		return false, creditdomain.ErrInvalidEntity
	}
	if entry.IdempotencyKey == "" {
		return false, creditdomain.ErrDuplicateOperation
	}

	db := tx
	if db == nil {
		db = s.db
	}

	result := db.WithContext(ctx).Exec(
		`INSERT INTO credit_ledger (
			id, account_id, entry_type, amount_micro, idempotency_key,
			reference_type, reference_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		s.genID.Generate(),
		entry.AccountID,
		string(entry.EntryType),
		entry.AmountMicro,
		entry.IdempotencyKey,
		entry.ReferenceType,
		entry.ReferenceID,
		s.clock.Now().UTC(),
	)
	if result.Error != nil {
		return false, result.Error
	}
	inserted := result.RowsAffected > 0
	if inserted && s.metrics != nil {
		s.metrics.RecordLedgerEntry(string(entry.EntryType))
	}
	return inserted, nil
}

func (s *Service) EscrowedMicro(ctx context.Context, accountID snowflake.ID) (int64, error) {
	if accountID == 0 {
		return 0, creditdomain.ErrInvalidEntity
	}

	var escrowed int64
	if err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount_micro), 0)
		 FROM credit_ledger
		 WHERE account_id = ? AND entry_type IN ?`,
		accountID,
		creditdomain.EscrowFamily(),
	).Scan(&escrowed).Error; err != nil {
		return 0, err
	}
	return escrowed, nil
}

func (s *Service) PaidOutMicro(ctx context.Context, accountID snowflake.ID) (int64, error) {
	if accountID == 0 {
		return 0, creditdomain.ErrInvalidEntity
	}

	// Release entries are written negative; the paid-out total is their
	// negated sum.
	var paidOut int64
	if err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(-SUM(amount_micro), 0)
		 FROM credit_ledger
		 WHERE account_id = ? AND entry_type = ?`,
		accountID,
		creditdomain.EntryTypeEscrowRelease,
	).Scan(&paidOut).Error; err != nil {
		return 0, err
	}
	return paidOut, nil
}

func normalizePool(poolID string) string {
	poolID = strings.TrimSpace(poolID)
	if poolID == "" {
		return creditdomain.DefaultPool
	}
	return poolID
}
