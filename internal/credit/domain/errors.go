package domain

import "errors"

var (
	ErrInvalidEntity      = errors.New("invalid_entity")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidSourceType  = errors.New("invalid_source_type")
	ErrInsufficientFunds  = errors.New("insufficient_balance")
	ErrAccountNotFound    = errors.New("account_not_found")
	ErrReservationClosed  = errors.New("reservation_closed")
	ErrNotFound           = errors.New("reservation_not_found")
	ErrLotConservation    = errors.New("lot_conservation_violated")
	ErrDuplicateOperation = errors.New("duplicate_operation")
)
