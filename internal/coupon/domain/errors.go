package domain

import (
	"context"
	"errors"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("invalid state transition")
	ErrStockExhausted      = errors.New("stock exhausted")
	ErrUserLimitExceeded   = errors.New("user issuance limit exceeded")
	ErrPolicyNotActive     = errors.New("policy not active")
	ErrPolicyExpired       = errors.New("policy expired")
	ErrPolicyNotStarted    = errors.New("policy not started")
	ErrLockContention      = errors.New("lock contention")
	ErrReservationMismatch = errors.New("reservation id mismatch")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrInvalidArgument     = errors.New("invalid argument")

	// ErrOrderMismatch is returned when a USED coupon is confirmed again for a
	// different order. It is a state error and wraps ErrInvalidState.
	ErrOrderMismatch = stateError("coupon already used by another order")

	// ErrVersionConflict is reported by repositories when an optimistic update
	// lost the race. Services retry it and surface ErrConcurrencyConflict.
	ErrVersionConflict = errors.New("row version conflict")

	ErrLedgerNotSeeded = errors.New("ledger counter not seeded")
)

type wrapped struct {
	msg    string
	parent error
}

func (e *wrapped) Error() string { return e.msg }
func (e *wrapped) Unwrap() error { return e.parent }

func stateError(msg string) error { return &wrapped{msg: msg, parent: ErrInvalidState} }

var codes = []struct {
	err  error
	code string
}{
	{ErrOrderMismatch, "ORDER_MISMATCH"},
	{ErrNotFound, "NOT_FOUND"},
	{ErrInvalidState, "INVALID_STATE"},
	{ErrStockExhausted, "STOCK_EXHAUSTED"},
	{ErrUserLimitExceeded, "USER_LIMIT_EXCEEDED"},
	{ErrPolicyNotActive, "POLICY_NOT_ACTIVE"},
	{ErrPolicyExpired, "POLICY_EXPIRED"},
	{ErrPolicyNotStarted, "POLICY_NOT_STARTED"},
	{ErrLockContention, "LOCK_CONTENTION"},
	{ErrReservationMismatch, "RESERVATION_ID_MISMATCH"},
	{ErrConcurrencyConflict, "CONCURRENCY_CONFLICT"},
	{ErrVersionConflict, "CONCURRENCY_CONFLICT"},
	{ErrInvalidArgument, "INVALID_ARGUMENT"},
	{context.DeadlineExceeded, "TIMEOUT"},
	{context.Canceled, "CANCELED"},
}

// CodeOf returns the stable reason code callers use to decide between retrying
// and abandoning a request.
func CodeOf(err error) string {
	if err == nil {
		return "OK"
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL"
}

// Retryable reports whether the caller may transparently retry the request.
func Retryable(err error) bool {
	return errors.Is(err, ErrLockContention) ||
		errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, ErrVersionConflict)
}
