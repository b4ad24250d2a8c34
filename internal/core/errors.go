package core

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrInvalidQuantity is returned when a ledger operation is asked to move
	// a zero or negative quantity, or a document carries no usable lines.
	ErrInvalidQuantity = errors.New("quantity must be positive")

	// ErrInsufficientStock is returned when a deduction or transfer would
	// drive the available quantity below zero.
	ErrInsufficientStock = errors.New("insufficient available stock")

	// ErrReservationExceedsAvailable is returned when a reservation asks for
	// more than is currently available.
	ErrReservationExceedsAvailable = errors.New("reservation exceeds available stock")

	// ErrInvalidReservation is returned when a release asks for more than is
	// currently reserved.
	ErrInvalidReservation = errors.New("release exceeds reserved stock")

	// ErrTenantUnresolved is returned when an operation runs without any
	// tenant binding in its context. Access is denied by default.
	ErrTenantUnresolved = errors.New("no tenant resolved for this operation")

	// ErrTenantIsolation is returned when an operation reaches across tenant
	// boundaries without a privileged scope.
	ErrTenantIsolation = errors.New("operation crosses tenant boundary")

	// ErrConcurrencyConflict is returned when a row lock could not be taken
	// immediately. Callers are expected to retry the whole operation.
	ErrConcurrencyConflict = errors.New("concurrent update in progress")
)

// lock_not_available, raised by SELECT ... FOR UPDATE NOWAIT.
const pgLockNotAvailable = "55P03"

// mapLockErr converts a NOWAIT lock failure into ErrConcurrencyConflict and
// passes every other error through wrapped.
func mapLockErr(err error, what string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
		return fmt.Errorf("%s is locked by another operation: %w", what, ErrConcurrencyConflict)
	}
	return fmt.Errorf("failed to lock %s: %w", what, err)
}

// TenantRunError records a failure of one tenant's automation run. It carries
// the tenant and the policy that failed so one tenant's error never masks
// another's result.
type TenantRunError struct {
	TenantID int
	Policy   string
	Err      error
}

func (e *TenantRunError) Error() string {
	return fmt.Sprintf("automation failed for tenant %d at %s: %v", e.TenantID, e.Policy, e.Err)
}

func (e *TenantRunError) Unwrap() error {
	return e.Err
}
