package entitlement

import (
	"errors"
	"fmt"
)

// Expected, user-facing outcomes. Returned directly, never retried.
var (
	ErrNotFound            = errors.New("account not found")
	ErrAlreadyExists       = errors.New("account already exists")
	ErrUsageLimitExceeded  = errors.New("usage limit exceeded")
	ErrInsufficientPlan    = errors.New("plan does not include this feature")
	ErrSubscriptionExpired = errors.New("subscription expired, renewal required")
)

// Terminal reconciliation outcomes, surfaced to the caller.
var (
	ErrVerificationFailed = errors.New("receipt verification failed")
	ErrUnknownProduct     = errors.New("receipt maps to no known plan")
)

// ErrStoreUnavailable marks transient infrastructure failures. It is the
// only class eligible for automatic retry.
var ErrStoreUnavailable = errors.New("store unavailable")

// unavailable wraps a driver error so callers can match ErrStoreUnavailable
// while keeping the underlying cause in the chain.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
