// Package meter drives the admission path for metered requests: lazy
// reset, admission checks against the entitlement snapshot, and the
// post-completion ledger append and counter increment.
package meter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/metergate/internal/entitlement"
	"github.com/dukerupert/metergate/internal/ledger"
)

// Broadcaster receives every successfully appended usage event. Delivery
// must never block; the hot path does not wait for listeners.
type Broadcaster interface {
	UsageRecorded(ev ledger.Event)
}

type Service struct {
	entitlements *entitlement.Store
	events       *ledger.Store
	logger       *slog.Logger
	broadcaster  Broadcaster
	now          func() time.Time
}

type Option func(*Service)

// WithBroadcaster attaches a live usage-event listener.
func WithBroadcaster(b Broadcaster) Option {
	return func(s *Service) { s.broadcaster = b }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(es *entitlement.Store, ls *ledger.Store, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		entitlements: es,
		events:       ls,
		logger:       logger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Authorize runs the admission sequence for a metered request: apply any
// pending reset, fetch the entitlement, check the usage gate, and when
// minPlan is non-empty, the plan gate. The returned snapshot is valid for
// the denied case too, so callers can report current usage.
func (s *Service) Authorize(ctx context.Context, accountKey string, minPlan entitlement.Plan) (*entitlement.Entitlement, entitlement.Decision, error) {
	now := s.now()

	if err := s.withRetry(ctx, func() error {
		return s.entitlements.ApplyReset(accountKey, now)
	}); err != nil {
		return nil, entitlement.Decision{}, err
	}

	var e *entitlement.Entitlement
	if err := s.withRetry(ctx, func() error {
		var err error
		e, err = s.entitlements.Get(accountKey)
		return err
	}); err != nil {
		if errors.Is(err, entitlement.ErrNotFound) {
			return nil, entitlement.Decision{Allowed: false, Reason: entitlement.ReasonNoEntitlement}, nil
		}
		return nil, entitlement.Decision{}, err
	}

	if d := entitlement.CanProceed(e, now); !d.Allowed {
		return e, d, nil
	}
	if minPlan != "" {
		if d := entitlement.HasMinimumPlan(e, minPlan, now); !d.Allowed {
			return e, d, nil
		}
	}
	return e, entitlement.Decision{Allowed: true}, nil
}

// Completion is what the external completion executor reported for one
// finished request.
type Completion struct {
	Provider string
	Model    string
	Tokens   int64
	Cost     float64
}

// Complete records a finished metered request: a best-effort ledger
// append (a failed append is logged and swallowed so metering data loss
// never blocks service availability) and a strict counter increment.
func (s *Service) Complete(ctx context.Context, accountKey string, c Completion) error {
	var e *entitlement.Entitlement
	if err := s.withRetry(ctx, func() error {
		var err error
		e, err = s.entitlements.Get(accountKey)
		return err
	}); err != nil {
		return err
	}

	ev, err := s.events.Append(ledger.Event{
		AccountID: e.AccountID,
		Provider:  c.Provider,
		Model:     c.Model,
		Tokens:    c.Tokens,
		Cost:      c.Cost,
	})
	if err != nil {
		s.logger.Error("usage event append failed", "account", e.AccountID, "error", err)
	} else if s.broadcaster != nil {
		s.broadcaster.UsageRecorded(*ev)
	}

	return s.withRetry(ctx, func() error {
		return s.entitlements.Increment(accountKey, 1, c.Tokens)
	})
}

// withRetry applies bounded exponential backoff, retrying only the
// transient StoreUnavailable class. Expected outcomes pass through on
// the first attempt.
func (s *Service) withRetry(ctx context.Context, op func() error) error {
	b := retry.WithMaxRetries(3, retry.NewExponential(50*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := op()
		if errors.Is(err, entitlement.ErrStoreUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
}
