package entitlement

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store is the authoritative entitlement record store. An account key may
// be the account's primary email or its opaque id; both resolve to the
// same record.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

const entitlementCols = `a.id, a.email, e.plan, e.status, e.platform,
	e.requests_current, e.requests_limit, e.tokens_current, e.tokens_limit,
	e.reset_date, e.period_start, e.period_end,
	e.product_id, e.transaction_id, e.original_transaction_id,
	e.purchase_time, e.expiry_time, e.last_validated, e.updated_at`

// byKey resolves the subject rows for either addressing form.
const byKey = `(SELECT id FROM accounts WHERE id = ? OR email = ?)`

func scanEntitlement(scanner interface{ Scan(...any) error }) (*Entitlement, error) {
	var e Entitlement
	var periodStart, periodEnd, purchaseTime, expiryTime, lastValidated sql.NullTime
	var productID, transactionID, originalTransactionID sql.NullString
	err := scanner.Scan(
		&e.AccountID, &e.Email, &e.Plan, &e.Status, &e.Platform,
		&e.Usage.Requests.Current, &e.Usage.Requests.Limit,
		&e.Usage.Tokens.Current, &e.Usage.Tokens.Limit,
		&e.ResetDate, &periodStart, &periodEnd,
		&productID, &transactionID, &originalTransactionID,
		&purchaseTime, &expiryTime, &lastValidated, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if periodStart.Valid {
		e.PeriodStart = &periodStart.Time
	}
	if periodEnd.Valid {
		e.PeriodEnd = &periodEnd.Time
	}
	if transactionID.Valid && transactionID.String != "" {
		r := &Receipt{
			ProductID:             productID.String,
			TransactionID:         transactionID.String,
			OriginalTransactionID: originalTransactionID.String,
		}
		if purchaseTime.Valid {
			r.PurchaseTime = &purchaseTime.Time
		}
		if expiryTime.Valid {
			r.ExpiryTime = &expiryTime.Time
		}
		if lastValidated.Valid {
			r.LastValidated = &lastValidated.Time
		}
		e.Receipt = r
	}
	return &e, nil
}

// Create registers an account with a free entitlement: zeroed counters,
// free-tier limits, reset on the first of next month. The email unique
// constraint makes the insert conditional; a duplicate registration
// returns ErrAlreadyExists without a read-then-write race.
func (s *Store) Create(email string) (*Entitlement, error) {
	accountID := uuid.NewString()
	now := time.Now().UTC()
	limits := LimitsFor(PlanFree)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, unavailable("begin create", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO accounts (id, email) VALUES (?, ?)`, accountID, email); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("create %s: %w", email, ErrAlreadyExists)
		}
		return nil, unavailable("insert account", err)
	}

	_, err = tx.Exec(
		`INSERT INTO entitlements (account_id, plan, status, platform, requests_limit, tokens_limit, reset_date)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		accountID, PlanFree, StatusActive, PlatformStripe, limits.Requests, limits.Tokens, NextResetDate(now),
	)
	if err != nil {
		return nil, unavailable("insert entitlement", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit create", err)
	}

	s.logger.Info("entitlement created", "account", accountID, "email", email, "plan", PlanFree)
	return s.Get(accountID)
}

// Get fetches the entitlement by account email or opaque id.
func (s *Store) Get(key string) (*Entitlement, error) {
	row := s.db.QueryRow(
		`SELECT `+entitlementCols+` FROM accounts a JOIN entitlements e ON e.account_id = a.id
		 WHERE a.id = ? OR a.email = ?`,
		key, key,
	)
	e, err := scanEntitlement(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get entitlement", err)
	}
	return e, nil
}

// ApplyReset zeroes both counters and advances the reset date if the
// stored reset date has passed. The update is gated on the stored value,
// so redundant calls and races with Increment are safe: a second call in
// the same period matches no row.
func (s *Store) ApplyReset(key string, now time.Time) error {
	now = now.UTC()
	res, err := s.db.Exec(
		`UPDATE entitlements
		 SET requests_current = 0, tokens_current = 0, reset_date = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE account_id IN `+byKey+` AND reset_date <= ?`,
		NextResetDate(now), key, key, now,
	)
	if err != nil {
		return unavailable("apply reset", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("usage counters reset", "account", key, "next_reset", NextResetDate(now))
	}
	return nil
}

// Increment adds to both counters in a single additive update, so
// concurrent increments from parallel requests cannot lose updates.
func (s *Store) Increment(key string, requestDelta, tokenDelta int64) error {
	res, err := s.db.Exec(
		`UPDATE entitlements
		 SET requests_current = requests_current + ?, tokens_current = tokens_current + ?, updated_at = CURRENT_TIMESTAMP
		 WHERE account_id IN `+byKey,
		requestDelta, tokenDelta, key, key,
	)
	if err != nil {
		return unavailable("increment usage", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("increment rows", err)
	}
	if n == 0 {
		return fmt.Errorf("increment %s: %w", key, ErrNotFound)
	}
	s.logger.Debug("usage incremented", "account", key, "requests", requestDelta, "tokens", tokenDelta)
	return nil
}

// Change is a canonical entitlement update produced by the reconciler.
// A nil Receipt clears the stored purchase metadata. Counter limits are
// derived from the plan, never supplied by the caller.
type Change struct {
	Plan        Plan
	Status      Status
	Platform    Platform
	PeriodStart *time.Time
	PeriodEnd   *time.Time
	Receipt     *Receipt
}

// SetEntitlement replaces plan, status, platform, limits, validity window,
// and receipt metadata in one update. Used exclusively by the reconciler;
// usage counters and the reset schedule are left untouched.
func (s *Store) SetEntitlement(key string, c Change) error {
	limits := LimitsFor(c.Plan)

	var productID, transactionID, originalTransactionID sql.NullString
	var purchaseTime, expiryTime, lastValidated sql.NullTime
	if c.Receipt != nil {
		productID = sql.NullString{String: c.Receipt.ProductID, Valid: true}
		transactionID = sql.NullString{String: c.Receipt.TransactionID, Valid: true}
		originalTransactionID = sql.NullString{String: c.Receipt.OriginalTransactionID, Valid: true}
		purchaseTime = nullTime(c.Receipt.PurchaseTime)
		expiryTime = nullTime(c.Receipt.ExpiryTime)
		lastValidated = nullTime(c.Receipt.LastValidated)
	}

	res, err := s.db.Exec(
		`UPDATE entitlements
		 SET plan = ?, status = ?, platform = ?,
		     requests_limit = ?, tokens_limit = ?,
		     period_start = ?, period_end = ?,
		     product_id = ?, transaction_id = ?, original_transaction_id = ?,
		     purchase_time = ?, expiry_time = ?, last_validated = ?,
		     updated_at = CURRENT_TIMESTAMP
		 WHERE account_id IN `+byKey,
		c.Plan, c.Status, c.Platform,
		limits.Requests, limits.Tokens,
		nullTime(c.PeriodStart), nullTime(c.PeriodEnd),
		productID, transactionID, originalTransactionID,
		purchaseTime, expiryTime, lastValidated,
		key, key,
	)
	if err != nil {
		return unavailable("set entitlement", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("set entitlement rows", err)
	}
	if n == 0 {
		return fmt.Errorf("set entitlement %s: %w", key, ErrNotFound)
	}
	s.logger.Info("entitlement updated",
		"account", key, "plan", c.Plan, "status", c.Status, "platform", c.Platform,
		"period_end", c.PeriodEnd)
	return nil
}

// Summary returns the read-only usage view for status-reporting endpoints.
func (s *Store) Summary(key string) (*Summary, error) {
	e, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	return &Summary{
		Plan:      e.Plan,
		Status:    e.Status,
		Requests:  e.Usage.Requests,
		Tokens:    e.Usage.Tokens,
		ResetDate: e.ResetDate,
		PeriodEnd: e.PeriodEnd,
	}, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
