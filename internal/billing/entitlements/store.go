package entitlements

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrAccountNotFound is returned when a write targets an unknown tenant.
	ErrAccountNotFound = errors.New("account not found")
	// ErrOwnerMismatch is returned when a merge names a different tenant than
	// the one that owns the stored projection.
	ErrOwnerMismatch = errors.New("subscription owned by another tenant")
)

// Store persists tenant accounts, the plan catalog and subscription
// projections in SQLite. Each projection is a single row, so a merge is one
// single-row transaction.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the entitlement database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create entitlement store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "entitlements.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open entitlement db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id                  TEXT PRIMARY KEY,
		email               TEXT NOT NULL DEFAULT '',
		stripe_customer_id  TEXT NOT NULL DEFAULT '',
		is_vip              INTEGER NOT NULL DEFAULT 0,
		vip_instance_limit  INTEGER,
		created_at          INTEGER NOT NULL,
		updated_at          INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_stripe_customer_id ON accounts(stripe_customer_id);

	CREATE TABLE IF NOT EXISTS plans (
		id                TEXT PRIMARY KEY,
		name              TEXT NOT NULL DEFAULT '',
		monthly_price     REAL NOT NULL DEFAULT 0,
		yearly_price      REAL NOT NULL DEFAULT 0,
		features          TEXT NOT NULL DEFAULT '[]',
		is_trial          INTEGER NOT NULL DEFAULT 0,
		trial_days        INTEGER NOT NULL DEFAULT 0,
		is_active         INTEGER NOT NULL DEFAULT 0,
		is_coming_soon    INTEGER NOT NULL DEFAULT 0,
		is_addon          INTEGER NOT NULL DEFAULT 0,
		monthly_price_id  TEXT NOT NULL DEFAULT '',
		yearly_price_id   TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id                    TEXT PRIMARY KEY,
		user_id               TEXT NOT NULL,
		status                TEXT NOT NULL DEFAULT '',
		plan_id               TEXT NOT NULL DEFAULT '',
		price_ids             TEXT NOT NULL DEFAULT '[]',
		items                 TEXT NOT NULL DEFAULT '[]',
		current_period_end    INTEGER,
		created               INTEGER NOT NULL DEFAULT 0,
		cancel_at_period_end  INTEGER NOT NULL DEFAULT 0,
		stripe_customer_id    TEXT NOT NULL DEFAULT '',
		updated_at            INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_user_id ON subscriptions(user_id);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(status);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init entitlement schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---------- accounts ----------

// CreateAccount inserts a tenant account.
func (s *Store) CreateAccount(ctx context.Context, a *Account) error {
	if a == nil || strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("account id is required")
	}
	now := s.now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, stripe_customer_id, is_vip, vip_instance_limit, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Email, a.ProviderCustomerID, boolToInt(a.IsVIP), nullableInt(a.VIPInstanceLimit),
		a.CreatedAt.Unix(), a.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// GetAccount retrieves a tenant account by ID. It returns nil, nil when absent.
func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT
		id, email, stripe_customer_id, is_vip, vip_instance_limit, created_at, updated_at
		FROM accounts WHERE id = ?`, id)

	var a Account
	var isVIP int
	var vipLimit sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(&a.ID, &a.Email, &a.ProviderCustomerID, &isVIP, &vipLimit, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.IsVIP = isVIP != 0
	if vipLimit.Valid {
		limit := int(vipLimit.Int64)
		a.VIPInstanceLimit = &limit
	}
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &a, nil
}

// SetProviderCustomerID records the provider customer for a tenant. Writing the
// same value again is a no-op.
func (s *Store) SetProviderCustomerID(ctx context.Context, accountID, customerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET stripe_customer_id = ?, updated_at = ?
		WHERE id = ? AND stripe_customer_id != ?`,
		customerID, s.now().Unix(), accountID, customerID,
	)
	if err != nil {
		return fmt.Errorf("set provider customer id: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}

	a, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return nil
}

// ---------- plans ----------

// UpsertPlan creates or replaces a catalog entry.
func (s *Store) UpsertPlan(ctx context.Context, p *Plan) error {
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("plan id is required")
	}
	features, err := json.Marshal(nonNilStrings(p.Features))
	if err != nil {
		return fmt.Errorf("encode plan features: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plans (
			id, name, monthly_price, yearly_price, features,
			is_trial, trial_days, is_active, is_coming_soon, is_addon,
			monthly_price_id, yearly_price_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			monthly_price = excluded.monthly_price,
			yearly_price = excluded.yearly_price,
			features = excluded.features,
			is_trial = excluded.is_trial,
			trial_days = excluded.trial_days,
			is_active = excluded.is_active,
			is_coming_soon = excluded.is_coming_soon,
			is_addon = excluded.is_addon,
			monthly_price_id = excluded.monthly_price_id,
			yearly_price_id = excluded.yearly_price_id`,
		p.ID, p.Name, p.MonthlyPrice, p.YearlyPrice, string(features),
		boolToInt(p.IsTrial), p.TrialDays, boolToInt(p.IsActive), boolToInt(p.IsComingSoon), boolToInt(p.IsAddon),
		p.MonthlyPriceID, p.YearlyPriceID,
	)
	if err != nil {
		return fmt.Errorf("upsert plan: %w", err)
	}
	return nil
}

const planColumns = `id, name, monthly_price, yearly_price, features,
	is_trial, trial_days, is_active, is_coming_soon, is_addon,
	monthly_price_id, yearly_price_id`

// GetPlan retrieves a catalog entry. It returns nil, nil when absent.
func (s *Store) GetPlan(ctx context.Context, id string) (*Plan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id)
	return scanPlan(row)
}

// ListPlans returns the whole catalog ordered by ID.
func (s *Store) ListPlans(ctx context.Context) ([]*Plan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+planColumns+` FROM plans ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// ---------- subscriptions ----------

const subscriptionColumns = `id, user_id, status, plan_id, price_ids, items,
	current_period_end, created, cancel_at_period_end, stripe_customer_id, updated_at`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// GetSubscription retrieves a projection by provider subscription ID. It
// returns nil, nil when absent.
func (s *Store) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	return getSubscription(ctx, s.db, id)
}

func getSubscription(ctx context.Context, q queryer, id string) (*Subscription, error) {
	row := q.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
	return scanSubscription(row)
}

// ListSubscriptionsByUser returns every projection a tenant owns, newest first.
func (s *Store) ListSubscriptionsByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE user_id = ? ORDER BY created DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions by user: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// ListSubscriptionsByStatus returns projections across all tenants whose status
// is one of statuses.
func (s *Store) ListSubscriptionsByStatus(ctx context.Context, statuses ...string) ([]*Subscription, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE status IN (`+placeholders+`) ORDER BY user_id, created DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions by status: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// FindCurrentSubscription returns the tenant's newest trialing or active
// projection, or nil when there is none.
func (s *Store) FindCurrentSubscription(ctx context.Context, userID string) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE user_id = ? AND status IN (?, ?)
		ORDER BY created DESC, id LIMIT 1`, userID, StatusActive, StatusTrialing)
	return scanSubscription(row)
}

// CountByStatus returns a map of status -> count.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM subscriptions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count subscriptions by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// MergeSubscription applies patch to the projection keyed by patch.ID,
// creating it when absent. Fields left nil in the patch keep their stored
// values. UpdatedAt only moves when the stored content changes, so replaying
// the same patch leaves the projection byte-for-byte identical.
func (s *Store) MergeSubscription(ctx context.Context, patch SubscriptionPatch) (MergeResult, error) {
	patch.ID = strings.TrimSpace(patch.ID)
	patch.UserID = strings.TrimSpace(patch.UserID)
	if patch.ID == "" || patch.UserID == "" {
		return MergeResult{}, fmt.Errorf("merge subscription: id and user id are required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MergeResult{}, fmt.Errorf("begin merge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := getSubscription(ctx, tx, patch.ID)
	if err != nil {
		return MergeResult{}, err
	}
	if prev != nil && prev.UserID != patch.UserID {
		return MergeResult{}, fmt.Errorf("%w: %s belongs to %s, not %s", ErrOwnerMismatch, patch.ID, prev.UserID, patch.UserID)
	}

	next := applyPatch(prev, patch)
	if prev != nil && sameContent(prev, next) {
		if err := tx.Commit(); err != nil {
			return MergeResult{}, fmt.Errorf("commit merge: %w", err)
		}
		return MergeResult{Previous: prev, Current: prev, Changed: false}, nil
	}

	next.UpdatedAt = s.now().Truncate(time.Second)
	priceIDs, err := json.Marshal(next.PriceIDs)
	if err != nil {
		return MergeResult{}, fmt.Errorf("encode price ids: %w", err)
	}
	items, err := json.Marshal(next.Items)
	if err != nil {
		return MergeResult{}, fmt.Errorf("encode items: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			plan_id = excluded.plan_id,
			price_ids = excluded.price_ids,
			items = excluded.items,
			current_period_end = excluded.current_period_end,
			created = excluded.created,
			cancel_at_period_end = excluded.cancel_at_period_end,
			stripe_customer_id = excluded.stripe_customer_id,
			updated_at = excluded.updated_at`,
		next.ID, next.UserID, next.Status, next.PlanID, string(priceIDs), string(items),
		nullableTimeUnix(next.CurrentPeriodEnd), next.Created.Unix(), boolToInt(next.CancelAtPeriodEnd),
		next.StripeCustomerID, next.UpdatedAt.Unix(),
	)
	if err != nil {
		return MergeResult{}, fmt.Errorf("write subscription %s: %w", next.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return MergeResult{}, fmt.Errorf("commit merge: %w", err)
	}
	return MergeResult{Previous: prev, Current: next, Changed: true}, nil
}

func applyPatch(prev *Subscription, patch SubscriptionPatch) *Subscription {
	var next Subscription
	if prev != nil {
		next = *prev
		next.PriceIDs = slices.Clone(prev.PriceIDs)
		next.Items = slices.Clone(prev.Items)
	} else {
		next = Subscription{ID: patch.ID, UserID: patch.UserID, PriceIDs: []string{}, Items: []SubscriptionItem{}}
	}

	// A late event must not revive a subscription the provider already ended.
	if patch.Status != nil && (!IsTerminalStatus(next.Status) || IsTerminalStatus(*patch.Status)) {
		next.Status = *patch.Status
	}
	if patch.PlanID != nil {
		next.PlanID = *patch.PlanID
	}
	if patch.PriceIDs != nil {
		next.PriceIDs = slices.Clone(patch.PriceIDs)
	}
	if patch.Items != nil {
		next.Items = slices.Clone(patch.Items)
	}
	if patch.CurrentPeriodEnd != nil {
		ts := patch.CurrentPeriodEnd.UTC().Truncate(time.Second)
		next.CurrentPeriodEnd = &ts
	}
	if patch.Created != nil {
		next.Created = patch.Created.UTC().Truncate(time.Second)
	}
	if patch.CancelAtPeriodEnd != nil {
		next.CancelAtPeriodEnd = *patch.CancelAtPeriodEnd
	}
	if patch.StripeCustomerID != nil {
		next.StripeCustomerID = *patch.StripeCustomerID
	}
	return &next
}

func sameContent(a, b *Subscription) bool {
	return a.ID == b.ID &&
		a.UserID == b.UserID &&
		a.Status == b.Status &&
		a.PlanID == b.PlanID &&
		slices.Equal(a.PriceIDs, b.PriceIDs) &&
		slices.Equal(a.Items, b.Items) &&
		sameTime(a.CurrentPeriodEnd, b.CurrentPeriodEnd) &&
		a.Created.Equal(b.Created) &&
		a.CancelAtPeriodEnd == b.CancelAtPeriodEnd &&
		a.StripeCustomerID == b.StripeCustomerID
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(s scanner) (*Subscription, error) {
	var sub Subscription
	var priceIDs, items string
	var periodEnd sql.NullInt64
	var created, updatedAt int64
	var cancelAtPeriodEnd int

	err := s.Scan(
		&sub.ID, &sub.UserID, &sub.Status, &sub.PlanID, &priceIDs, &items,
		&periodEnd, &created, &cancelAtPeriodEnd, &sub.StripeCustomerID, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}

	if err := json.Unmarshal([]byte(priceIDs), &sub.PriceIDs); err != nil {
		return nil, fmt.Errorf("decode price ids for %s: %w", sub.ID, err)
	}
	if err := json.Unmarshal([]byte(items), &sub.Items); err != nil {
		return nil, fmt.Errorf("decode items for %s: %w", sub.ID, err)
	}
	sub.PriceIDs = nonNilStrings(sub.PriceIDs)
	if sub.Items == nil {
		sub.Items = []SubscriptionItem{}
	}
	if periodEnd.Valid {
		ts := time.Unix(periodEnd.Int64, 0).UTC()
		sub.CurrentPeriodEnd = &ts
	}
	sub.Created = time.Unix(created, 0).UTC()
	sub.CancelAtPeriodEnd = cancelAtPeriodEnd != 0
	sub.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sub, nil
}

func scanSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func scanPlan(s scanner) (*Plan, error) {
	var p Plan
	var features string
	var isTrial, isActive, isComingSoon, isAddon int

	err := s.Scan(
		&p.ID, &p.Name, &p.MonthlyPrice, &p.YearlyPrice, &features,
		&isTrial, &p.TrialDays, &isActive, &isComingSoon, &isAddon,
		&p.MonthlyPriceID, &p.YearlyPriceID,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	if err := json.Unmarshal([]byte(features), &p.Features); err != nil {
		return nil, fmt.Errorf("decode features for plan %s: %w", p.ID, err)
	}
	p.Features = nonNilStrings(p.Features)
	p.IsTrial = isTrial != 0
	p.IsActive = isActive != 0
	p.IsComingSoon = isComingSoon != 0
	p.IsAddon = isAddon != 0
	return &p, nil
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
