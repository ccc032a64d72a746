package subscription

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/grainhero/accesscore/internal/dbtx"
	"github.com/grainhero/accesscore/internal/pagination"
	"github.com/grainhero/accesscore/internal/scope"
)

// PostgresStore persists subscriptions in PostgreSQL.
type PostgresStore struct {
	db dbtx.DB
}

// NewPostgresStore creates a subscription store over a pool or a transaction.
func NewPostgresStore(db dbtx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subColumns = `id, tenant_id, plan_id, plan_name, status, payment_status, customer_id, price_id,
	external_id, created_by, price_per_month, currency, features, usage, usage_updated_at,
	start_date, end_date, next_payment_date, cancelled_at, superseded_by, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, s *Subscription) error {
	features, err := json.Marshal(s.Features)
	if err != nil {
		return err
	}
	usage, err := json.Marshal(s.Usage)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, tenant_id, plan_id, plan_name, status, payment_status,
			customer_id, price_id, external_id, created_by, price_per_month, currency, features,
			usage, start_date, end_date, next_payment_date, cancelled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		s.ID, nullString(s.TenantID), s.PlanID, s.PlanName, string(s.Status), string(s.PaymentStatus),
		nullString(s.CustomerID), nullString(s.PriceID), nullString(s.ExternalID), nullString(s.CreatedBy),
		s.PricePerMonth, s.Currency, features, usage, s.StartDate, s.EndDate, s.NextPaymentDate,
		s.CancelledAt, s.CreatedAt, s.UpdatedAt,
	)
	if dbtx.IsUniqueViolation(err) {
		return ErrDuplicateExternal
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	return scanSubscription(p.db.QueryRowContext(ctx, `
		SELECT `+subColumns+` FROM subscriptions WHERE id = $1 AND deleted_at IS NULL`, id))
}

func (p *PostgresStore) GetByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	return scanSubscription(p.db.QueryRowContext(ctx, `
		SELECT `+subColumns+` FROM subscriptions WHERE external_id = $1`, externalID))
}

func (p *PostgresStore) Current(ctx context.Context, pred scope.Predicate) (*Subscription, error) {
	cond, args := pred.Where(Columns, scope.Filter{}, 1)
	return scanSubscription(p.db.QueryRowContext(ctx, `
		SELECT `+subColumns+` FROM subscriptions
		WHERE deleted_at IS NULL AND status NOT IN ('cancelled', 'expired') AND `+cond+`
		ORDER BY created_at DESC, id DESC LIMIT 1`, args...))
}

func (p *PostgresStore) ListByCustomer(ctx context.Context, customerID string) ([]*Subscription, error) {
	return p.query(ctx, `
		SELECT `+subColumns+` FROM subscriptions
		WHERE customer_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC, id DESC`, customerID)
}

func (p *PostgresStore) ListNonTerminal(ctx context.Context) ([]*Subscription, error) {
	return p.query(ctx, `
		SELECT `+subColumns+` FROM subscriptions
		WHERE deleted_at IS NULL AND status NOT IN ('cancelled', 'expired')
		ORDER BY created_at DESC, id DESC`)
}

func (p *PostgresStore) List(ctx context.Context, pred scope.Predicate, f scope.Filter, page pagination.Page) ([]*Subscription, int, error) {
	cond, args := pred.Where(Columns, f, 1)

	var total int
	if err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM subscriptions WHERE deleted_at IS NULL AND `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	args = append(args, page.Limit, page.Offset())
	items, err := p.query(ctx, fmt.Sprintf(`
		SELECT `+subColumns+` FROM subscriptions
		WHERE deleted_at IS NULL AND %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, cond, n+1, n+2), args...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (p *PostgresStore) Summarize(ctx context.Context, pred scope.Predicate) (*Summary, error) {
	cond, args := pred.Where(Columns, scope.Filter{}, 1)
	rows, err := p.db.QueryContext(ctx, `
		SELECT plan_id, status, COUNT(*), COALESCE(SUM(price_per_month), 0)
		FROM subscriptions WHERE deleted_at IS NULL AND `+cond+`
		GROUP BY plan_id, status`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	sum := &Summary{PlansDistribution: map[string]int{}}
	for rows.Next() {
		var (
			planID, status string
			count          int
			revenue        int64
		)
		if err := rows.Scan(&planID, &status, &count, &revenue); err != nil {
			return nil, err
		}
		sum.TotalSubscriptions += count
		sum.TotalRevenue += revenue
		sum.PlansDistribution[planID] += count
		switch Status(status) {
		case StatusActive:
			sum.Active += count
		case StatusTrialing:
			sum.Trialing += count
		case StatusPastDue:
			sum.PastDue += count
		case StatusCancelled:
			sum.Cancelled += count
		case StatusExpired:
			sum.Expired += count
		}
	}
	return sum, rows.Err()
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from, to Status, patch Patch) error {
	sets := []string{"status = $1", "updated_at = NOW()"}
	args := []any{string(to)}
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.PaymentStatus != nil {
		set("payment_status", string(*patch.PaymentStatus))
	}
	if patch.EndDate != nil {
		set("end_date", *patch.EndDate)
	}
	if patch.NextPaymentDate != nil {
		set("next_payment_date", *patch.NextPaymentDate)
	}
	if patch.CancelledAt != nil {
		set("cancelled_at", *patch.CancelledAt)
	}
	if patch.SupersededBy != nil {
		set("superseded_by", *patch.SupersededBy)
	}
	if patch.Plan != nil {
		features, err := json.Marshal(patch.Plan.Quotas)
		if err != nil {
			return err
		}
		set("plan_id", patch.Plan.ID)
		set("plan_name", patch.Plan.Name)
		set("price_id", patch.Plan.PriceID)
		set("price_per_month", patch.Plan.PricePerMonth)
		set("currency", patch.Plan.Currency)
		set("features", features)
	}

	args = append(args, id, string(from))
	result, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE subscriptions SET %s
		WHERE id = $%d AND status = $%d AND deleted_at IS NULL`,
		strings.Join(sets, ", "), len(args)-1, len(args)), args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}

	// Distinguish a missing record from a lost race.
	if _, err := p.Get(ctx, id); err != nil {
		return err
	}
	return ErrStaleState
}

func (p *PostgresStore) SaveUsage(ctx context.Context, id string, u Usage, at time.Time) error {
	usage, err := json.Marshal(u)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions SET usage = $1, usage_updated_at = $2
		WHERE id = $3 AND deleted_at IS NULL`, usage, at, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (*Subscription, error) {
	s := &Subscription{}
	var (
		status, paymentStatus                           string
		tenantID, customerID, priceID, extID, createdBy sql.NullString
		supersededBy                                    sql.NullString
		features, usage                                 []byte
		usageAt, endDate, nextPayment, cancelledAt      sql.NullTime
	)
	err := row.Scan(&s.ID, &tenantID, &s.PlanID, &s.PlanName, &status, &paymentStatus, &customerID,
		&priceID, &extID, &createdBy, &s.PricePerMonth, &s.Currency, &features, &usage, &usageAt,
		&s.StartDate, &endDate, &nextPayment, &cancelledAt, &supersededBy, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Status = Status(status)
	s.PaymentStatus = PaymentStatus(paymentStatus)
	s.TenantID = tenantID.String
	s.CustomerID = customerID.String
	s.PriceID = priceID.String
	s.ExternalID = extID.String
	s.CreatedBy = createdBy.String
	s.SupersededBy = supersededBy.String
	if len(features) > 0 {
		if err := json.Unmarshal(features, &s.Features); err != nil {
			return nil, fmt.Errorf("decode features of %s: %w", s.ID, err)
		}
	}
	if len(usage) > 0 {
		_ = json.Unmarshal(usage, &s.Usage) // a corrupt snapshot reads as zero usage
	}
	s.UsageUpdatedAt = timePtr(usageAt)
	s.EndDate = timePtr(endDate)
	s.NextPaymentDate = timePtr(nextPayment)
	s.CancelledAt = timePtr(cancelledAt)
	return s, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
