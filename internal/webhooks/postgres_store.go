package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/grainhero/accesscore/internal/dbtx"
	"github.com/grainhero/accesscore/internal/pagination"
	"github.com/grainhero/accesscore/internal/subscription"
	"github.com/grainhero/accesscore/internal/tenant"
)

// PostgresStore persists event records in the webhook_events table.
type PostgresStore struct {
	db dbtx.DB
}

// NewPostgresStore creates an event store over a pool or a transaction.
func NewPostgresStore(db dbtx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const eventColumns = `id, type, outcome, attempts, error, subscription_id, payload, received_at, claimed_at, processed_at`

func (p *PostgresStore) Claim(ctx context.Context, ev *Event, staleBefore time.Time) (*Event, bool, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, type, outcome, attempts, payload, received_at, claimed_at)
		VALUES ($1, $2, 'processing', 1, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Type, ev.Payload, ev.ReceivedAt, ev.ClaimedAt,
	)
	if err != nil {
		return nil, false, err
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, false, err
	} else if n == 1 {
		cp := *ev
		cp.Outcome, cp.Attempts = OutcomeProcessing, 1
		return &cp, true, nil
	}

	// Take over a claim whose holder presumably crashed.
	taken, err := scanEvent(p.db.QueryRowContext(ctx, `
		UPDATE webhook_events SET claimed_at = $2, attempts = attempts + 1
		WHERE id = $1 AND outcome = 'processing' AND claimed_at < $3
		RETURNING `+eventColumns, ev.ID, ev.ClaimedAt, staleBefore))
	if err == nil {
		return taken, true, nil
	}
	if !errors.Is(err, ErrEventNotFound) {
		return nil, false, err
	}

	existing, err := p.Get(ctx, ev.ID)
	if errors.Is(err, ErrEventNotFound) {
		// Released between the insert and the read: let the caller retry.
		return &Event{ID: ev.ID, Type: ev.Type, Outcome: OutcomeProcessing}, false, nil
	}
	return existing, false, err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Event, error) {
	return scanEvent(p.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE id = $1`, id))
}

func (p *PostgresStore) Finish(ctx context.Context, id string, outcome Outcome, subscriptionID, errMsg string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET outcome = $2, subscription_id = $3, error = $4, processed_at = $5
		WHERE id = $1 AND outcome = 'processing'`,
		id, string(outcome), nullString(subscriptionID), nullString(errMsg), at,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrClaimLost
	}
	return nil
}

func (p *PostgresStore) Release(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM webhook_events WHERE id = $1 AND outcome = 'processing'`, id)
	return err
}

func (p *PostgresStore) Reopen(ctx context.Context, id string, at time.Time) (*Event, error) {
	ev, err := scanEvent(p.db.QueryRowContext(ctx, `
		UPDATE webhook_events
		SET outcome = 'processing', claimed_at = $2, attempts = attempts + 1, error = NULL
		WHERE id = $1 AND outcome = 'failed'
		RETURNING `+eventColumns, id, at))
	if !errors.Is(err, ErrEventNotFound) {
		return ev, err
	}
	if _, err := p.Get(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrNotReplayable
}

func (p *PostgresStore) List(ctx context.Context, outcome Outcome, page pagination.Page) ([]*Event, int, error) {
	var total int
	if err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM webhook_events WHERE $1 = '' OR outcome = $1`, string(outcome)).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM webhook_events
		WHERE $1 = '' OR outcome = $1
		ORDER BY received_at DESC, id DESC
		LIMIT $2 OFFSET $3`, string(outcome), page.Limit, page.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, ev)
	}
	return out, total, rows.Err()
}

func (p *PostgresStore) CountByOutcome(ctx context.Context, outcome Outcome) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_events WHERE outcome = $1`, string(outcome)).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*Event, error) {
	ev := &Event{}
	var (
		outcome       string
		errMsg, subID sql.NullString
		processedAt   sql.NullTime
	)
	err := row.Scan(&ev.ID, &ev.Type, &outcome, &ev.Attempts, &errMsg, &subID, &ev.Payload,
		&ev.ReceivedAt, &ev.ClaimedAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	ev.Outcome = Outcome(outcome)
	ev.Error = errMsg.String
	ev.SubscriptionID = subID.String
	if processedAt.Valid {
		t := processedAt.Time
		ev.ProcessedAt = &t
	}
	return ev, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// PostgresUnitOfWork runs each unit of work in one database transaction.
type PostgresUnitOfWork struct {
	db *sql.DB
}

// NewPostgresUnitOfWork creates a transactional unit of work.
func NewPostgresUnitOfWork(db *sql.DB) *PostgresUnitOfWork {
	return &PostgresUnitOfWork{db: db}
}

func (u *PostgresUnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return dbtx.WithTx(ctx, u.db, func(tx dbtx.DB) error {
		return fn(ctx, Tx{
			Tenants:       tenant.NewPostgresStore(tx),
			Subscriptions: subscription.NewPostgresStore(tx),
			Events:        NewPostgresStore(tx),
		})
	})
}

var (
	_ EventStore = (*PostgresStore)(nil)
	_ UnitOfWork = (*PostgresUnitOfWork)(nil)
)
