package tenant

import (
	"context"
	"database/sql"
	"errors"

	"github.com/grainhero/accesscore/internal/dbtx"
)

// PostgresStore persists tenants and users in PostgreSQL.
type PostgresStore struct {
	db dbtx.DB
}

// NewPostgresStore creates a tenant store over a pool or a transaction.
func NewPostgresStore(db dbtx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const userColumns = `id, email, name, role, tenant_id, owned_tenant_id, customer_id, price_id,
	access, created_at, updated_at, deleted_at`

func (p *PostgresStore) CreateTenant(ctx context.Context, t *Tenant) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, owner_user_id, email, business_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.Name, nullString(t.OwnerUserID), nullString(t.Email), nullString(t.BusinessType),
		t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	t := &Tenant{}
	var owner, email, business sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, owner_user_id, email, business_type, created_at, updated_at
		FROM tenants WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &owner, &email, &business, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	t.OwnerUserID = owner.String
	t.Email = email.String
	t.BusinessType = business.String
	return t, nil
}

func (p *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	access := u.Access
	if access == "" {
		access = AccessNone
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, role, tenant_id, owned_tenant_id, customer_id, price_id,
			access, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		u.ID, NormalizeEmail(u.Email), u.Name, string(u.Role), nullString(u.TenantID),
		nullString(u.OwnedTenantID), nullString(u.CustomerID), nullString(u.PriceID),
		access, u.CreatedAt, u.UpdatedAt,
	)
	if dbtx.IsUniqueViolation(err) {
		return ErrEmailTaken
	}
	return err
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	return scanUser(p.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE id = $1 AND deleted_at IS NULL`, id))
}

func (p *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(p.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE email = $1 AND deleted_at IS NULL`, NormalizeEmail(email)))
}

func (p *PostgresStore) GetUserByCustomerID(ctx context.Context, customerID string) (*User, error) {
	if customerID == "" {
		return nil, ErrUserNotFound
	}
	return scanUser(p.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE customer_id = $1 AND deleted_at IS NULL
		ORDER BY created_at, id LIMIT 1`, customerID))
}

func (p *PostgresStore) SetAccess(ctx context.Context, userID string, a Access) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE users SET access = $1, customer_id = $2, price_id = $3, updated_at = NOW()
		WHERE id = $4 AND deleted_at IS NULL`,
		a.Plan, nullString(a.CustomerID), nullString(a.PriceID), userID,
	)
	return expectRow(result, err, ErrUserNotFound)
}

func (p *PostgresStore) LinkTenant(ctx context.Context, userID, tenantID string, owner bool) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE users SET tenant_id = $1,
			owned_tenant_id = CASE WHEN $2 THEN $1 ELSE owned_tenant_id END,
			updated_at = NOW()
		WHERE id = $3 AND deleted_at IS NULL`,
		tenantID, owner, userID,
	)
	return expectRow(result, err, ErrUserNotFound)
}

func (p *PostgresStore) ListAdmins(ctx context.Context, tenantID string) ([]*User, error) {
	return p.queryUsers(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE role = 'admin' AND deleted_at IS NULL
		  AND (tenant_id = $1 OR owned_tenant_id = $1)
		ORDER BY created_at, id`, tenantID)
}

func (p *PostgresStore) ListWithAccess(ctx context.Context) ([]*User, error) {
	return p.queryUsers(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE deleted_at IS NULL AND access <> 'none'
		ORDER BY created_at, id`)
}

func (p *PostgresStore) LockTenant(ctx context.Context, tenantID string) error {
	var id string
	err := p.db.QueryRowContext(ctx, `SELECT id FROM tenants WHERE id = $1 FOR UPDATE`, tenantID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTenantNotFound
	}
	return err
}

func (p *PostgresStore) CountMembers(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM users
		WHERE tenant_id = $1 AND deleted_at IS NULL
		  AND role IN ('manager', 'technician')`, tenantID).Scan(&n)
	return n, err
}

func (p *PostgresStore) queryUsers(ctx context.Context, query string, args ...any) ([]*User, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*User, error) {
	u := &User{}
	var (
		role                                   string
		tenantID, ownedID, customerID, priceID sql.NullString
		deletedAt                              sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &role, &tenantID, &ownedID, &customerID, &priceID,
		&u.Access, &u.CreatedAt, &u.UpdatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Role = Role(role)
	u.TenantID = tenantID.String
	u.OwnedTenantID = ownedID.String
	u.CustomerID = customerID.String
	u.PriceID = priceID.String
	if deletedAt.Valid {
		u.DeletedAt = &deletedAt.Time
	}
	return u, nil
}

func expectRow(result sql.Result, err error, notFound error) error {
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
