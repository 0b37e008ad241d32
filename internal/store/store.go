package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PortNumber53/saas-starter/backend/internal/models"
)

const defaultPageSize = 200

var (
	ErrUserNotFound         = errors.New("store: user not found")
	ErrCustomerNotFound     = errors.New("store: customer not found")
	ErrCustomerConflict     = errors.New("store: user already mapped to a different customer")
	ErrSubscriptionNotFound = errors.New("store: subscription not found")
	ErrPriceNotFound        = errors.New("store: price not found")
)

// Store provides database-backed accessors for application data.
type Store struct {
	db *sql.DB
}

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db}, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const userColumns = `id::text, email, name, avatar_url, role, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		u      models.User
		email  sql.NullString
		name   sql.NullString
		avatar sql.NullString
		role   string
	)
	if err := row.Scan(&u.ID, &email, &name, &avatar, &role, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Email = nullStringPtr(email)
	u.Name = nullStringPtr(name)
	u.AvatarURL = nullStringPtr(avatar)
	u.Role = models.Role(role)
	return &u, nil
}

// ListUsers returns up to `limit` users ordered by creation time descending.
func (s *Store) ListUsers(ctx context.Context, limit int) ([]models.User, error) {
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT `+userColumns+`
FROM users
ORDER BY created_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan user: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate users: %w", err)
	}

	return users, nil
}

// GetUserByID returns the user with the given id or ErrUserNotFound.
func (s *Store) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrUserNotFound
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("store: get user by id: %w", err)
	}
	return u, nil
}

// GetUserByEmail looks a user up case-insensitively by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, ErrUserNotFound
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1) LIMIT 1`, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("store: get user by email: %w", err)
	}
	return u, nil
}

// UpsertGoogleUser provisions the local user for a Google sign-in. An
// existing user with the same email is reused so that identities merge.
func (s *Store) UpsertGoogleUser(ctx context.Context, user models.GoogleAuthUser) (*models.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin upsert google user tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var existingID string
	if user.Email != nil && *user.Email != "" {
		err := tx.QueryRowContext(ctx,
			`SELECT id::text FROM users WHERE LOWER(email) = LOWER($1) LIMIT 1`,
			*user.Email,
		).Scan(&existingID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: lookup user by email: %w", err)
		}
	}

	var out *models.User
	if existingID == "" {
		out, err = scanUser(tx.QueryRowContext(ctx, `
INSERT INTO users (id, email, name, avatar_url, provider, provider_account_id)
VALUES ($1, $2, $3, $4, 'google', $5)
ON CONFLICT (provider, provider_account_id) DO UPDATE
SET email = EXCLUDED.email,
    name = EXCLUDED.name,
    avatar_url = EXCLUDED.avatar_url,
    updated_at = now()
RETURNING `+userColumns,
			uuid.NewString(),
			user.Email,
			user.Name,
			user.AvatarURL,
			user.Sub,
		))
		if err != nil {
			return nil, fmt.Errorf("store: upsert users by provider/account (google): %w", err)
		}
	} else {
		out, err = scanUser(tx.QueryRowContext(ctx, `
UPDATE users
SET name = COALESCE($2, name),
    avatar_url = COALESCE(avatar_url, $3),
    provider = CASE WHEN provider = '' THEN 'google' ELSE provider END,
    provider_account_id = CASE WHEN provider_account_id = '' THEN $4 ELSE provider_account_id END,
    updated_at = now()
WHERE id = $1
RETURNING `+userColumns,
			existingID,
			user.Name,
			user.AvatarURL,
			user.Sub,
		))
		if err != nil {
			return nil, fmt.Errorf("store: update existing user by email (google): %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit upsert google user tx: %w", err)
	}
	return out, nil
}

// UpdateUserRole sets the user's role and reports whether the stored value
// changed. Administrators are never re-roled.
func (s *Store) UpdateUserRole(ctx context.Context, userID string, role models.Role) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE users
SET role = $2, updated_at = now()
WHERE id = $1 AND role <> $2 AND role <> 'ADMIN'`, userID, string(role))
	if err != nil {
		return false, fmt.Errorf("store: update user role: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: update user role rows affected: %w", err)
	}
	return n > 0, nil
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

func nullInt64Ptr(value sql.NullInt64) *int64 {
	if !value.Valid {
		return nil
	}
	v := value.Int64
	return &v
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	v := value.Time
	return &v
}
