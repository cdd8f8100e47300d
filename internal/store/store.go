package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ncecere/usage_insights/internal/timeutil"
	"github.com/ncecere/usage_insights/internal/usage"
)

var (
	ErrAdminNotFound = errors.New("admin account not found")
	ErrAdminExists   = errors.New("admin account already exists")
)

// Store wraps the pgx pool with the repositories this service needs: the
// day-cache table, the key→user directory, and admin accounts.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for health checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

const dayColumns = `usage_date, raw_payload, model_breakdown, user_breakdown, provider_breakdown, totals, is_current_day, cached_at`

// GetDay loads one cache row. Returns (nil, nil) when the date has no row;
// freshness policy is the caller's concern.
func (s *Store) GetDay(ctx context.Context, date string) (*usage.CachedDay, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+dayColumns+`
		FROM daily_usage_cache
		WHERE usage_date = $1
	`, date)
	day, err := scanDay(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get cached day %s: %w", date, err)
	}
	return day, nil
}

// PutDay upserts one cache row, persisting the raw payload alongside the
// derived breakdowns so rebuilds can regenerate without refetching upstream.
func (s *Store) PutDay(ctx context.Context, day usage.CachedDay) error {
	raw, err := json.Marshal(day.Raw)
	if err != nil {
		return fmt.Errorf("marshal raw payload: %w", err)
	}
	models, err := json.Marshal(day.Enriched.Models)
	if err != nil {
		return fmt.Errorf("marshal model breakdown: %w", err)
	}
	users, err := json.Marshal(day.Enriched.Users)
	if err != nil {
		return fmt.Errorf("marshal user breakdown: %w", err)
	}
	providers, err := json.Marshal(day.Enriched.Providers)
	if err != nil {
		return fmt.Errorf("marshal provider breakdown: %w", err)
	}
	totals, err := json.Marshal(day.Enriched.Totals)
	if err != nil {
		return fmt.Errorf("marshal totals: %w", err)
	}

	cachedAt := day.CachedAt
	if cachedAt.IsZero() {
		cachedAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO daily_usage_cache (`+dayColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (usage_date) DO UPDATE SET
			raw_payload = EXCLUDED.raw_payload,
			model_breakdown = EXCLUDED.model_breakdown,
			user_breakdown = EXCLUDED.user_breakdown,
			provider_breakdown = EXCLUDED.provider_breakdown,
			totals = EXCLUDED.totals,
			is_current_day = EXCLUDED.is_current_day,
			cached_at = EXCLUDED.cached_at
	`, day.Date, raw, models, users, providers, totals, day.IsCurrentDay, cachedAt)
	if err != nil {
		return fmt.Errorf("upsert cached day %s: %w", day.Date, err)
	}
	return nil
}

// DeleteDay removes one cache row. Missing rows are not an error.
func (s *Store) DeleteDay(ctx context.Context, date string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM daily_usage_cache WHERE usage_date = $1`, date); err != nil {
		return fmt.Errorf("delete cached day %s: %w", date, err)
	}
	return nil
}

// ListDays returns the cached rows within [start, end] in ascending date
// order.
func (s *Store) ListDays(ctx context.Context, start, end string) ([]usage.CachedDay, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+dayColumns+`
		FROM daily_usage_cache
		WHERE usage_date >= $1 AND usage_date <= $2
		ORDER BY usage_date ASC
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("list cached days: %w", err)
	}
	defer rows.Close()

	var days []usage.CachedDay
	for rows.Next() {
		day, err := scanDay(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cached day: %w", err)
		}
		days = append(days, *day)
	}
	return days, rows.Err()
}

// ListCachedDates returns every cached calendar date, optionally bounded to
// [start, end], in ascending order.
func (s *Store) ListCachedDates(ctx context.Context, start, end string) ([]string, error) {
	query := `SELECT usage_date FROM daily_usage_cache`
	args := []any{}
	if start != "" && end != "" {
		query += ` WHERE usage_date >= $1 AND usage_date <= $2`
		args = append(args, start, end)
	}
	query += ` ORDER BY usage_date ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cached dates: %w", err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var date time.Time
		if err := rows.Scan(&date); err != nil {
			return nil, fmt.Errorf("scan cached date: %w", err)
		}
		dates = append(dates, timeutil.FormatDay(date))
	}
	return dates, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDay(row rowScanner) (*usage.CachedDay, error) {
	var (
		date                                time.Time
		raw, models, users, providers, tot  []byte
		isCurrentDay                        bool
		cachedAt                            time.Time
	)
	if err := row.Scan(&date, &raw, &models, &users, &providers, &tot, &isCurrentDay, &cachedAt); err != nil {
		return nil, err
	}

	day := usage.CachedDay{
		Date:         timeutil.FormatDay(date),
		IsCurrentDay: isCurrentDay,
		CachedAt:     cachedAt,
	}
	if err := json.Unmarshal(raw, &day.Raw); err != nil {
		return nil, fmt.Errorf("decode raw payload: %w", err)
	}
	day.Enriched.Date = day.Date
	if err := json.Unmarshal(models, &day.Enriched.Models); err != nil {
		return nil, fmt.Errorf("decode model breakdown: %w", err)
	}
	if err := json.Unmarshal(users, &day.Enriched.Users); err != nil {
		return nil, fmt.Errorf("decode user breakdown: %w", err)
	}
	if err := json.Unmarshal(providers, &day.Enriched.Providers); err != nil {
		return nil, fmt.Errorf("decode provider breakdown: %w", err)
	}
	if err := json.Unmarshal(tot, &day.Enriched.Totals); err != nil {
		return nil, fmt.Errorf("decode totals: %w", err)
	}
	return &day, nil
}

// ActiveKeyOwners returns the directory rows for every non-revoked api key,
// joined to the owning user. The stable hash is the match key; the alias is
// carried for display.
func (s *Store) ActiveKeyOwners(ctx context.Context) ([]usage.KeyOwner, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT k.key_hash, k.key_alias, k.key_name,
		       u.id, u.username, u.email, u.role
		FROM api_keys k
		JOIN users u ON u.id = k.user_id
		WHERE k.revoked_at IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("list active key owners: %w", err)
	}
	defer rows.Close()

	var owners []usage.KeyOwner
	for rows.Next() {
		var (
			owner  usage.KeyOwner
			userID uuid.UUID
		)
		if err := rows.Scan(&owner.KeyHash, &owner.KeyAlias, &owner.KeyName, &userID, &owner.Username, &owner.Email, &owner.Role); err != nil {
			return nil, fmt.Errorf("scan key owner: %w", err)
		}
		owner.UserID = userID.String()
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}

// AdminAccount is a row of the admin_accounts table.
type AdminAccount struct {
	ID           uuid.UUID
	Email        string
	Name         string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

func (s *Store) AdminByEmail(ctx context.Context, email string) (*AdminAccount, error) {
	return s.adminBy(ctx, `WHERE lower(email) = lower($1)`, email)
}

func (s *Store) AdminByID(ctx context.Context, id uuid.UUID) (*AdminAccount, error) {
	return s.adminBy(ctx, `WHERE id = $1`, id)
}

func (s *Store) adminBy(ctx context.Context, where string, arg any) (*AdminAccount, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, name, password_hash, role, created_at
		FROM admin_accounts `+where, arg)

	var acct AdminAccount
	if err := row.Scan(&acct.ID, &acct.Email, &acct.Name, &acct.PasswordHash, &acct.Role, &acct.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAdminNotFound
		}
		return nil, fmt.Errorf("load admin account: %w", err)
	}
	return &acct, nil
}

// CreateAdmin inserts a bootstrap admin account.
func (s *Store) CreateAdmin(ctx context.Context, acct AdminAccount) error {
	if acct.ID == uuid.Nil {
		acct.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO admin_accounts (id, email, name, password_hash, role)
		VALUES ($1, $2, $3, $4, $5)
	`, acct.ID, acct.Email, acct.Name, acct.PasswordHash, acct.Role)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAdminExists
		}
		return fmt.Errorf("create admin account: %w", err)
	}
	return nil
}
