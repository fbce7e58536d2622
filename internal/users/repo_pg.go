package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type PGRepo struct {
	DB *sql.DB
}

func (r *PGRepo) Upsert(ctx context.Context, user User) error {
	const query = `
INSERT INTO users (id, email, tier, daily_token_limit, unrestricted, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, now(), now())
ON CONFLICT (id) DO UPDATE SET
  email = EXCLUDED.email,
  tier = EXCLUDED.tier,
  daily_token_limit = EXCLUDED.daily_token_limit,
  unrestricted = EXCLUDED.unrestricted,
  updated_at = now()`
	tier := user.Tier
	if tier == "" {
		tier = "free"
	}
	_, err := r.DB.ExecContext(ctx, query,
		user.ID,
		nullableString(user.Email),
		tier,
		nullableInt64(user.DailyTokenLimit),
		user.Unrestricted,
	)
	return err
}

func (r *PGRepo) GetByID(ctx context.Context, userID string) (User, error) {
	const query = `
SELECT id, email, tier, daily_token_limit, unrestricted, created_at, updated_at
FROM users
WHERE id = $1
LIMIT 1`
	var user User
	var email sql.NullString
	var limit sql.NullInt64
	err := r.DB.QueryRowContext(ctx, query, userID).Scan(
		&user.ID,
		&email,
		&user.Tier,
		&limit,
		&user.Unrestricted,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	if email.Valid {
		user.Email = email.String
	}
	if limit.Valid {
		v := limit.Int64
		user.DailyTokenLimit = &v
	}
	return user, nil
}

// SetProviderKey stores a key, creating a bare user row when none exists.
func (r *PGRepo) SetProviderKey(ctx context.Context, userID, provider, apiKey string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, userID); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	const query = `
INSERT INTO user_provider_keys (user_id, provider, api_key, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (user_id, provider) DO UPDATE SET
  api_key = EXCLUDED.api_key,
  updated_at = now()`
	if _, err := tx.ExecContext(ctx, query, userID, provider, apiKey); err != nil {
		return fmt.Errorf("store provider key: %w", err)
	}
	return tx.Commit()
}

func (r *PGRepo) ProviderKeys(ctx context.Context, userID string) (map[string]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT provider, api_key FROM user_provider_keys WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var provider, key string
		if err := rows.Scan(&provider, &key); err != nil {
			return nil, err
		}
		out[provider] = key
	}
	return out, rows.Err()
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableInt64(value *int64) any {
	if value == nil {
		return nil
	}
	return *value
}
