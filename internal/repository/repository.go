package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"mentorhub/auth/internal/model"
)

// ErrEmailTaken is returned when a user insert hits the unique email index.
var ErrEmailTaken = errors.New("email_taken")

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	var user model.User
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, display_name, role, token_version, created_at, updated_at
		FROM users
		WHERE email = $1
	`, email)
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.DisplayName,
		&user.Role,
		&user.TokenVersion,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	return user, err
}

func (s *Store) GetUserByID(ctx context.Context, userID string) (model.User, error) {
	var user model.User
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, display_name, role, token_version, created_at, updated_at
		FROM users
		WHERE id = $1
	`, userID)
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.DisplayName,
		&user.Role,
		&user.TokenVersion,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	return user, err
}

func (s *Store) CreateUser(ctx context.Context, user model.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email, password_hash, display_name, role, token_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, user.ID, user.Email, user.PasswordHash, user.DisplayName, user.Role, user.TokenVersion, user.CreatedAt, user.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrEmailTaken
	}
	return err
}

func (s *Store) UpdatePassword(ctx context.Context, userID, passwordHash string, updatedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET password_hash = $1, updated_at = $2 WHERE id = $3
	`, passwordHash, updatedAt, userID)
	return err
}

// BumpTokenVersion invalidates every outstanding refresh token for the user
// in one atomic statement.
func (s *Store) BumpTokenVersion(ctx context.Context, userID string, updatedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET token_version = token_version + 1, updated_at = $1 WHERE id = $2
	`, updatedAt, userID)
	return err
}

func (s *Store) CreateRefreshTokenID(ctx context.Context, tokenID, userID string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO refresh_token_ids (id, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, tokenID, userID, expiresAt)
	return err
}

// ConsumeRefreshTokenID deletes the token id and reports its stored expiry.
// Concurrent refreshes with the same token race on the delete; the loser
// sees pgx.ErrNoRows.
func (s *Store) ConsumeRefreshTokenID(ctx context.Context, tokenID string) (time.Time, error) {
	var expiresAt time.Time
	row := s.pool.QueryRow(ctx, `
		DELETE FROM refresh_token_ids WHERE id = $1 RETURNING expires_at
	`, tokenID)
	err := row.Scan(&expiresAt)
	return expiresAt, err
}

func (s *Store) DeleteRefreshTokensByUser(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM refresh_token_ids WHERE user_id = $1`, userID)
	return err
}

func (s *Store) CreateDeviceAuthorization(ctx context.Context, rec model.DeviceAuthorization) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO device_authorizations (device_code, user_code, status, user_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.DeviceCode, rec.UserCode, rec.Status, rec.UserID, rec.ExpiresAt, rec.CreatedAt)
	return err
}

func (s *Store) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (model.DeviceAuthorization, error) {
	return s.getDeviceAuthorization(ctx, `user_code`, userCode)
}

func (s *Store) GetDeviceAuthorizationByDeviceCode(ctx context.Context, deviceCode string) (model.DeviceAuthorization, error) {
	return s.getDeviceAuthorization(ctx, `device_code`, deviceCode)
}

func (s *Store) getDeviceAuthorization(ctx context.Context, column, value string) (model.DeviceAuthorization, error) {
	var rec model.DeviceAuthorization
	row := s.pool.QueryRow(ctx, `
		SELECT device_code, user_code, status, user_id, expires_at, created_at
		FROM device_authorizations
		WHERE `+column+` = $1
	`, value)
	err := row.Scan(&rec.DeviceCode, &rec.UserCode, &rec.Status, &rec.UserID, &rec.ExpiresAt, &rec.CreatedAt)
	return rec, err
}

// TransitionDeviceAuthorization applies a status change only when the record
// is still in fromStatus and has not expired. Two concurrent approvals of the
// same code race on the conditional update; exactly one sees a row change,
// and a record that expires mid-request cannot be authorized.
func (s *Store) TransitionDeviceAuthorization(ctx context.Context, userCode, fromStatus, toStatus, userID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE device_authorizations
		SET status = $1, user_id = $2
		WHERE user_code = $3 AND status = $4 AND expires_at > $5
	`, toStatus, userID, userCode, fromStatus, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RedeemDeviceCode deletes an authorized record and mints the PAT in one
// transaction. The conditional DELETE ... RETURNING guarantees at most one
// PAT per device code even under concurrent polling, and never redeems a
// record past its expiry; losers of the race get pgx.ErrNoRows.
func (s *Store) RedeemDeviceCode(ctx context.Context, deviceCode string, pat model.PersonalAccessToken, now time.Time) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	var userID string
	row := tx.QueryRow(ctx, `
		DELETE FROM device_authorizations
		WHERE device_code = $1 AND status = $2 AND expires_at > $3
		RETURNING user_id
	`, deviceCode, model.DeviceStatusAuthorized, now)
	if err := row.Scan(&userID); err != nil {
		return "", err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO personal_access_tokens (id, user_id, token_hash, label, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, pat.ID, userID, pat.TokenHash, pat.Label, pat.CreatedAt)
	if err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return userID, nil
}

func (s *Store) DeleteDeviceAuthorization(ctx context.Context, deviceCode string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM device_authorizations WHERE device_code = $1`, deviceCode)
	return err
}

func (s *Store) DeleteExpiredDeviceAuthorizations(ctx context.Context, now time.Time) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM device_authorizations WHERE expires_at < $1`, now)
	return err
}

func (s *Store) GetPersonalAccessTokenByHash(ctx context.Context, tokenHash string) (model.PersonalAccessToken, error) {
	var pat model.PersonalAccessToken
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, token_hash, label, created_at, last_used_at
		FROM personal_access_tokens
		WHERE token_hash = $1
	`, tokenHash)
	err := row.Scan(&pat.ID, &pat.UserID, &pat.TokenHash, &pat.Label, &pat.CreatedAt, &pat.LastUsedAt)
	return pat, err
}

func (s *Store) TouchPersonalAccessToken(ctx context.Context, tokenID string, usedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE personal_access_tokens SET last_used_at = $1 WHERE id = $2
	`, usedAt, tokenID)
	return err
}

func (s *Store) ListPersonalAccessTokens(ctx context.Context, userID string) ([]model.PersonalAccessToken, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, token_hash, label, created_at, last_used_at
		FROM personal_access_tokens
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pats []model.PersonalAccessToken
	for rows.Next() {
		var pat model.PersonalAccessToken
		if err := rows.Scan(&pat.ID, &pat.UserID, &pat.TokenHash, &pat.Label, &pat.CreatedAt, &pat.LastUsedAt); err != nil {
			return nil, err
		}
		pats = append(pats, pat)
	}
	return pats, rows.Err()
}

func (s *Store) DeletePersonalAccessToken(ctx context.Context, tokenID, userID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM personal_access_tokens WHERE id = $1 AND user_id = $2
	`, tokenID, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
