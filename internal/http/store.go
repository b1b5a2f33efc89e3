package http

import (
	"context"
	"time"

	"mentorhub/auth/internal/model"
	"mentorhub/auth/internal/repository"
)

// Store is the persistence surface the handlers need. The pgx-backed
// repository implements it; tests inject an in-memory implementation so the
// session and device flows can be exercised without postgres.
type Store interface {
	GetUserByEmail(ctx context.Context, email string) (model.User, error)
	GetUserByID(ctx context.Context, userID string) (model.User, error)
	CreateUser(ctx context.Context, user model.User) error
	UpdatePassword(ctx context.Context, userID, passwordHash string, updatedAt time.Time) error
	BumpTokenVersion(ctx context.Context, userID string, updatedAt time.Time) error

	CreateRefreshTokenID(ctx context.Context, tokenID, userID string, expiresAt time.Time) error
	ConsumeRefreshTokenID(ctx context.Context, tokenID string) (time.Time, error)
	DeleteRefreshTokensByUser(ctx context.Context, userID string) error

	CreateDeviceAuthorization(ctx context.Context, rec model.DeviceAuthorization) error
	GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (model.DeviceAuthorization, error)
	GetDeviceAuthorizationByDeviceCode(ctx context.Context, deviceCode string) (model.DeviceAuthorization, error)
	TransitionDeviceAuthorization(ctx context.Context, userCode, fromStatus, toStatus, userID string, now time.Time) (bool, error)
	RedeemDeviceCode(ctx context.Context, deviceCode string, pat model.PersonalAccessToken, now time.Time) (string, error)
	DeleteDeviceAuthorization(ctx context.Context, deviceCode string) error
	DeleteExpiredDeviceAuthorizations(ctx context.Context, now time.Time) error

	GetPersonalAccessTokenByHash(ctx context.Context, tokenHash string) (model.PersonalAccessToken, error)
	TouchPersonalAccessToken(ctx context.Context, tokenID string, usedAt time.Time) error
	ListPersonalAccessTokens(ctx context.Context, userID string) ([]model.PersonalAccessToken, error)
	DeletePersonalAccessToken(ctx context.Context, tokenID, userID string) (bool, error)
}

var _ Store = (*repository.Store)(nil)
