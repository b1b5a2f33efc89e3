package model

import "time"

type User struct {
	ID           string
	Email        string
	PasswordHash string
	DisplayName  string
	Role         string
	TokenVersion int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const (
	DeviceStatusPending    = "pending"
	DeviceStatusAuthorized = "authorized"
	DeviceStatusDenied     = "denied"
)

// DeviceAuthorization is one pending pairing between a headless client and a
// browser session. The device code is the only secret the polling client
// holds; the user code is what the authenticated user types in.
type DeviceAuthorization struct {
	DeviceCode string
	UserCode   string
	Status     string
	UserID     *string
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

func (d DeviceAuthorization) Expired(now time.Time) bool {
	return now.After(d.ExpiresAt)
}

// PersonalAccessToken stores only the hash of the opaque secret; the raw
// value is returned to the caller once at redemption time.
type PersonalAccessToken struct {
	ID         string
	UserID     string
	TokenHash  string
	Label      string
	CreatedAt  time.Time
	LastUsedAt *time.Time
}
