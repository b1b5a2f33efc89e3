package http

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"mentorhub/auth/internal/model"
	"mentorhub/auth/internal/repository"
)

// memStore mirrors the repository's semantics in memory, including the
// conditional updates the device and refresh flows rely on, so handler tests
// exercise the same race behavior without postgres.
type memStore struct {
	mu        sync.Mutex
	users     map[string]model.User
	emails    map[string]string
	refresh   map[string]refreshRecord
	devices   map[string]model.DeviceAuthorization
	userCodes map[string]string
	pats      map[string]model.PersonalAccessToken
	patHashes map[string]string
}

type refreshRecord struct {
	userID    string
	expiresAt time.Time
}

func newMemStore() *memStore {
	return &memStore{
		users:     make(map[string]model.User),
		emails:    make(map[string]string),
		refresh:   make(map[string]refreshRecord),
		devices:   make(map[string]model.DeviceAuthorization),
		userCodes: make(map[string]string),
		pats:      make(map[string]model.PersonalAccessToken),
		patHashes: make(map[string]string),
	}
}

var _ Store = (*memStore)(nil)

func (m *memStore) GetUserByEmail(_ context.Context, email string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.emails[email]
	if !ok {
		return model.User{}, pgx.ErrNoRows
	}
	return m.users[id], nil
}

func (m *memStore) GetUserByID(_ context.Context, userID string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return model.User{}, pgx.ErrNoRows
	}
	return user, nil
}

func (m *memStore) CreateUser(_ context.Context, user model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.emails[user.Email]; ok {
		return repository.ErrEmailTaken
	}
	m.users[user.ID] = user
	m.emails[user.Email] = user.ID
	return nil
}

func (m *memStore) UpdatePassword(_ context.Context, userID, passwordHash string, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return nil
	}
	user.PasswordHash = passwordHash
	user.UpdatedAt = updatedAt
	m.users[userID] = user
	return nil
}

func (m *memStore) BumpTokenVersion(_ context.Context, userID string, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return nil
	}
	user.TokenVersion++
	user.UpdatedAt = updatedAt
	m.users[userID] = user
	return nil
}

func (m *memStore) CreateRefreshTokenID(_ context.Context, tokenID, userID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[tokenID] = refreshRecord{userID: userID, expiresAt: expiresAt}
	return nil
}

func (m *memStore) ConsumeRefreshTokenID(_ context.Context, tokenID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.refresh[tokenID]
	if !ok {
		return time.Time{}, pgx.ErrNoRows
	}
	delete(m.refresh, tokenID)
	return rec.expiresAt, nil
}

func (m *memStore) DeleteRefreshTokensByUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rec := range m.refresh {
		if rec.userID == userID {
			delete(m.refresh, id)
		}
	}
	return nil
}

func (m *memStore) CreateDeviceAuthorization(_ context.Context, rec model.DeviceAuthorization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[rec.DeviceCode] = rec
	m.userCodes[rec.UserCode] = rec.DeviceCode
	return nil
}

func (m *memStore) GetDeviceAuthorizationByUserCode(_ context.Context, userCode string) (model.DeviceAuthorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deviceCode, ok := m.userCodes[userCode]
	if !ok {
		return model.DeviceAuthorization{}, pgx.ErrNoRows
	}
	return m.devices[deviceCode], nil
}

func (m *memStore) GetDeviceAuthorizationByDeviceCode(_ context.Context, deviceCode string) (model.DeviceAuthorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.devices[deviceCode]
	if !ok {
		return model.DeviceAuthorization{}, pgx.ErrNoRows
	}
	return rec, nil
}

func (m *memStore) TransitionDeviceAuthorization(_ context.Context, userCode, fromStatus, toStatus, userID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deviceCode, ok := m.userCodes[userCode]
	if !ok {
		return false, nil
	}
	rec := m.devices[deviceCode]
	if rec.Status != fromStatus || !rec.ExpiresAt.After(now) {
		return false, nil
	}
	rec.Status = toStatus
	rec.UserID = &userID
	m.devices[deviceCode] = rec
	return true, nil
}

func (m *memStore) RedeemDeviceCode(_ context.Context, deviceCode string, pat model.PersonalAccessToken, now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.devices[deviceCode]
	if !ok || rec.Status != model.DeviceStatusAuthorized || rec.UserID == nil || !rec.ExpiresAt.After(now) {
		return "", pgx.ErrNoRows
	}
	delete(m.devices, deviceCode)
	delete(m.userCodes, rec.UserCode)
	pat.UserID = *rec.UserID
	m.pats[pat.ID] = pat
	m.patHashes[pat.TokenHash] = pat.ID
	return pat.UserID, nil
}

func (m *memStore) DeleteDeviceAuthorization(_ context.Context, deviceCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.devices[deviceCode]; ok {
		delete(m.devices, deviceCode)
		delete(m.userCodes, rec.UserCode)
	}
	return nil
}

func (m *memStore) DeleteExpiredDeviceAuthorizations(_ context.Context, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for deviceCode, rec := range m.devices {
		if now.After(rec.ExpiresAt) {
			delete(m.devices, deviceCode)
			delete(m.userCodes, rec.UserCode)
		}
	}
	return nil
}

func (m *memStore) GetPersonalAccessTokenByHash(_ context.Context, tokenHash string) (model.PersonalAccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.patHashes[tokenHash]
	if !ok {
		return model.PersonalAccessToken{}, pgx.ErrNoRows
	}
	return m.pats[id], nil
}

func (m *memStore) TouchPersonalAccessToken(_ context.Context, tokenID string, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pat, ok := m.pats[tokenID]
	if !ok {
		return nil
	}
	pat.LastUsedAt = &usedAt
	m.pats[tokenID] = pat
	return nil
}

func (m *memStore) ListPersonalAccessTokens(_ context.Context, userID string) ([]model.PersonalAccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pats []model.PersonalAccessToken
	for _, pat := range m.pats {
		if pat.UserID == userID {
			pats = append(pats, pat)
		}
	}
	return pats, nil
}

func (m *memStore) DeletePersonalAccessToken(_ context.Context, tokenID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pat, ok := m.pats[tokenID]
	if !ok || pat.UserID != userID {
		return false, nil
	}
	delete(m.pats, tokenID)
	delete(m.patHashes, pat.TokenHash)
	return true, nil
}

// expireDevice backdates a device record so TTL paths can be tested without
// sleeping.
func (m *memStore) expireDevice(deviceCode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.devices[deviceCode]; ok {
		rec.ExpiresAt = time.Now().UTC().Add(-time.Minute)
		m.devices[deviceCode] = rec
	}
}
