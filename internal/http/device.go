package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"mentorhub/auth/internal/crypto"
	"mentorhub/auth/internal/model"
)

// userCodeRetries bounds the attempts to find an unused user code before
// giving up. Collisions on an 8-char code are rare enough that one retry
// almost always suffices.
const userCodeRetries = 3

type deviceCodeResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

func (s *Server) handleDeviceCode(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	// Opportunistic cleanup keeps the table from accumulating records for
	// devices that never completed the flow.
	_ = s.store.DeleteExpiredDeviceAuthorizations(r.Context(), now)

	rec := model.DeviceAuthorization{
		Status:    model.DeviceStatusPending,
		ExpiresAt: now.Add(s.cfg.DeviceCodeTTL),
		CreatedAt: now,
	}

	var err error
	for i := 0; i < userCodeRetries; i++ {
		rec.DeviceCode, err = crypto.NewDeviceCode()
		if err != nil {
			break
		}
		rec.UserCode, err = crypto.NewUserCode()
		if err != nil {
			break
		}
		err = s.store.CreateDeviceAuthorization(r.Context(), rec)
		if err == nil {
			break
		}
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJSON(w, http.StatusOK, deviceCodeResponse{
		DeviceCode:              rec.DeviceCode,
		UserCode:                rec.UserCode,
		VerificationURI:         s.cfg.PublicURL + "/device",
		VerificationURIComplete: s.cfg.PublicURL + "/device?code=" + rec.UserCode,
		ExpiresIn:               int(s.cfg.DeviceCodeTTL.Seconds()),
		Interval:                int(s.cfg.DevicePollInterval.Seconds()),
	})
}

type deviceDecisionRequest struct {
	UserCode string `json:"user_code"`
}

func (s *Server) handleDeviceVerify(w http.ResponseWriter, r *http.Request) {
	s.decideDevice(w, r, model.DeviceStatusAuthorized, "device authorized")
}

func (s *Server) handleDeviceDeny(w http.ResponseWriter, r *http.Request) {
	s.decideDevice(w, r, model.DeviceStatusDenied, "device denied")
}

func (s *Server) decideDevice(w http.ResponseWriter, r *http.Request, toStatus, message string) {
	ident := identityFromContext(r.Context())

	if !s.allow(r.Context(), w, "verify:"+clientIP(r)) {
		return
	}

	var req deviceDecisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	userCode := strings.ToUpper(strings.TrimSpace(req.UserCode))
	if userCode == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	rec, err := s.store.GetDeviceAuthorizationByUserCode(r.Context(), userCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	// Expiry wins over any recorded status.
	now := time.Now().UTC()
	if rec.Expired(now) {
		writeError(w, http.StatusBadRequest, "expired")
		return
	}
	switch rec.Status {
	case model.DeviceStatusAuthorized:
		writeError(w, http.StatusBadRequest, "already_authorized")
		return
	case model.DeviceStatusDenied:
		writeError(w, http.StatusBadRequest, "invalid_status")
		return
	}

	// The transition guards on status and expiry itself, so a record that
	// expires between the read above and this write stays untouched.
	ok, err := s.store.TransitionDeviceAuthorization(r.Context(), userCode, model.DeviceStatusPending, toStatus, ident.UserID, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !ok {
		// Lost a race with another decision on the same code.
		if toStatus == model.DeviceStatusAuthorized {
			writeError(w, http.StatusBadRequest, "already_authorized")
		} else {
			writeError(w, http.StatusBadRequest, "invalid_status")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": message,
	})
}

type deviceTokenRequest struct {
	DeviceCode string `json:"device_code"`
}

func (s *Server) handleDeviceToken(w http.ResponseWriter, r *http.Request) {
	var req deviceTokenRequest
	if err := decodeJSON(r, &req); err != nil || req.DeviceCode == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	if ok, err := s.pacing.Allow(r.Context(), "poll:"+req.DeviceCode); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	} else if !ok {
		writeError(w, http.StatusBadRequest, "slow_down")
		return
	}

	rec, err := s.store.GetDeviceAuthorizationByDeviceCode(r.Context(), req.DeviceCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	now := time.Now().UTC()
	if rec.Expired(now) {
		_ = s.store.DeleteDeviceAuthorization(r.Context(), rec.DeviceCode)
		writeError(w, http.StatusBadRequest, "expired_token")
		return
	}

	switch rec.Status {
	case model.DeviceStatusPending:
		writeError(w, http.StatusBadRequest, "authorization_pending")
		return
	case model.DeviceStatusDenied:
		_ = s.store.DeleteDeviceAuthorization(r.Context(), rec.DeviceCode)
		writeError(w, http.StatusForbidden, "access_denied")
		return
	}

	raw, err := crypto.NewPersonalAccessToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	pat := model.PersonalAccessToken{
		ID:        uuid.NewString(),
		TokenHash: crypto.HashToken(raw),
		Label:     "device " + rec.UserCode,
		CreatedAt: now,
	}

	// The redeem is one-shot: the record is deleted and the token minted
	// atomically, guarded on both status and expiry, so concurrent polls
	// yield exactly one token and an expired record is never redeemed.
	if _, err := s.store.RedeemDeviceCode(r.Context(), rec.DeviceCode, pat, now); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	// Personal access tokens carry no expiry; expires_in 0 means the
	// credential lives until it is revoked.
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": raw,
		"token_type":   "Bearer",
		"expires_in":   0,
	})
}
