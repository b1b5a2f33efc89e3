package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mentorhub/auth/internal/auth"
	"mentorhub/auth/internal/config"
	"mentorhub/auth/internal/crypto"
	"mentorhub/auth/internal/model"
	"mentorhub/auth/internal/ratelimit"
	"mentorhub/auth/internal/repository"
)

const (
	accessCookieName  = "mh_access"
	refreshCookieName = "mh_refresh"
)

type Server struct {
	cfg      config.Config
	store    Store
	attempts ratelimit.Limiter
	pacing   ratelimit.Limiter
}

// NewServer wires the handlers. attempts limits credential guesses per
// client IP (login, device verify/deny); pacing enforces the advertised
// device polling interval per device code.
func NewServer(cfg config.Config, store Store, attempts, pacing ratelimit.Limiter) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		attempts: attempts,
		pacing:   pacing,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/auth/register", s.handleRegister)
	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/refresh", s.handleRefresh)
	r.Post("/auth/logout", s.handleLogout)
	r.With(s.authMiddleware).Post("/auth/logout-all", s.handleLogoutAll)
	r.With(s.authMiddleware).Post("/auth/password", s.handleChangePassword)
	r.With(s.authMiddleware).Get("/auth/user", s.handleGetUser)

	r.Post("/auth/device/code", s.handleDeviceCode)
	r.With(s.authMiddleware).Post("/auth/device/verify", s.handleDeviceVerify)
	r.With(s.authMiddleware).Post("/auth/device/deny", s.handleDeviceDeny)
	r.Post("/auth/device/token", s.handleDeviceToken)

	r.Post("/auth/translate-token", s.handleTranslateToken)

	r.With(s.authMiddleware).Get("/auth/tokens", s.handleListTokens)
	r.With(s.authMiddleware).Delete("/auth/tokens/{tokenID}", s.handleRevokeToken)

	return r
}

type userSummary struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	CreatedAt   string `json:"createdAt,omitempty"`
}

type sessionSummary struct {
	ExpiresIn int `json:"expiresIn"`
}

func mapUserSummary(user model.User) userSummary {
	summary := userSummary{
		ID:          user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Role:        user.Role,
	}
	if !user.CreatedAt.IsZero() {
		summary.CreatedAt = user.CreatedAt.UTC().Format(time.RFC3339)
	}
	return summary
}

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.Email == "" || len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	now := time.Now().UTC()
	user := model.User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		PasswordHash: hash,
		DisplayName:  req.DisplayName,
		Role:         "member",
		TokenVersion: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			writeError(w, http.StatusConflict, "email_taken")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	session, err := s.issueSession(r.Context(), w, user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user":    mapUserSummary(user),
		"session": session,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allow(r.Context(), w, "login:"+clientIP(r)) {
		return
	}

	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Burn a hash comparison so unknown emails are not
			// distinguishable from wrong passwords by timing.
			crypto.DummyCompare(req.Password)
			writeError(w, http.StatusUnauthorized, "invalid_credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	if err := crypto.CheckPassword(user.PasswordHash, req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}

	session, err := s.issueSession(r.Context(), w, user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":    mapUserSummary(user),
		"session": session,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshCookieName)
	if err != nil || cookie.Value == "" {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	claims, err := auth.ParseRefreshToken(s.cfg.RefreshSecret, s.cfg.JWTIssuer, cookie.Value)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_grant")
		return
	}

	// Rotation: the jti is single use. Concurrent refreshes race on the
	// delete and exactly one wins.
	expiresAt, err := s.store.ConsumeRefreshTokenID(r.Context(), claims.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "invalid_grant")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if time.Now().UTC().After(expiresAt) {
		writeError(w, http.StatusUnauthorized, "invalid_grant")
		return
	}

	user, err := s.store.GetUserByID(r.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "invalid_grant")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	// A token-version bump invalidates every refresh token issued before it.
	if claims.TokenVersion != user.TokenVersion {
		writeError(w, http.StatusUnauthorized, "invalid_grant")
		return
	}

	session, err := s.issueSession(r.Context(), w, user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	// Best effort server-side revocation of the refresh token; the
	// response is 200 regardless.
	if cookie, err := r.Cookie(refreshCookieName); err == nil && cookie.Value != "" {
		if claims, err := auth.ParseRefreshToken(s.cfg.RefreshSecret, s.cfg.JWTIssuer, cookie.Value); err == nil {
			_, _ = s.store.ConsumeRefreshTokenID(r.Context(), claims.ID)
		}
	}
	s.clearSessionCookies(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	now := time.Now().UTC()
	if err := s.store.BumpTokenVersion(r.Context(), ident.UserID, now); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	_ = s.store.DeleteRefreshTokensByUser(r.Context(), ident.UserID)
	s.clearSessionCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())

	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.CurrentPassword == "" || len(req.NewPassword) < 8 {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	user, err := s.store.GetUserByID(r.Context(), ident.UserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if err := crypto.CheckPassword(user.PasswordHash, req.CurrentPassword); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}

	hash, err := crypto.HashPassword(req.NewPassword)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	now := time.Now().UTC()
	if err := s.store.UpdatePassword(r.Context(), user.ID, hash, now); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	// Password change logs out every other session.
	if err := s.store.BumpTokenVersion(r.Context(), user.ID, now); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	_ = s.store.DeleteRefreshTokensByUser(r.Context(), user.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	user, err := s.store.GetUserByID(r.Context(), ident.UserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": mapUserSummary(user)})
}

// issueSession mints a fresh access/refresh pair, records the refresh jti
// for rotation, and sets both cookies.
func (s *Server) issueSession(ctx context.Context, w http.ResponseWriter, user model.User) (sessionSummary, error) {
	accessToken, err := auth.NewAccessToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, s.cfg.AccessTokenTTL, user)
	if err != nil {
		return sessionSummary{}, err
	}

	tokenID := uuid.NewString()
	refreshToken, err := auth.NewRefreshToken(s.cfg.RefreshSecret, s.cfg.JWTIssuer, s.cfg.RefreshTokenTTL, user.ID, tokenID, user.TokenVersion)
	if err != nil {
		return sessionSummary{}, err
	}

	expiresAt := time.Now().UTC().Add(s.cfg.RefreshTokenTTL)
	if err := s.store.CreateRefreshTokenID(ctx, tokenID, user.ID, expiresAt); err != nil {
		return sessionSummary{}, err
	}

	s.setSessionCookies(w, accessToken, refreshToken)
	return sessionSummary{ExpiresIn: int(s.cfg.AccessTokenTTL.Seconds())}, nil
}

func (s *Server) setSessionCookies(w http.ResponseWriter, accessToken, refreshToken string) {
	http.SetCookie(w, &http.Cookie{
		Name:     accessCookieName,
		Value:    accessToken,
		Path:     "/",
		Domain:   s.cfg.CookieDomain,
		MaxAge:   int(s.cfg.AccessTokenTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    refreshToken,
		Path:     "/auth",
		Domain:   s.cfg.CookieDomain,
		MaxAge:   int(s.cfg.RefreshTokenTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookies(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     accessCookieName,
		Value:    "",
		Path:     "/",
		Domain:   s.cfg.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     "/auth",
		Domain:   s.cfg.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// identity is the resolved caller of a request: a session cookie, a bearer
// JWT, or a personal access token.
type identity struct {
	UserID string
	Email  string
	Role   string
}

type identityKey struct{}

func identityFromContext(ctx context.Context) *identity {
	value := ctx.Value(identityKey{})
	ident, _ := value.(*identity)
	return ident
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident, ok := s.resolveIdentity(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, ident)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) resolveIdentity(r *http.Request) (*identity, bool) {
	if cookie, err := r.Cookie(accessCookieName); err == nil && cookie.Value != "" {
		if ident, ok := s.identityFromAccessToken(cookie.Value); ok {
			return ident, true
		}
	}

	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return nil, false
	}
	if strings.HasPrefix(token, crypto.PATPrefix) {
		return s.identityFromPAT(r.Context(), token)
	}
	return s.identityFromAccessToken(token)
}

func (s *Server) identityFromAccessToken(token string) (*identity, bool) {
	claims, err := auth.ParseAccessToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, token)
	if err != nil {
		return nil, false
	}
	return &identity{UserID: claims.Subject, Email: claims.Email, Role: claims.Role}, true
}

func (s *Server) identityFromPAT(ctx context.Context, token string) (*identity, bool) {
	pat, err := s.store.GetPersonalAccessTokenByHash(ctx, crypto.HashToken(token))
	if err != nil {
		return nil, false
	}
	user, err := s.store.GetUserByID(ctx, pat.UserID)
	if err != nil {
		return nil, false
	}
	_ = s.store.TouchPersonalAccessToken(ctx, pat.ID, time.Now().UTC())
	return &identity{UserID: user.ID, Email: user.Email, Role: user.Role}, true
}

// allow applies the attempt limiter and writes the 429 itself when the
// caller is over budget.
func (s *Server) allow(ctx context.Context, w http.ResponseWriter, key string) bool {
	ok, err := s.attempts.Allow(ctx, key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return false
	}
	if !ok {
		writeError(w, http.StatusTooManyRequests, "rate_limited")
		return false
	}
	return true
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
