package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"mentorhub/auth/internal/auth"
	"mentorhub/auth/internal/model"
)

type translateTokenRequest struct {
	AccessToken string `json:"access_token"`
}

// handleTranslateToken exchanges a session access token for a token signed
// under the internal issuer and audience. The exchange is stateless: claims
// are copied from the verified input, no store lookup happens.
func (s *Server) handleTranslateToken(w http.ResponseWriter, r *http.Request) {
	var req translateTokenRequest
	if err := decodeJSON(r, &req); err != nil || req.AccessToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	claims, err := auth.ParseAccessToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, req.AccessToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token")
		return
	}

	internalToken, err := auth.NewInternalToken(s.cfg.InternalSecret, s.cfg.InternalIssuer, s.cfg.InternalAudience, s.cfg.InternalTokenTTL, claims)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": internalToken,
		"token_type":   "Bearer",
		"expires_in":   int(s.cfg.InternalTokenTTL.Seconds()),
		"user": map[string]string{
			"id":    claims.Subject,
			"email": claims.Email,
			"role":  claims.Role,
		},
	})
}

type tokenSummary struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	CreatedAt  string `json:"createdAt"`
	LastUsedAt string `json:"lastUsedAt,omitempty"`
}

func mapTokenSummary(pat model.PersonalAccessToken) tokenSummary {
	summary := tokenSummary{
		ID:        pat.ID,
		Label:     pat.Label,
		CreatedAt: pat.CreatedAt.UTC().Format(time.RFC3339),
	}
	if pat.LastUsedAt != nil {
		summary.LastUsedAt = pat.LastUsedAt.UTC().Format(time.RFC3339)
	}
	return summary
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	pats, err := s.store.ListPersonalAccessTokens(r.Context(), ident.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	summaries := make([]tokenSummary, 0, len(pats))
	for _, pat := range pats {
		summaries = append(summaries, mapTokenSummary(pat))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": summaries})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	tokenID := chi.URLParam(r, "tokenID")

	ok, err := s.store.DeletePersonalAccessToken(r.Context(), tokenID, ident.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
