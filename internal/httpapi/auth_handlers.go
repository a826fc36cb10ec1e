package httpapi

import (
	"net/http"
	"strings"
	"time"

	"scriptgate.org/internal/accounts"
	"scriptgate.org/internal/auth"
	"scriptgate.org/internal/model"
)

type tokenRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	AccountID string    `json:"account_id"`
	Roles     []string  `json:"roles"`
}

type redeemRequest struct {
	Code string `json:"code"`
}

type enrollRequest struct {
	PendingToken string `json:"pending_token"`
	Email        string `json:"email"`
	Password     string `json:"password"`
}

func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	acct, err := a.svc.Accounts.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	roles := accounts.Roles(acct)
	token, expiresAt, err := a.svc.Signer.GenerateToken(acct.ID, auth.AudienceAPI, roles, a.tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	a.audit(r.Context(), "auth.token.issued", map[string]any{
		"account_id": acct.ID,
		"roles":      roles,
		"expires_at": expiresAt.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		AccountID: acct.ID,
		Roles:     roles,
	})
}

// handleRedeemKey validates an access key and hands back a short-lived token
// the client presents to /v1/enrollments.
func (a *API) handleRedeemKey(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	key, err := a.svc.Keys.Redeem(r.Context(), req.Code)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	pending, err := a.svc.Pending.Issue(key)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	a.audit(r.Context(), "keys.redeemed", map[string]any{"key_id": key.ID})
	writeJSON(w, http.StatusOK, pending)
}

func (a *API) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.PendingToken) == "" {
		writeError(w, r, http.StatusBadRequest, "pending_token is required")
		return
	}
	acct, err := a.svc.Accounts.Enroll(r.Context(), req.PendingToken, req.Email, req.Password)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "accounts.enrolled", map[string]any{
		"account_id": acct.ID,
		"key_id":     derefString(acct.AccessKeyID),
	})
	w.Header().Set("Location", "/v1/accounts/"+acct.ID+"/access")
	writeJSON(w, http.StatusCreated, acct)
}

func (a *API) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	items, err := a.svc.Accounts.List(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []model.Account{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
