package httpapi

import (
	"net/http"
	"strings"

	"scriptgate.org/internal/ledger"
)

type grantRequest struct {
	Identity    string   `json:"identity"`
	ResourceIDs []string `json:"resource_ids"`
}

type revokeRequest struct {
	ResourceIDs []string `json:"resource_ids"`
	All         bool     `json:"all"`
}

type identityRequest struct {
	Identity string `json:"identity"`
}

// batchResponse tells callers whether anything changed and, if so, which
// items did.
type batchResponse struct {
	ledger.BatchResult
	Changed bool   `json:"changed"`
	Partial bool   `json:"partial"`
	Summary string `json:"summary"`
}

func newBatchResponse(res ledger.BatchResult) batchResponse {
	if res.Items == nil {
		res.Items = []ledger.Item{}
	}
	return batchResponse{
		BatchResult: res,
		Changed:     res.Succeeded > 0,
		Partial:     res.Partial(),
		Summary:     res.Summary(),
	}
}

func (a *API) handleAccess(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := authorizeAccount(w, r, id); !ok {
		return
	}
	view, err := a.svc.Ledger.AccessFor(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleValidateIdentity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := authorizeAccount(w, r, id); !ok {
		return
	}
	var req identityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	verified, err := a.svc.Ledger.ValidateIdentity(r.Context(), id, req.Identity)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "identity": verified})
}

func (a *API) handleGrant(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := authorizeAccount(w, r, id); !ok {
		return
	}
	var req grantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ids := req.ResourceIDs
	if len(ids) == 0 {
		// An empty selection means every active script, as offered on the
		// member dashboard.
		listing, err := a.svc.Catalog.List(r.Context(), true)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		for _, l := range listing {
			ids = append(ids, l.ID)
		}
	}
	res, err := a.svc.Ledger.Grant(r.Context(), id, req.Identity, ids)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "access.grant", map[string]any{
		"account_id": id,
		"identity":   strings.TrimSpace(req.Identity),
		"succeeded":  res.Succeeded,
		"failed":     res.Failed,
	})
	writeJSON(w, http.StatusOK, newBatchResponse(res))
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := authorizeAccount(w, r, id); !ok {
		return
	}
	var req revokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.All == (len(req.ResourceIDs) > 0) {
		writeError(w, r, http.StatusBadRequest, "pass either resource_ids or all")
		return
	}
	var (
		res ledger.BatchResult
		err error
	)
	if req.All {
		res, err = a.svc.Ledger.RevokeAll(r.Context(), id)
	} else {
		res, err = a.svc.Ledger.Revoke(r.Context(), id, req.ResourceIDs)
	}
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "access.revoke", map[string]any{
		"account_id":       id,
		"all":              req.All,
		"succeeded":        res.Succeeded,
		"failed":           res.Failed,
		"identity_cleared": res.IdentityCleared,
	})
	writeJSON(w, http.StatusOK, newBatchResponse(res))
}
