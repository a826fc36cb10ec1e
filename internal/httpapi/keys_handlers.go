package httpapi

import (
	"net/http"

	"scriptgate.org/internal/model"
)

type issueKeyRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (a *API) handleIssueKey(w http.ResponseWriter, r *http.Request) {
	var req issueKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	key, err := a.svc.Keys.Issue(r.Context(), req.Name, req.Email)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "keys.issued", map[string]any{
		"key_id":       key.ID,
		"holder_email": key.HolderEmail,
	})
	writeJSON(w, http.StatusCreated, key)
}

func (a *API) handleListKeys(w http.ResponseWriter, r *http.Request) {
	items, err := a.svc.Keys.List(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []model.AccessKey{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
