package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"scriptgate.org/internal/auth"
	"scriptgate.org/internal/model"
)

// handleListAudit lists audit entries, newest first. Members only see their
// own account.
func (a *API) handleListAudit(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auditScope(w, r)
	if !ok {
		return
	}
	limit, err := parsePositiveInt("limit", r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, err := a.svc.Audit.List(r.Context(), accountID, limit)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []model.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// Stream handles Server-Sent Events for audit entries.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.svc.Stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	accountID, ok := auditScope(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.svc.Stream.Subscribe(ctx, accountID)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for entry := range ch {
		payload, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("event: " + string(entry.Action) + "\ndata: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}

// auditScope returns the account filter for the caller: admins choose via
// ?account_id=, members are pinned to themselves.
func auditScope(w http.ResponseWriter, r *http.Request) (string, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		challenge(w, "invalid_token")
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	requested := r.URL.Query().Get("account_id")
	if p.IsAdmin() {
		return requested, true
	}
	if requested != "" && requested != p.AccountID {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return "", false
	}
	return p.AccountID, true
}
