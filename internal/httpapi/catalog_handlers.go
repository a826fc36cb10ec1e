package httpapi

import (
	"net/http"
	"strconv"

	"scriptgate.org/internal/auth"
	"scriptgate.org/internal/catalog"
)

type addResourceRequest struct {
	ExternalID  string `json:"external_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// handleListResources shows members the active catalog; admins may pass
// all=true to include inactive rows.
func (a *API) handleListResources(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	activeOnly := true
	if raw := r.URL.Query().Get("all"); raw != "" {
		all, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "all must be a boolean")
			return
		}
		activeOnly = !(all && p.IsAdmin())
	}
	items, err := a.svc.Catalog.List(r.Context(), activeOnly)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []catalog.Listing{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleAddResource(w http.ResponseWriter, r *http.Request) {
	var req addResourceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.svc.Catalog.Add(r.Context(), req.ExternalID, req.Name, req.Description)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "catalog.resource.added", map[string]any{
		"resource_id": res.ID,
		"external_id": res.ExternalID,
	})
	w.Header().Set("Location", "/v1/resources/"+res.ID)
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) handleToggleResource(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.Catalog.Toggle(r.Context(), r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "catalog.resource.toggled", map[string]any{
		"resource_id": res.ID,
		"active":      res.Active,
	})
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleDeleteResource(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	actor := p.AccountID
	if acct, err := a.svc.Accounts.Get(r.Context(), p.AccountID); err == nil {
		actor = acct.Email
	}
	res, err := a.svc.Catalog.Delete(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "catalog.resource.deleted", map[string]any{
		"resource_id":      res.Resource.ID,
		"external_id":      res.Resource.ExternalID,
		"entries_removed":  res.EntriesRemoved,
		"accounts_cleared": res.AccountsCleared,
	})
	writeJSON(w, http.StatusOK, res)
}

// handleSeedResources restores the default catalog entries.
func (a *API) handleSeedResources(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.Catalog.Seed(r.Context(), catalog.DefaultSeed())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "catalog.seeded", map[string]any{"added": res.Added, "updated": res.Updated})
	writeJSON(w, http.StatusOK, res)
}
