package httpapi

import (
	"net/http"
	"strings"

	"scriptgate.org/internal/backup"
)

type createBackupRequest struct {
	Name string `json:"name"`
}

type restoreBackupRequest struct {
	Name         string `json:"name"`
	Confirmation string `json:"confirmation"`
}

type pruneBackupsRequest struct {
	Keep   int    `json:"keep"`
	Prefix string `json:"prefix"`
}

func (a *API) handleValidate(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.Integrity.Validate(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	status := "success"
	if !res.Clean() {
		status = "fixed"
	}
	a.audit(r.Context(), "integrity.validated", map[string]any{"found": res.Found, "fixed": res.Fixed})
	writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"passes": res.Passes,
		"issues": nonNil(res.Issues()),
		"found":  res.Found,
		"fixed":  res.Fixed,
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep, err := a.svc.Integrity.Health(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	code := http.StatusOK
	if !rep.Connected {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

func (a *API) handleListBackups(w http.ResponseWriter, r *http.Request) {
	items, err := a.svc.Backups.List()
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	var req createBackupRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	entry, err := a.svc.Backups.Save(r.Context(), strings.TrimSpace(req.Name))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "backup.created", map[string]any{"name": entry.Name, "size": entry.Size})
	writeJSON(w, http.StatusCreated, entry)
}

func (a *API) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	var req restoreBackupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || strings.ContainsAny(name, `/\`) {
		writeError(w, r, http.StatusBadRequest, "name must be a backup in the backup directory")
		return
	}
	res, err := a.svc.Backups.RestoreFile(r.Context(), name, req.Confirmation)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "backup.restored", map[string]any{"name": name})
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handlePruneBackups(w http.ResponseWriter, r *http.Request) {
	req := pruneBackupsRequest{Keep: backup.DefaultAutoKeep, Prefix: backup.AutoPrefix}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	removed, err := a.svc.Backups.Prune(req.Keep, req.Prefix)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "backup.pruned", map[string]any{"removed": len(removed), "prefix": req.Prefix})
	writeJSON(w, http.StatusOK, map[string]any{"removed": nonNil(removed)})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
