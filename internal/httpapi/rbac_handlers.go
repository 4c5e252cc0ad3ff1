package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"churchops.org/internal/audit"
	"churchops.org/internal/auth"
)

type accessLevelRequest struct {
	Name        string         `json:"name" validate:"required,max=120"`
	Permissions map[string]any `json:"permissions"`
}

type accessLevelView struct {
	ID          int64            `json:"id"`
	Name        string           `json:"name"`
	Permissions auth.Permissions `json:"permissions"`
	CreatedAt   time.Time        `json:"created_at"`
}

func viewAccessLevel(lvl auth.AccessLevel) accessLevelView {
	return accessLevelView{ID: lvl.ID, Name: lvl.Name, Permissions: lvl.Permissions, CreatedAt: lvl.CreatedAt}
}

func (a *API) handleAccessLevels(w http.ResponseWriter, r *http.Request) {
	if a.deps.Records == nil {
		writeError(w, r, http.StatusServiceUnavailable, "records unavailable")
		return
	}
	levels, err := a.deps.Records.AccessLevels(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make([]accessLevelView, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, viewAccessLevel(lvl))
	}
	writeData(w, http.StatusOK, out)
}

func (a *API) handleCreateAccessLevel(w http.ResponseWriter, r *http.Request) {
	if a.deps.Records == nil {
		writeError(w, r, http.StatusServiceUnavailable, "records unavailable")
		return
	}
	var req accessLevelRequest
	if err := bind(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	normalized, err := auth.NormalizePermissionPayload(req.Permissions)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	lvl, err := a.deps.Records.CreateAccessLevel(r.Context(), trimmed(req.Name), auth.NewPermissions(normalized))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.Record(r.Context(), "access_level.created", map[string]any{
		"access_level_id": lvl.ID,
		"name":            lvl.Name,
	})
	w.Header().Set("Location", fmt.Sprintf("/access-levels/%d", lvl.ID))
	writeData(w, http.StatusCreated, viewAccessLevel(lvl))
}

// handleValidatePermissions normalizes a permission payload without
// storing it.
func (a *API) handleValidatePermissions(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := decodeJSON(r, &payload); err != nil {
		writeServiceError(w, r, err)
		return
	}
	normalized, err := auth.NormalizePermissionPayload(payload)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, normalized)
}
