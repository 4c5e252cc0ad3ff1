package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"churchops.org/internal/audit"
	"churchops.org/internal/auth"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// bind decodes and validates a request body.
func bind(r *http.Request, dst any) error {
	if err := decodeJSON(r, dst); err != nil {
		return err
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q", auth.ErrInvalidInput, strings.ToLower(fe.Field()), fe.Tag())
		}
		return fmt.Errorf("%w: %v", auth.ErrInvalidInput, err)
	}
	return nil
}

func (a *API) scopeFor(w http.ResponseWriter, r *http.Request, kind auth.ScopeKind) (auth.Scope, bool) {
	if a.deps.Records == nil {
		writeError(w, r, http.StatusServiceUnavailable, "records unavailable")
		return auth.Scope{}, false
	}
	scope, ok := auth.ScopeFromContext(r.Context(), kind)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "Unauthorized")
		return auth.Scope{}, false
	}
	return scope, true
}

func (a *API) list(kind auth.ScopeKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope, ok := a.scopeFor(w, r, kind)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		rows, err := a.deps.Records.ListScoped(r.Context(), kind, scope, 0, limit)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, rows)
	}
}

func (a *API) show(kind auth.ScopeKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope, ok := a.scopeFor(w, r, kind)
		if !ok {
			return
		}
		id, ok := auth.ParsePositiveID(chi.URLParam(r, "id"))
		if !ok {
			writeError(w, r, http.StatusBadRequest, "invalid id")
			return
		}
		rows, err := a.deps.Records.ListScoped(r.Context(), kind, scope, id, 1)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if len(rows) == 0 {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		writeData(w, http.StatusOK, rows[0])
	}
}

type appointmentRequest struct {
	UserID      int64     `json:"user_id" validate:"gte=0"`
	Purpose     string    `json:"purpose" validate:"required,max=500"`
	ScheduledAt time.Time `json:"scheduled_at" validate:"required"`
}

func (a *API) handleCreateAppointment(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.scopeFor(w, r, auth.ScopeAppointment); !ok {
		return
	}
	var req appointmentRequest
	if err := bind(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	actor := actorOf(r)
	if req.UserID == 0 {
		req.UserID = actor.UserID
	}
	id, err := a.deps.Records.CreateAppointment(r.Context(), actor.UserID, req.UserID, req.Purpose, req.ScheduledAt)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.Record(r.Context(), "appointment.created", map[string]any{"appointment_id": id, "user_id": req.UserID})
	writeData(w, http.StatusCreated, map[string]any{"id": id})
}

func (a *API) handleCancelAppointment(w http.ResponseWriter, r *http.Request) {
	scope, ok := a.scopeFor(w, r, auth.ScopeAppointment)
	if !ok {
		return
	}
	id, ok := auth.ParsePositiveID(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid id")
		return
	}
	if err := a.deps.Records.CancelAppointment(r.Context(), scope, id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.Record(r.Context(), "appointment.cancelled", map[string]any{"appointment_id": id})
	writeData(w, http.StatusOK, map[string]any{"id": id, "status": "cancelled"})
}

type availabilityRequest struct {
	StartsAt time.Time `json:"starts_at" validate:"required"`
}

func (a *API) handleUpdateAvailability(w http.ResponseWriter, r *http.Request) {
	scope, ok := a.scopeFor(w, r, auth.ScopeAppointment)
	if !ok {
		return
	}
	id, ok := auth.ParsePositiveID(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid id")
		return
	}
	var req availabilityRequest
	if err := bind(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if err := a.deps.Records.UpdateAvailability(r.Context(), scope, id, req.StartsAt); err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.Record(r.Context(), "availability.updated", map[string]any{"availability_id": id})
	writeData(w, http.StatusOK, map[string]any{"id": id, "starts_at": req.StartsAt.UTC()})
}

type soulRequest struct {
	Name         string `json:"name" validate:"required,max=200"`
	LifeCenterID int64  `json:"life_center_id" validate:"required,gt=0"`
}

func (a *API) handleCreateSoul(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.scopeFor(w, r, auth.ScopeLifeCenter); !ok {
		return
	}
	var req soulRequest
	if err := bind(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	id, err := a.deps.Records.CreateSoulWon(r.Context(), req.Name, req.LifeCenterID, actorOf(r).UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.Record(r.Context(), "soul_won.created", map[string]any{"soul_won_id": id, "life_center_id": req.LifeCenterID})
	writeData(w, http.StatusCreated, map[string]any{"id": id})
}

type orderRequest struct {
	UserID    int64  `json:"user_id" validate:"gte=0"`
	Reference string `json:"reference" validate:"required,max=120"`
	Total     int64  `json:"total" validate:"gte=0"`
}

// handleCreateOrder trusts user_id; the order guard has already filled
// or checked it.
func (a *API) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.scopeFor(w, r, auth.ScopeOrder); !ok {
		return
	}
	var req orderRequest
	if err := bind(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if req.UserID == 0 {
		req.UserID = actorOf(r).UserID
	}
	id, err := a.deps.Records.CreateOrder(r.Context(), req.UserID, req.Reference, req.Total)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.Record(r.Context(), "order.created", map[string]any{"order_id": id, "user_id": req.UserID})
	writeData(w, http.StatusCreated, map[string]any{"id": id, "user_id": req.UserID})
}
