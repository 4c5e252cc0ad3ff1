package httpapi

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"churchops.org/internal/ai"
	"churchops.org/internal/audit"
	"churchops.org/internal/auth"
	"churchops.org/internal/obs"
)

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeErrorData(w, r, status, message, nil)
}

func writeErrorData(w http.ResponseWriter, r *http.Request, status int, message string, data any) {
	body := map[string]any{"message": message, "data": data}
	if rid := audit.RequestID(r.Context()); rid != "" {
		body["request_id"] = rid
	}
	writeJSON(w, status, body)
}

// writeServiceError maps a service error to its HTTP response. Every
// handler reports failures through here.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *ai.InputValidationError
		contract   *ai.ContractError
		notFound   *ai.NotFoundError
		denied     *ai.UnauthorizedError
		quota      *ai.QuotaExceededError
		provider   *ai.ProviderError
		credential *ai.CredentialServiceError
		crypto     *ai.CredentialCryptoError
		tooLarge   *http.MaxBytesError
	)
	switch {
	case errors.As(err, &validation):
		writeErrorData(w, r, http.StatusBadRequest, validation.Error(), map[string]any{"field": validation.Field})
	case errors.As(err, &contract):
		writeErrorData(w, r, http.StatusBadRequest, contract.Message, map[string]any{
			"module": contract.Module, "operation": contract.Operation,
		})
	case errors.As(err, &notFound):
		writeError(w, r, http.StatusNotFound, notFound.Error())
	case errors.As(err, &denied):
		writeError(w, r, http.StatusUnauthorized, denied.Message)
	case errors.As(err, &quota):
		secs := int(math.Ceil(time.Until(quota.ResetAt).Seconds()))
		if secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		writeErrorData(w, r, http.StatusTooManyRequests, quota.Error(), map[string]any{
			"usage_snapshot": quota.Snapshot,
			"reset_at":       quota.ResetAt.UTC().Format(time.RFC3339),
		})
	case errors.As(err, &provider):
		status := provider.ClientStatus()
		obs.Warn("ai provider failed", map[string]any{
			"provider": provider.Provider, "upstream_status": provider.Status,
			"code": provider.Code, "status": status, "error": provider.Error(),
		})
		writeErrorData(w, r, status, "AI provider request failed", map[string]any{
			"provider": provider.Provider, "code": provider.Code,
		})
	case errors.As(err, &credential):
		writeErrorData(w, r, credential.Status, credential.Message, map[string]any{"provider": credential.Provider})
	case errors.As(err, &crypto):
		obs.Error("ai credential decrypt failed", map[string]any{"provider": crypto.Provider, "error": err.Error()})
		writeError(w, r, http.StatusInternalServerError, "AI provider credential is unusable")
	case errors.Is(err, ai.ErrIdempotencyConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.As(err, &tooLarge):
		writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
	case errors.Is(err, errEmptyBody), errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "Unauthorized")
	default:
		obs.Error("request failed", map[string]any{
			"request_id": audit.RequestID(r.Context()),
			"path":       r.URL.Path,
			"error":      err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
