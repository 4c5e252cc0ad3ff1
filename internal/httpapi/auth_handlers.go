package httpapi

import (
	"errors"
	"net/http"
	"time"

	"churchops.org/internal/audit"
	"churchops.org/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expires_at"`
	User      map[string]any `json:"user"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if a.deps.Tokens == nil || a.deps.Users == nil {
		writeError(w, r, http.StatusServiceUnavailable, "login unavailable")
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	sess, err := auth.Login(r.Context(), a.deps.Users, a.deps.Tokens, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			_ = audit.Record(r.Context(), "auth.login.failed", map[string]any{"email": req.Email})
			writeError(w, r, http.StatusUnauthorized, "Invalid email or password")
			return
		}
		writeServiceError(w, r, err)
		return
	}
	actor := auth.NewActor(sess.User, nil)
	_ = audit.Record(auth.ContextWithActor(r.Context(), actor), "auth.login", nil)
	writeData(w, http.StatusOK, loginResponse{
		Token:     sess.Token,
		ExpiresAt: sess.ExpiresAt,
		User:      actor.RequestUser(),
	})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, actorOf(r).RequestUser())
}
