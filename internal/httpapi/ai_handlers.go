package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"churchops.org/internal/ai"
	"churchops.org/internal/auth"
	"churchops.org/internal/obs"
)

const idempotencyHeader = "Idempotency-Key"

func (a *API) handleChat(w http.ResponseWriter, r *http.Request) {
	if a.deps.Chat == nil {
		writeError(w, r, http.StatusServiceUnavailable, "AI assistant is not configured")
		return
	}
	actor := actorOf(r)
	var req ai.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}

	ticket, stored, err := a.deps.Idempotency.Begin(r.Context(), actor.UserID, "chat", r.Header.Get(idempotencyHeader), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if stored != nil {
		w.Header().Set("Idempotent-Replayed", "true")
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(stored.Status)
		_, _ = w.Write(stored.Body)
		return
	}

	// the key is released on every path that does not record a response,
	// panics included
	recorded := false
	defer func() {
		if recorded {
			return
		}
		if aerr := ticket.Abort(context.WithoutCancel(r.Context())); aerr != nil {
			obs.Warn("idempotency abort failed", map[string]any{"error": aerr.Error()})
		}
	}()

	resp, err := a.deps.Chat.Chat(r.Context(), actor, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	body := map[string]any{"data": resp}
	if err := ticket.Complete(context.WithoutCancel(r.Context()), http.StatusOK, body); err != nil {
		obs.Warn("idempotency record failed", map[string]any{"error": err.Error()})
	} else {
		recorded = true
	}
	writeJSON(w, http.StatusOK, body)
}

type toolView struct {
	ai.ToolDescriptor
	Allowed bool `json:"allowed"`
}

// handleTools lists the catalog and marks which tools the caller may run.
func (a *API) handleTools(w http.ResponseWriter, r *http.Request) {
	if a.deps.Tools == nil {
		writeError(w, r, http.StatusServiceUnavailable, "AI tools are not configured")
		return
	}
	actor := actorOf(r)
	descs := a.deps.Tools.Catalog().Describe()
	tools := make([]toolView, 0, len(descs))
	for _, d := range descs {
		tools = append(tools, toolView{ToolDescriptor: d, Allowed: actor.Can(d.Domain, auth.ActionView)})
	}
	writeData(w, http.StatusOK, map[string]any{
		"modules": a.deps.Tools.Catalog().Modules(),
		"tools":   tools,
	})
}

type toolQueryRequest struct {
	Module    string         `json:"module"`
	Operation string         `json:"operation"`
	Input     map[string]any `json:"input"`
}

func (a *API) handleToolQuery(w http.ResponseWriter, r *http.Request) {
	if a.deps.Tools == nil {
		writeError(w, r, http.StatusServiceUnavailable, "AI tools are not configured")
		return
	}
	var req toolQueryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	res, err := a.deps.Tools.ExecuteQuery(r.Context(), actorOf(r), trimmed(req.Module), trimmed(req.Operation), req.Input)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (a *API) handleUsage(w http.ResponseWriter, r *http.Request) {
	if a.deps.Usage == nil {
		writeError(w, r, http.StatusServiceUnavailable, "AI usage is not configured")
		return
	}
	snap, err := a.deps.Usage.Snapshot(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("X-Usage-Messages-Remaining", strconv.FormatInt(snap.MessagesRemaining, 10))
	writeData(w, http.StatusOK, snap)
}
