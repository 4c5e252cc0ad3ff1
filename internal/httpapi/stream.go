package httpapi

import (
	"encoding/json"
	"net/http"
)

// handleUsageStream pushes committed usage events as server-sent events.
func (a *API) handleUsageStream(w http.ResponseWriter, r *http.Request) {
	if a.deps.Hub == nil {
		writeError(w, r, http.StatusServiceUnavailable, "usage stream disabled")
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
	w.WriteHeader(http.StatusOK)

	ch := a.deps.Hub.Subscribe(r.Context())
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for ev := range ch {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("event: ai.usage\ndata: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
