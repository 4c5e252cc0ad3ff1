package access

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"churchops.org/internal/auth"
)

// requestInput is the parsed view of a request used to locate target
// ids. The body is read once and restored for the handler.
type requestInput struct {
	query   url.Values
	routeID string
	body    map[string]any
}

func readInput(r *http.Request) *requestInput {
	in := &requestInput{
		query:   r.URL.Query(),
		routeID: chi.URLParam(r, "id"),
	}
	if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
		return in
	}
	bodyBytes, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		r.Body = io.NopCloser(bytes.NewReader(nil))
		return in
	}
	if len(bodyBytes) > 0 {
		_ = json.Unmarshal(bodyBytes, &in.body)
	}
	r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	return in
}

// replaceBody re-encodes the body map into the request.
func (in *requestInput) replaceBody(r *http.Request) error {
	data, err := json.Marshal(in.body)
	if err != nil {
		return err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	r.ContentLength = int64(len(data))
	r.Header.Set("Content-Length", strconv.Itoa(len(data)))
	return nil
}

func (in *requestInput) queryID(name string) (int64, bool) {
	v := in.query.Get(name)
	if v == "" {
		return 0, false
	}
	return auth.ParsePositiveID(v)
}

func (in *requestInput) bodyID(name string) (int64, bool) {
	v, ok := in.body[name]
	if !ok || v == nil {
		return 0, false
	}
	return auth.ParsePositiveID(v)
}

func (in *requestInput) route() (int64, bool) {
	if in.routeID == "" {
		return 0, false
	}
	return auth.ParsePositiveID(in.routeID)
}

// field looks up each name in the body, then the query, and returns the
// first positive id.
func (in *requestInput) field(names ...string) (int64, bool) {
	for _, name := range names {
		if id, ok := in.bodyID(name); ok {
			return id, true
		}
		if id, ok := in.queryID(name); ok {
			return id, true
		}
	}
	return 0, false
}

// targetUserID applies the fixed priority: query user_id, query id,
// route id, body user_id, body id.
func (in *requestInput) targetUserID() (int64, bool) {
	if id, ok := in.queryID("user_id"); ok {
		return id, true
	}
	if id, ok := in.queryID("id"); ok {
		return id, true
	}
	if id, ok := in.route(); ok {
		return id, true
	}
	if id, ok := in.bodyID("user_id"); ok {
		return id, true
	}
	return in.bodyID("id")
}

// ownerUserID is the user a resource request targets when ids in the
// path and body name the resource itself.
func (in *requestInput) ownerUserID() (int64, bool) {
	if id, ok := in.queryID("user_id"); ok {
		return id, true
	}
	return in.bodyID("user_id")
}
