package ai

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// IdempotencyCache stores idempotency records. Get reports a miss with
// ok=false and a nil error.
type IdempotencyCache interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

const (
	idemPending = "pending"
	idemDone    = "done"
	maxIdemKey  = 200
)

type idemRecord struct {
	State  string          `json:"state"`
	Hash   string          `json:"hash"`
	Status int             `json:"status,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// StoredResponse is a response recorded under an idempotency key.
type StoredResponse struct {
	Status int
	Body   json.RawMessage
}

// Idempotency deduplicates retried requests by (actor, endpoint, key)
// and payload hash.
type Idempotency struct {
	cache IdempotencyCache
	ttl   time.Duration
}

func NewIdempotency(cache IdempotencyCache, ttl time.Duration) *Idempotency {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Idempotency{cache: cache, ttl: ttl}
}

// IdempotencyTicket is held by the request that claimed a key.
type IdempotencyTicket struct {
	g    *Idempotency
	key  string
	hash string
}

// Begin claims key for this payload. It returns a ticket for a first
// attempt, a stored response for a completed replay, or
// ErrIdempotencyConflict when the payload differs or the first attempt
// is still running. An empty key disables deduplication.
func (g *Idempotency) Begin(ctx context.Context, actorID int64, endpoint, key string, payload any) (*IdempotencyTicket, *StoredResponse, error) {
	key = strings.TrimSpace(key)
	if key == "" || g == nil || g.cache == nil {
		return nil, nil, nil
	}
	if len(key) > maxIdemKey {
		return nil, nil, invalid("Idempotency-Key", "must be at most %d characters", maxIdemKey)
	}
	hash, err := PayloadHash(payload)
	if err != nil {
		return nil, nil, invalid("body", "payload is not JSON encodable")
	}
	cacheKey := fmt.Sprintf("ai:idem:%d:%s:%s", actorID, endpoint, key)
	pending, _ := json.Marshal(idemRecord{State: idemPending, Hash: hash})

	claimed, err := g.cache.SetNX(ctx, cacheKey, string(pending), g.ttl)
	if err != nil {
		return nil, nil, fmt.Errorf("idempotency claim: %w", err)
	}
	if claimed {
		return &IdempotencyTicket{g: g, key: cacheKey, hash: hash}, nil, nil
	}

	raw, ok, err := g.cache.Get(ctx, cacheKey)
	if err != nil {
		return nil, nil, fmt.Errorf("idempotency load: %w", err)
	}
	if !ok {
		// expired between SetNX and Get
		return g.Begin(ctx, actorID, endpoint, key, payload)
	}
	var rec idemRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, nil, fmt.Errorf("idempotency decode: %w", err)
	}
	if rec.Hash != hash {
		return nil, nil, fmt.Errorf("%w: key reused with a different payload", ErrIdempotencyConflict)
	}
	if rec.State != idemDone {
		return nil, nil, fmt.Errorf("%w: request still in progress", ErrIdempotencyConflict)
	}
	return nil, &StoredResponse{Status: rec.Status, Body: rec.Body}, nil
}

// Complete records the response for replay.
func (t *IdempotencyTicket) Complete(ctx context.Context, status int, body any) error {
	if t == nil {
		return nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	rec, err := json.Marshal(idemRecord{State: idemDone, Hash: t.hash, Status: status, Body: data})
	if err != nil {
		return err
	}
	return t.g.cache.Set(ctx, t.key, string(rec), t.g.ttl)
}

// Abort releases the key so the client may retry.
func (t *IdempotencyTicket) Abort(ctx context.Context) error {
	if t == nil {
		return nil
	}
	return t.g.cache.Del(ctx, t.key)
}

// PayloadHash is the hex SHA-256 of the canonical JSON encoding of v:
// object keys sorted, numbers kept as written.
func PayloadHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return "", err
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
