package ai

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"churchops.org/internal/obs"
)

// DefaultTokenEstimate is the token count reserved per request before
// the real usage is known. It is a heuristic, not a measured cost.
const DefaultTokenEstimate int64 = 2000

// Period is one billing month in UTC.
type Period struct {
	Start time.Time
	End   time.Time
}

// PeriodFor returns the calendar month containing t.
func PeriodFor(t time.Time) Period {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// Key identifies the period in the reservation book.
func (p Period) Key() string { return p.Start.Format(time.RFC3339) }

// Quota is the persisted usage row for one period.
type Quota struct {
	PeriodStart  time.Time
	PeriodEnd    time.Time
	MessageLimit int64
	TokenLimit   int64
	MessageUsed  int64
	TokenUsed    int64
}

// UsageSnapshot is the quota as reported to clients, including in-flight
// reservations. Remaining values are never negative.
type UsageSnapshot struct {
	PeriodStart       time.Time `json:"period_start"`
	PeriodEnd         time.Time `json:"period_end"`
	MessageLimit      int64     `json:"message_limit"`
	TokenLimit        int64     `json:"token_limit"`
	MessageUsed       int64     `json:"message_used"`
	TokenUsed         int64     `json:"token_used"`
	MessageReserved   int64     `json:"message_reserved"`
	TokenReserved     int64     `json:"token_reserved"`
	MessagesRemaining int64     `json:"messages_remaining"`
	TokensRemaining   int64     `json:"tokens_remaining"`
}

// UsageEntry is one ledger row appended on commit.
type UsageEntry struct {
	UserID           int64
	ConversationID   string
	Provider         string
	Model            string
	Messages         int64
	PromptTokens     int64
	CompletionTokens int64
	CreatedAt        time.Time
}

// Tokens is the total token count of the entry.
func (e UsageEntry) Tokens() int64 { return e.PromptTokens + e.CompletionTokens }

// QuotaStore persists quota rows and the usage ledger.
type QuotaStore interface {
	// FindQuota returns ErrQuotaNotFound when no row exists.
	FindQuota(ctx context.Context, periodStart time.Time) (*Quota, error)
	// CreateQuota returns ErrQuotaConflict when another writer won.
	CreateQuota(ctx context.Context, q Quota) error
	// IncrementUsage adds the entry to the period counters and appends
	// it to the ledger in one transaction.
	IncrementUsage(ctx context.Context, periodStart time.Time, entry UsageEntry) (*Quota, error)
}

type reserved struct {
	messages int64
	tokens   int64
}

// ReservationBook holds in-flight reservations per period. It is owned
// by a UsageService; tests may share or reset it.
type ReservationBook struct {
	mu      sync.Mutex
	entries map[string]*reserved
}

func NewReservationBook() *ReservationBook {
	return &ReservationBook{entries: make(map[string]*reserved)}
}

// Totals returns the reserved messages and tokens for key.
func (b *ReservationBook) Totals(key string) (int64, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		return e.messages, e.tokens
	}
	return 0, 0
}

// Len is the number of periods with reservations.
func (b *ReservationBook) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Reset drops every reservation.
func (b *ReservationBook) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[string]*reserved)
}

// tryAdd records the reservation when admit approves the projected
// totals. The check and the write happen under one lock.
func (b *ReservationBook) tryAdd(key string, messages, tokens int64, admit func(msgs, toks int64) bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entries[key]
	var curMsgs, curToks int64
	if e != nil {
		curMsgs, curToks = e.messages, e.tokens
	}
	if !admit(curMsgs+messages, curToks+tokens) {
		return false
	}
	if e == nil {
		e = &reserved{}
		b.entries[key] = e
	}
	e.messages += messages
	e.tokens += tokens
	return true
}

func (b *ReservationBook) remove(key string, messages, tokens int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return
	}
	e.messages = max(0, e.messages-messages)
	e.tokens = max(0, e.tokens-tokens)
	if e.messages == 0 && e.tokens == 0 {
		delete(b.entries, key)
	}
}

// Reservation is a soft hold on quota for one request. Release it
// exactly once; further calls are no-ops.
type Reservation struct {
	Period   Period
	Messages int64
	Tokens   int64

	book     *ReservationBook
	released atomic.Bool
}

// Release returns the held amounts to the book.
func (r *Reservation) Release() {
	if r == nil || r.book == nil {
		return
	}
	if !r.released.CompareAndSwap(false, true) {
		return
	}
	r.book.remove(r.Period.Key(), r.Messages, r.Tokens)
	obs.ReservationReleased()
}

// UsageService enforces the monthly message and token quota.
type UsageService struct {
	store        QuotaStore
	book         *ReservationBook
	messageLimit int64
	tokenLimit   int64
	estimate     int64
	now          func() time.Time
}

// UsageOption customises a UsageService.
type UsageOption func(*UsageService)

func WithReservationBook(b *ReservationBook) UsageOption {
	return func(s *UsageService) {
		if b != nil {
			s.book = b
		}
	}
}

// WithLimits sets the limits used when a period row is first created.
func WithLimits(messages, tokens int64) UsageOption {
	return func(s *UsageService) {
		s.messageLimit = messages
		s.tokenLimit = tokens
	}
}

func WithTokenEstimate(tokens int64) UsageOption {
	return func(s *UsageService) {
		if tokens > 0 {
			s.estimate = tokens
		}
	}
}

func WithUsageClock(now func() time.Time) UsageOption {
	return func(s *UsageService) {
		if now != nil {
			s.now = now
		}
	}
}

func NewUsageService(store QuotaStore, opts ...UsageOption) *UsageService {
	s := &UsageService{
		store:        store,
		book:         NewReservationBook(),
		messageLimit: 2000,
		tokenLimit:   2_000_000,
		estimate:     DefaultTokenEstimate,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Book exposes the reservation book.
func (s *UsageService) Book() *ReservationBook { return s.book }

// TokenEstimate is the default per-request reservation.
func (s *UsageService) TokenEstimate() int64 { return s.estimate }

// CurrentQuota loads the row for the current period, creating it on
// first use. A concurrent creator wins and its row is returned.
func (s *UsageService) CurrentQuota(ctx context.Context) (*Quota, error) {
	return s.quotaFor(ctx, PeriodFor(s.now()))
}

func (s *UsageService) quotaFor(ctx context.Context, period Period) (*Quota, error) {
	q, err := s.store.FindQuota(ctx, period.Start)
	if err == nil {
		return q, nil
	}
	if !errors.Is(err, ErrQuotaNotFound) {
		return nil, fmt.Errorf("load quota: %w", err)
	}
	fresh := Quota{
		PeriodStart:  period.Start,
		PeriodEnd:    period.End,
		MessageLimit: s.messageLimit,
		TokenLimit:   s.tokenLimit,
	}
	if err := s.store.CreateQuota(ctx, fresh); err != nil {
		if !errors.Is(err, ErrQuotaConflict) {
			return nil, fmt.Errorf("create quota: %w", err)
		}
		q, err = s.store.FindQuota(ctx, period.Start)
		if err != nil {
			return nil, fmt.Errorf("reload quota: %w", err)
		}
		return q, nil
	}
	return &fresh, nil
}

// ReserveQuota holds one message and estimate tokens against the current
// period. A non-positive estimate uses the configured default.
func (s *UsageService) ReserveQuota(ctx context.Context, estimate int64) (*Reservation, error) {
	if estimate <= 0 {
		estimate = s.estimate
	}
	q, err := s.CurrentQuota(ctx)
	if err != nil {
		return nil, err
	}
	period := Period{Start: q.PeriodStart, End: q.PeriodEnd}
	ok := s.book.tryAdd(period.Key(), 1, estimate, func(msgs, toks int64) bool {
		return q.MessageUsed+msgs <= q.MessageLimit && q.TokenUsed+toks <= q.TokenLimit
	})
	if !ok {
		obs.QuotaRejected()
		snap := s.snapshot(q)
		obs.Warn("ai quota exceeded", map[string]any{
			"period_start":       snap.PeriodStart.Format(time.RFC3339),
			"messages_remaining": snap.MessagesRemaining,
			"tokens_remaining":   snap.TokensRemaining,
		})
		return nil, &QuotaExceededError{Snapshot: snap, ResetAt: q.PeriodEnd}
	}
	obs.ReservationHeld()
	return &Reservation{Period: period, Messages: 1, Tokens: estimate, book: s.book}, nil
}

// Release is a convenience for r.Release.
func (s *UsageService) Release(r *Reservation) { r.Release() }

// CommitUsage adds the real usage to the persisted counters.
func (s *UsageService) CommitUsage(ctx context.Context, entry UsageEntry) (*Quota, error) {
	if entry.Messages <= 0 {
		entry.Messages = 1
	}
	if entry.PromptTokens < 0 || entry.CompletionTokens < 0 {
		return nil, invalid("usage", "token counts must not be negative")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	period := PeriodFor(entry.CreatedAt)
	if _, err := s.quotaFor(ctx, period); err != nil {
		return nil, err
	}
	q, err := s.store.IncrementUsage(ctx, period.Start, entry)
	if err != nil {
		return nil, fmt.Errorf("commit usage: %w", err)
	}
	return q, nil
}

// Snapshot reports current usage including in-flight reservations.
func (s *UsageService) Snapshot(ctx context.Context) (UsageSnapshot, error) {
	q, err := s.CurrentQuota(ctx)
	if err != nil {
		return UsageSnapshot{}, err
	}
	return s.snapshot(q), nil
}

func (s *UsageService) snapshot(q *Quota) UsageSnapshot {
	msgs, toks := s.book.Totals(Period{Start: q.PeriodStart}.Key())
	return UsageSnapshot{
		PeriodStart:       q.PeriodStart,
		PeriodEnd:         q.PeriodEnd,
		MessageLimit:      q.MessageLimit,
		TokenLimit:        q.TokenLimit,
		MessageUsed:       q.MessageUsed,
		TokenUsed:         q.TokenUsed,
		MessageReserved:   msgs,
		TokenReserved:     toks,
		MessagesRemaining: max(0, q.MessageLimit-q.MessageUsed),
		TokensRemaining:   max(0, q.TokenLimit-q.TokenUsed),
	}
}
