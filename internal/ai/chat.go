package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"churchops.org/internal/auth"
	"churchops.org/internal/ids"
	"churchops.org/internal/obs"
)

const (
	maxMessageRunes = 4000
	historyLimit    = 10
	titleRunes      = 60
)

// Conversation is a chat thread owned by one user.
type Conversation struct {
	ID        string
	UserID    int64
	Title     string
	CreatedAt time.Time
}

// StoredMessage is one persisted turn.
type StoredMessage struct {
	ID               string
	ConversationID   string
	Role             string
	Content          string
	Provider         string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	CreatedAt        time.Time
}

// ConversationStore persists conversations and their messages.
type ConversationStore interface {
	// Conversation returns ErrConversationNotFound for unknown ids.
	Conversation(ctx context.Context, id string) (*Conversation, error)
	CreateConversation(ctx context.Context, c Conversation) error
	// RecentMessages returns up to limit messages, oldest first.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]StoredMessage, error)
	AppendMessages(ctx context.Context, msgs ...StoredMessage) error
}

// UsageEvent is published after usage is committed.
type UsageEvent struct {
	UserID           int64     `json:"user_id"`
	ConversationID   string    `json:"conversation_id"`
	MessageID        string    `json:"message_id"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	FallbackUsed     bool      `json:"fallback_used"`
	CreatedAt        time.Time `json:"created_at"`
}

// UsagePublisher emits usage events to downstream consumers.
type UsagePublisher interface {
	PublishUsage(ctx context.Context, ev UsageEvent) error
}

// ChatRequest is the body of a chat call.
type ChatRequest struct {
	Message        string         `json:"message"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	Model          string         `json:"model,omitempty"`
}

// ChatResponse is returned to the caller.
type ChatResponse struct {
	ConversationID string        `json:"conversation_id"`
	MessageID      string        `json:"message_id"`
	Reply          string        `json:"reply"`
	CreatedAt      time.Time     `json:"created_at"`
	Provider       string        `json:"provider"`
	Model          string        `json:"model"`
	FallbackUsed   bool          `json:"fallback_used"`
	FallbackReason string        `json:"fallback_reason,omitempty"`
	Usage          TokenUsage    `json:"usage"`
	UsageSnapshot  UsageSnapshot `json:"usage_snapshot"`
}

// ChatService runs one assistant turn: guard, ground, call, account.
type ChatService struct {
	policy    *Policy
	usage     *UsageService
	provider  Provider
	convs     ConversationStore
	tools     *ReadOnlyService
	publisher UsagePublisher
	now       func() time.Time
}

type ChatOption func(*ChatService)

// WithTools enables server-built business context from the catalog.
func WithTools(t *ReadOnlyService) ChatOption {
	return func(s *ChatService) { s.tools = t }
}

func WithPublisher(p UsagePublisher) ChatOption {
	return func(s *ChatService) { s.publisher = p }
}

func WithChatClock(now func() time.Time) ChatOption {
	return func(s *ChatService) {
		if now != nil {
			s.now = now
		}
	}
}

func NewChatService(policy *Policy, usage *UsageService, provider Provider, convs ConversationStore, opts ...ChatOption) *ChatService {
	if policy == nil {
		policy = NewPolicy()
	}
	s := &ChatService{policy: policy, usage: usage, provider: provider, convs: convs, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Chat handles one user message. The quota reservation is released on
// every exit path.
func (s *ChatService) Chat(ctx context.Context, actor *auth.Actor, req ChatRequest) (*ChatResponse, error) {
	if actor == nil {
		return nil, &UnauthorizedError{Message: "Unauthorized"}
	}
	text := strings.TrimSpace(req.Message)
	if text == "" {
		return nil, invalid("message", "is required")
	}
	if utf8.RuneCountInString(text) > maxMessageRunes {
		return nil, invalid("message", "must be at most %d characters", maxMessageRunes)
	}
	req.ConversationID = strings.TrimSpace(req.ConversationID)

	var conv *Conversation
	if req.ConversationID != "" {
		c, err := s.convs.Conversation(ctx, req.ConversationID)
		if errors.Is(err, ErrConversationNotFound) {
			return nil, &NotFoundError{Resource: "conversation"}
		}
		if err != nil {
			return nil, fmt.Errorf("load conversation: %w", err)
		}
		if c.UserID != actor.UserID {
			return nil, &UnauthorizedError{Message: "conversation belongs to another user"}
		}
		conv = c
	}

	res, err := s.usage.ReserveQuota(ctx, 0)
	if err != nil {
		return nil, err
	}
	defer res.Release()

	clean := s.policy.SanitizeMessage(text)
	aiContext := s.buildContext(ctx, actor, req.Context)

	var history []StoredMessage
	if conv != nil {
		history, err = s.convs.RecentMessages(ctx, conv.ID, historyLimit)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
	}
	messages := make([]Message, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, Message{Role: "user", Content: clean})

	encoded, _ := json.Marshal(aiContext)
	reply, err := s.provider.Complete(ctx, ProviderRequest{
		Model:       strings.TrimSpace(req.Model),
		System:      s.policy.BuildSystemPrompt(aiContext) + "\nContext JSON:\n" + string(encoded),
		Messages:    messages,
		Temperature: 0.2,
	})
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if conv == nil {
		conv = &Conversation{ID: ids.Prefixed("conv"), UserID: actor.UserID, Title: title(clean), CreatedAt: now}
		if err := s.convs.CreateConversation(ctx, *conv); err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
	}
	userMsg := StoredMessage{ID: ids.Prefixed("msg"), ConversationID: conv.ID, Role: "user", Content: clean, CreatedAt: now}
	replyMsg := StoredMessage{
		ID:               ids.Prefixed("msg"),
		ConversationID:   conv.ID,
		Role:             "assistant",
		Content:          reply.Text,
		Provider:         reply.Provider,
		Model:            reply.Model,
		PromptTokens:     reply.Usage.PromptTokens,
		CompletionTokens: reply.Usage.CompletionTokens,
		CreatedAt:        now,
	}
	if err := s.convs.AppendMessages(ctx, userMsg, replyMsg); err != nil {
		return nil, fmt.Errorf("persist messages: %w", err)
	}

	quota, err := s.usage.CommitUsage(ctx, UsageEntry{
		UserID:           actor.UserID,
		ConversationID:   conv.ID,
		Provider:         reply.Provider,
		Model:            reply.Model,
		Messages:         1,
		PromptTokens:     reply.Usage.PromptTokens,
		CompletionTokens: reply.Usage.CompletionTokens,
		CreatedAt:        now,
	})
	if err != nil {
		return nil, err
	}
	res.Release()
	snap := s.usage.snapshot(quota)

	s.publish(ctx, UsageEvent{
		UserID:           actor.UserID,
		ConversationID:   conv.ID,
		MessageID:        replyMsg.ID,
		Provider:         reply.Provider,
		Model:            reply.Model,
		PromptTokens:     reply.Usage.PromptTokens,
		CompletionTokens: reply.Usage.CompletionTokens,
		FallbackUsed:     reply.FallbackUsed,
		CreatedAt:        now,
	})

	return &ChatResponse{
		ConversationID: conv.ID,
		MessageID:      replyMsg.ID,
		Reply:          reply.Text,
		CreatedAt:      now,
		Provider:       reply.Provider,
		Model:          reply.Model,
		FallbackUsed:   reply.FallbackUsed,
		FallbackReason: reply.FallbackReason,
		Usage:          reply.Usage,
		UsageSnapshot:  snap,
	}, nil
}

// buildContext merges the caller context with server facts and bounds
// it. module and scope always come from the server.
func (s *ChatService) buildContext(ctx context.Context, actor *auth.Actor, caller map[string]any) map[string]any {
	merged := make(map[string]any, len(caller)+3)
	for k, v := range caller {
		merged[k] = v
	}
	module, _ := caller["module"].(string)
	module = strings.TrimSpace(module)
	if module == "" {
		delete(merged, "module")
	}
	if actor.Privileged {
		merged["scope"] = "admin"
	} else {
		merged["scope"] = "own"
	}
	if s.tools != nil && module != "" {
		merged["ai_business"] = s.businessContext(ctx, actor, module)
	}
	return s.policy.SanitizeContext(merged)
}

func (s *ChatService) businessContext(ctx context.Context, actor *auth.Actor, module string) map[string]any {
	warnings := []any{}
	knowledge := map[string]any{}
	if _, ok := s.tools.Catalog().Contract(module); !ok {
		warnings = append(warnings, fmt.Sprintf("module %q has no read-only contract", module))
	} else if res, err := s.tools.ExecuteQuery(ctx, actor, module, OpSummary, nil); err != nil {
		obs.Info("ai business context unavailable", map[string]any{
			"actor_id": actor.UserID, "module": module, "error": err.Error(),
		})
		warnings = append(warnings, fmt.Sprintf("%s summary unavailable: %s", module, err.Error()))
	} else {
		knowledge["module_summary"] = res.Data
	}
	return map[string]any{
		"generated_at":        s.now().UTC().Format(time.RFC3339),
		"module_policy":       "read_only",
		"cross_module_access": false,
		"warnings":            warnings,
		"knowledge":           knowledge,
	}
}

func (s *ChatService) publish(ctx context.Context, ev UsageEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishUsage(ctx, ev); err != nil {
		obs.Warn("usage event publish failed", map[string]any{
			"conversation_id": ev.ConversationID,
			"error":           err.Error(),
		})
	}
}

func title(msg string) string {
	if utf8.RuneCountInString(msg) <= titleRunes {
		return msg
	}
	return string([]rune(msg)[:titleRunes])
}
