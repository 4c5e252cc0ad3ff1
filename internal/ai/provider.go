package ai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"churchops.org/internal/obs"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ProviderRequest is a provider-neutral completion request.
type ProviderRequest struct {
	Model       string
	System      string
	Messages    []Message
	Temperature float64
}

// TokenUsage is the token accounting reported by a provider.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// ProviderResponse is a completed reply.
type ProviderResponse struct {
	Provider       string
	Model          string
	Text           string
	Usage          TokenUsage
	FallbackUsed   bool
	FallbackReason string
}

// Provider is a chat completion backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req ProviderRequest) (*ProviderResponse, error)
}

// ErrorClassifier decides whether an upstream error means the account
// has run out of quota or billing.
type ErrorClassifier interface {
	QuotaExhausted(status int, code, message string) bool
}

// OpenAIClassifier recognises OpenAI quota errors.
type OpenAIClassifier struct{}

func (OpenAIClassifier) QuotaExhausted(status int, code, message string) bool {
	switch code {
	case "insufficient_quota", "billing_hard_limit_reached":
		return true
	}
	if status != http.StatusTooManyRequests && status != http.StatusPaymentRequired && status != http.StatusForbidden {
		return false
	}
	m := strings.ToLower(message)
	return strings.Contains(m, "quota") || strings.Contains(m, "billing")
}

// GeminiClassifier recognises Gemini quota errors.
type GeminiClassifier struct{}

func (GeminiClassifier) QuotaExhausted(status int, code, message string) bool {
	if code == "RESOURCE_EXHAUSTED" {
		return true
	}
	if status != http.StatusTooManyRequests && status != http.StatusForbidden {
		return false
	}
	m := strings.ToLower(message)
	return strings.Contains(m, "quota") || strings.Contains(m, "billing")
}

// providerConfig holds settings shared by the HTTP providers.
type providerConfig struct {
	baseURL    string
	model      string
	client     *http.Client
	classifier ErrorClassifier
}

// ProviderOption customises an HTTP provider.
type ProviderOption func(*providerConfig)

func WithBaseURL(u string) ProviderOption {
	return func(c *providerConfig) {
		if u = strings.TrimRight(strings.TrimSpace(u), "/"); u != "" {
			c.baseURL = u
		}
	}
}

func WithModel(m string) ProviderOption {
	return func(c *providerConfig) {
		if m = strings.TrimSpace(m); m != "" {
			c.model = m
		}
	}
}

func WithHTTPClient(hc *http.Client) ProviderOption {
	return func(c *providerConfig) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithTimeout bounds each upstream call.
func WithTimeout(d time.Duration) ProviderOption {
	return func(c *providerConfig) {
		if d > 0 {
			c.client = &http.Client{Timeout: d}
		}
	}
}

func WithClassifier(cl ErrorClassifier) ProviderOption {
	return func(c *providerConfig) {
		if cl != nil {
			c.classifier = cl
		}
	}
}

func newProviderConfig(baseURL, model string, cl ErrorClassifier, opts []ProviderOption) providerConfig {
	c := providerConfig{
		baseURL:    baseURL,
		model:      model,
		client:     &http.Client{Timeout: 45 * time.Second},
		classifier: cl,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// transportError wraps a failed round trip as a 503-class provider error.
func transportError(provider string, err error) *ProviderError {
	msg := "provider unreachable"
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
		msg = "provider timed out"
	}
	return &ProviderError{Provider: provider, Message: msg, Err: err}
}

// Router sends requests to the primary provider and retries retryable
// failures once on the fallback.
type Router struct {
	primary  Provider
	fallback Provider
}

func NewRouter(primary, fallback Provider) *Router {
	return &Router{primary: primary, fallback: fallback}
}

// Name reports the primary provider.
func (r *Router) Name() string {
	if r.primary == nil {
		return "none"
	}
	return r.primary.Name()
}

func (r *Router) Complete(ctx context.Context, req ProviderRequest) (*ProviderResponse, error) {
	if r.primary == nil {
		return nil, &CredentialServiceError{Status: http.StatusServiceUnavailable, Message: "no AI provider configured"}
	}
	resp, err := r.primary.Complete(ctx, req)
	if err == nil {
		obs.ProviderRequest(r.primary.Name(), "ok")
		return resp, nil
	}
	obs.ProviderRequest(r.primary.Name(), "error")

	reason, ok := fallbackReason(err)
	if !ok || r.fallback == nil || ctx.Err() != nil {
		return nil, err
	}
	obs.Warn("ai provider fallback", map[string]any{
		"primary":  r.primary.Name(),
		"fallback": r.fallback.Name(),
		"reason":   reason,
		"error":    err.Error(),
	})
	// model names do not carry over between providers
	req.Model = ""
	resp, ferr := r.fallback.Complete(ctx, req)
	if ferr != nil {
		obs.ProviderRequest(r.fallback.Name(), "error")
		return nil, ferr
	}
	obs.ProviderRequest(r.fallback.Name(), "ok")
	resp.FallbackUsed = true
	resp.FallbackReason = reason
	return resp, nil
}

func fallbackReason(err error) (string, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		if !pe.Retryable() {
			return "", false
		}
		switch {
		case pe.QuotaExhausted:
			return "primary_quota_exhausted", true
		case pe.Status == http.StatusTooManyRequests:
			return "primary_rate_limited", true
		case pe.Status == 0:
			return "primary_unreachable", true
		}
		return "primary_unavailable", true
	}
	var ce *CredentialServiceError
	if errors.As(err, &ce) && ce.Status == http.StatusServiceUnavailable {
		return "primary_not_configured", true
	}
	return "", false
}
