package ai

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrQuotaNotFound = errors.New("ai: quota not found")
	ErrQuotaConflict = errors.New("ai: quota already exists")

	ErrConversationNotFound = errors.New("ai: conversation not found")

	// ErrIdempotencyConflict is returned when a key is reused with a
	// different payload or while the first request is still running.
	ErrIdempotencyConflict = errors.New("ai: idempotency key conflict")
)

// InputValidationError reports a malformed request field.
type InputValidationError struct {
	Field   string
	Message string
}

func (e *InputValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &InputValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing resource such as a conversation.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string { return e.Resource + " not found" }

// UnauthorizedError reports an ownership or permission failure.
type UnauthorizedError struct {
	Message string
}

func (e *UnauthorizedError) Error() string { return e.Message }

// QuotaExceededError is returned when a reservation would exceed the
// monthly limits.
type QuotaExceededError struct {
	Snapshot UsageSnapshot
	ResetAt  time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("AI usage quota exceeded until %s", e.ResetAt.Format(time.RFC3339))
}

// ProviderError wraps a failed upstream call.
type ProviderError struct {
	Provider       string
	Status         int
	Code           string
	Message        string
	QuotaExhausted bool
	Err            error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s provider error (%d): %s", e.Provider, e.Status, msg)
	}
	return fmt.Sprintf("%s provider error: %s", e.Provider, msg)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ClientStatus is the status surfaced to API callers. Upstream 5xx, 429
// and transport failures collapse to 503.
func (e *ProviderError) ClientStatus() int {
	switch {
	case e.Status == 0, e.Status >= 500, e.Status == http.StatusTooManyRequests, e.QuotaExhausted:
		return http.StatusServiceUnavailable
	case e.Status >= 400:
		return e.Status
	}
	return http.StatusBadGateway
}

// Retryable reports whether another provider should be tried.
func (e *ProviderError) Retryable() bool {
	return e.ClientStatus() == http.StatusServiceUnavailable
}

// CredentialServiceError reports a provider that cannot be used.
type CredentialServiceError struct {
	Provider string
	Status   int
	Message  string
}

func (e *CredentialServiceError) Error() string { return e.Message }

// CredentialCryptoError reports a stored credential that failed to
// decrypt.
type CredentialCryptoError struct {
	Provider string
	Err      error
}

func (e *CredentialCryptoError) Error() string {
	return fmt.Sprintf("credential for %s could not be decrypted", e.Provider)
}

func (e *CredentialCryptoError) Unwrap() error { return e.Err }

// ContractError reports a module or operation outside the tool catalog,
// or input that does not satisfy the operation schema.
type ContractError struct {
	Module    string
	Operation string
	Message   string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("tool contract %s.%s: %s", e.Module, e.Operation, e.Message)
}
