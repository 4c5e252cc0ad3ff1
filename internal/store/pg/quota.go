package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"churchops.org/internal/ai"
	"churchops.org/internal/ids"
)

var _ ai.QuotaStore = (*Store)(nil)

func (s *Store) FindQuota(ctx context.Context, periodStart time.Time) (*ai.Quota, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var q ai.Quota
	err := s.db.QueryRowContext(ctx, `
		select period_start, period_end, message_limit, token_limit, message_used, token_used
		from ai_usage_quotas
		where period_start = $1`, periodStart.UTC()).
		Scan(&q.PeriodStart, &q.PeriodEnd, &q.MessageLimit, &q.TokenLimit, &q.MessageUsed, &q.TokenUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ai.ErrQuotaNotFound
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *Store) CreateQuota(ctx context.Context, q ai.Quota) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into ai_usage_quotas (period_start, period_end, message_limit, token_limit, message_used, token_used)
		values ($1, $2, $3, $4, $5, $6)`,
		q.PeriodStart.UTC(), q.PeriodEnd.UTC(), q.MessageLimit, q.TokenLimit, q.MessageUsed, q.TokenUsed)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return ai.ErrQuotaConflict
	}
	return err
}

// IncrementUsage bumps the counters and appends the ledger row in one
// transaction. The increment is relative so concurrent writers add up.
func (s *Store) IncrementUsage(ctx context.Context, periodStart time.Time, entry ai.UsageEntry) (*ai.Quota, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var q ai.Quota
	err = tx.QueryRowContext(ctx, `
		update ai_usage_quotas
		set message_used = message_used + $2,
		    token_used = token_used + $3,
		    updated_at = now()
		where period_start = $1
		returning period_start, period_end, message_limit, token_limit, message_used, token_used`,
		periodStart.UTC(), entry.Messages, entry.Tokens()).
		Scan(&q.PeriodStart, &q.PeriodEnd, &q.MessageLimit, &q.TokenLimit, &q.MessageUsed, &q.TokenUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ai.ErrQuotaNotFound
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into ai_usage_ledger (id, user_id, conversation_id, provider, model, messages, prompt_tokens, completion_tokens, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ids.Prefixed("use"), nullInt64(entry.UserID), nullString(entry.ConversationID), entry.Provider, entry.Model,
		entry.Messages, entry.PromptTokens, entry.CompletionTokens, entry.CreatedAt.UTC()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &q, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
