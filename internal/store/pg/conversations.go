package pg

import (
	"context"
	"database/sql"
	"errors"

	"churchops.org/internal/ai"
)

var _ ai.ConversationStore = (*Store)(nil)

func (s *Store) Conversation(ctx context.Context, id string) (*ai.Conversation, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var c ai.Conversation
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, title, created_at
		from ai_conversations
		where id = $1`, id).Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ai.ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) CreateConversation(ctx context.Context, c ai.Conversation) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into ai_conversations (id, user_id, title, created_at, updated_at)
		values ($1, $2, $3, $4, $4)`, c.ID, c.UserID, c.Title, c.CreatedAt.UTC())
	return err
}

func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]ai.StoredMessage, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, conversation_id, role, content, provider, model, prompt_tokens, completion_tokens, created_at
		from (
			select * from ai_messages
			where conversation_id = $1
			order by created_at desc, id desc
			limit $2
		) recent
		order by created_at asc, id asc`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ai.StoredMessage
	for rows.Next() {
		var m ai.StoredMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Provider, &m.Model,
			&m.PromptTokens, &m.CompletionTokens, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) AppendMessages(ctx context.Context, msgs ...ai.StoredMessage) error {
	if s.db == nil {
		return errNoDB
	}
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx, `
			insert into ai_messages (id, conversation_id, role, content, provider, model, prompt_tokens, completion_tokens, created_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			m.ID, m.ConversationID, m.Role, m.Content, m.Provider, m.Model,
			m.PromptTokens, m.CompletionTokens, m.CreatedAt.UTC()); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `update ai_conversations set updated_at = now() where id = $1`, msgs[0].ConversationID); err != nil {
		return err
	}
	return tx.Commit()
}
