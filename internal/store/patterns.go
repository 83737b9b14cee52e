package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func (s *Store) ListPatterns(ctx context.Context, avatarID uuid.UUID) ([]ConversationPattern, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, avatar_id, user_id, pattern_type, trigger_words, response_pattern, examples,
			usage_count, success_rate, created_at, updated_at
		FROM conversation_patterns WHERE avatar_id = $1
		ORDER BY success_rate DESC, usage_count DESC`, avatarID)
	if err != nil {
		return nil, fmt.Errorf("list conversation patterns: %w", err)
	}
	defer rows.Close()

	var out []ConversationPattern
	for rows.Next() {
		var p ConversationPattern
		var examples []byte
		if err := rows.Scan(&p.ID, &p.AvatarID, &p.UserID, &p.PatternType, &p.TriggerWords, &p.ResponsePattern, &examples,
			&p.UsageCount, &p.SuccessRate, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation pattern: %w", err)
		}
		if len(examples) > 0 {
			if err := json.Unmarshal(examples, &p.Examples); err != nil {
				return nil, fmt.Errorf("decode pattern examples: %w", err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) CreatePattern(ctx context.Context, p *ConversationPattern) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	examples, err := marshalExamples(p.Examples)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversation_patterns (id, avatar_id, user_id, pattern_type, trigger_words, response_pattern, examples,
			usage_count, success_rate, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		p.ID, p.AvatarID, p.UserID, p.PatternType, nonNil(p.TriggerWords), p.ResponsePattern, examples,
		p.UsageCount, p.SuccessRate, now,
	)
	if err != nil {
		return fmt.Errorf("insert conversation pattern: %w", err)
	}
	return nil
}

func (s *Store) UpdatePattern(ctx context.Context, p *ConversationPattern) error {
	p.UpdatedAt = time.Now().UTC()
	examples, err := marshalExamples(p.Examples)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversation_patterns SET trigger_words = $2, response_pattern = $3, examples = $4,
			usage_count = $5, success_rate = $6, updated_at = $7
		WHERE id = $1`,
		p.ID, nonNil(p.TriggerWords), p.ResponsePattern, examples, p.UsageCount, p.SuccessRate, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update conversation pattern: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update conversation pattern %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (s *Store) DeletePattern(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversation_patterns WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete conversation pattern: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete conversation pattern %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) AppendFeedback(ctx context.Context, f *ConversationFeedback) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	f.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_feedback (id, avatar_id, user_id, chat_session_id, user_message, avatar_response, label, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.ID, f.AvatarID, f.UserID, f.ChatSessionID, f.UserMessage, f.AvatarResponse, f.Label, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert conversation feedback: %w", err)
	}
	return nil
}

// ListFeedback returns the avatar's feedback in chronological order.
func (s *Store) ListFeedback(ctx context.Context, avatarID uuid.UUID) ([]ConversationFeedback, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, avatar_id, user_id, chat_session_id, user_message, avatar_response, label, created_at
		FROM conversation_feedback WHERE avatar_id = $1 ORDER BY created_at`, avatarID)
	if err != nil {
		return nil, fmt.Errorf("list conversation feedback: %w", err)
	}
	defer rows.Close()

	var out []ConversationFeedback
	for rows.Next() {
		var f ConversationFeedback
		if err := rows.Scan(&f.ID, &f.AvatarID, &f.UserID, &f.ChatSessionID, &f.UserMessage, &f.AvatarResponse, &f.Label, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation feedback: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func marshalExamples(ex []PatternExample) ([]byte, error) {
	if ex == nil {
		ex = []PatternExample{}
	}
	b, err := json.Marshal(ex)
	if err != nil {
		return nil, fmt.Errorf("encode pattern examples: %w", err)
	}
	return b, nil
}
