package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const sessionColumns = `id, user_id, avatar_id, training_type, instructions, status, generated_prompts,
	analysis_results, improvement_notes, created_at, completed_at`

func scanSession(row pgx.Row) (*TrainingSession, error) {
	var t TrainingSession
	err := row.Scan(&t.ID, &t.UserID, &t.AvatarID, &t.TrainingType, &t.Instructions, &t.Status, &t.GeneratedPrompts,
		&t.AnalysisResults, &t.ImprovementNotes, &t.CreatedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) CreateSession(ctx context.Context, t *TrainingSession) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = time.Now().UTC()
	if t.Status == "" {
		t.Status = StatusPending
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO training_sessions (id, user_id, avatar_id, training_type, instructions, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.UserID, t.AvatarID, t.TrainingType, t.Instructions, t.Status, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert training session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*TrainingSession, error) {
	t, err := scanSession(s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM training_sessions WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get training session %s: %w", id, notFound(err))
	}
	return t, nil
}

// TransitionSession is a conditional update on the current status, so two writers racing
// on the same session cannot both win.
func (s *Store) TransitionSession(ctx context.Context, id uuid.UUID, from, to SessionStatus, result *SessionResult) (*TrainingSession, error) {
	var completedAt *time.Time
	if to == StatusCompleted || to == StatusFailed {
		now := time.Now().UTC()
		completedAt = &now
	}
	var generated, analysis []byte
	var notes *string
	if result != nil {
		generated, analysis = result.GeneratedPrompts, result.AnalysisResults
		if result.ImprovementNotes != "" {
			notes = &result.ImprovementNotes
		}
	}

	t, err := scanSession(s.pool.QueryRow(ctx, `
		UPDATE training_sessions SET
			status = $3,
			completed_at = COALESCE($4, completed_at),
			generated_prompts = COALESCE($5, generated_prompts),
			analysis_results = COALESCE($6, analysis_results),
			improvement_notes = COALESCE($7, improvement_notes)
		WHERE id = $1 AND status = $2
		RETURNING `+sessionColumns,
		id, from, to, completedAt, generated, analysis, notes,
	))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update training session status: %w", err)
	}
	if _, gerr := s.GetSession(ctx, id); gerr != nil {
		return nil, gerr
	}
	return nil, fmt.Errorf("transition session %s from %s: %w", id, from, ErrStaleStatus)
}

func (s *Store) ListSessions(ctx context.Context, avatarID, userID uuid.UUID) ([]TrainingSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM training_sessions
		WHERE avatar_id = $1 AND user_id = $2
		ORDER BY created_at DESC`, avatarID, userID)
	if err != nil {
		return nil, fmt.Errorf("list training sessions: %w", err)
	}
	defer rows.Close()

	var out []TrainingSession
	for rows.Next() {
		t, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan training session: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Store) WriteErrorLog(ctx context.Context, l *TrainingErrorLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	l.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO training_error_logs (id, session_id, stage, message, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		l.ID, l.SessionID, l.Stage, l.Message, l.Detail, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert training error log: %w", err)
	}
	return nil
}

func (s *Store) ListErrorLogs(ctx context.Context, sessionID uuid.UUID) ([]TrainingErrorLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, stage, message, detail, created_at
		FROM training_error_logs WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list training error logs: %w", err)
	}
	defer rows.Close()

	var out []TrainingErrorLog
	for rows.Next() {
		var l TrainingErrorLog
		if err := rows.Scan(&l.ID, &l.SessionID, &l.Stage, &l.Message, &l.Detail, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan training error log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
