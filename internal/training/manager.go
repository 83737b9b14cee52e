package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/persona/internal/store"
)

// Manager owns the training session lifecycle and the raw material attached to a session.
type Manager struct {
	store  store.Repository
	logger *slog.Logger
}

func NewManager(s store.Repository, logger *slog.Logger) *Manager {
	return &Manager{store: s, logger: logger}
}

// CreateSession records a new session. Sessions always start pending.
func (m *Manager) CreateSession(ctx context.Context, userID, avatarID uuid.UUID, typ store.TrainingType, instructions string) (*store.TrainingSession, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("unknown training type %q", typ)
	}
	s := &store.TrainingSession{
		UserID:       userID,
		AvatarID:     avatarID,
		TrainingType: typ,
		Instructions: instructions,
		Status:       store.StatusPending,
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("create training session: %w", err)
	}
	m.logger.Info("training session created", "session_id", s.ID, "avatar_id", avatarID, "type", typ)
	return s, nil
}

func (m *Manager) Get(ctx context.Context, sessionID uuid.UUID) (*store.TrainingSession, error) {
	return m.store.GetSession(ctx, sessionID)
}

// UpdateStatus moves a session to a new status. The transition is validated against the
// session's current status and written conditionally on that status, so a concurrent
// writer that got there first yields ErrInvalidTransition instead of a regression.
func (m *Manager) UpdateStatus(ctx context.Context, sessionID uuid.UUID, to store.SessionStatus, result *store.SessionResult) (*store.TrainingSession, error) {
	cur, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(cur.Status, to); err != nil {
		return nil, err
	}
	updated, err := m.store.TransitionSession(ctx, sessionID, cur.Status, to, result)
	if errors.Is(err, store.ErrStaleStatus) {
		return nil, fmt.Errorf("%w: session %s changed while moving to %s", ErrInvalidTransition, sessionID, to)
	}
	if err != nil {
		return nil, err
	}
	m.logger.Debug("training session status", "session_id", sessionID, "from", cur.Status, "to", to)
	return updated, nil
}

func (m *Manager) Start(ctx context.Context, sessionID uuid.UUID) (*store.TrainingSession, error) {
	return m.UpdateStatus(ctx, sessionID, store.StatusProcessing, nil)
}

func (m *Manager) Complete(ctx context.Context, sessionID uuid.UUID, result store.SessionResult) (*store.TrainingSession, error) {
	return m.UpdateStatus(ctx, sessionID, store.StatusCompleted, &result)
}

// Fail marks the session failed and appends an error log entry for the stage that broke.
func (m *Manager) Fail(ctx context.Context, sessionID uuid.UUID, stage string, cause error) (*store.TrainingSession, error) {
	updated, err := m.UpdateStatus(ctx, sessionID, store.StatusFailed, &store.SessionResult{
		ImprovementNotes: "Training failed: " + cause.Error(),
	})
	if err != nil {
		return nil, err
	}
	entry := &store.TrainingErrorLog{
		SessionID: sessionID,
		Stage:     stage,
		Message:   cause.Error(),
		Detail:    fmt.Sprintf("%+v", cause),
	}
	if err := m.store.WriteErrorLog(ctx, entry); err != nil {
		m.logger.Error("failed to write training error log", "session_id", sessionID, "error", err)
	}
	return updated, nil
}

// ListSessions returns the avatar's sessions for a user, newest first.
func (m *Manager) ListSessions(ctx context.Context, avatarID, userID uuid.UUID) ([]store.TrainingSession, error) {
	return m.store.ListSessions(ctx, avatarID, userID)
}

func (m *Manager) ErrorLogs(ctx context.Context, sessionID uuid.UUID) ([]store.TrainingErrorLog, error) {
	return m.store.ListErrorLogs(ctx, sessionID)
}

// AddFile attaches an uploaded file to a session that has not started processing.
func (m *Manager) AddFile(ctx context.Context, sessionID uuid.UUID, f *store.TrainingFile) error {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.Status != store.StatusPending {
		return fmt.Errorf("%w: cannot add files to a %s session", ErrInvalidTransition, s.Status)
	}
	f.SessionID = sessionID
	f.Status = store.FilePending
	f.ExtractedText = nil
	if err := m.store.CreateFile(ctx, f); err != nil {
		return fmt.Errorf("add training file: %w", err)
	}
	return nil
}

func (m *Manager) ListFiles(ctx context.Context, sessionID uuid.UUID) ([]store.TrainingFile, error) {
	return m.store.ListFiles(ctx, sessionID)
}
