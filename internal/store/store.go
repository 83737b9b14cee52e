package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict means another version was created for the avatar after the caller
	// read its base; the caller must re-read before creating.
	ErrVersionConflict = errors.New("prompt version conflict: another training run created a version first")
	// ErrStaleStatus means the session was no longer in the expected status when updated.
	ErrStaleStatus = errors.New("training session status changed concurrently")
	ErrLineageCycle = errors.New("prompt version lineage contains a cycle")
)

// Repository is the persistence boundary used by every stage. Postgres backs it in
// production; MemStore backs tests and dev mode.
type Repository interface {
	CreateAvatar(ctx context.Context, a *Avatar) error
	GetAvatar(ctx context.Context, id uuid.UUID) (*Avatar, error)
	UpdateAvatar(ctx context.Context, a *Avatar) error

	CreateSession(ctx context.Context, s *TrainingSession) error
	GetSession(ctx context.Context, id uuid.UUID) (*TrainingSession, error)
	// TransitionSession moves a session from one status to another only if it is still in from.
	TransitionSession(ctx context.Context, id uuid.UUID, from, to SessionStatus, result *SessionResult) (*TrainingSession, error)
	ListSessions(ctx context.Context, avatarID, userID uuid.UUID) ([]TrainingSession, error)
	WriteErrorLog(ctx context.Context, l *TrainingErrorLog) error
	ListErrorLogs(ctx context.Context, sessionID uuid.UUID) ([]TrainingErrorLog, error)

	CreateFile(ctx context.Context, f *TrainingFile) error
	ListFiles(ctx context.Context, sessionID uuid.UUID) ([]TrainingFile, error)
	UpdateFileStatus(ctx context.Context, id uuid.UUID, status FileStatus, extractedText *string) error

	// CreateVersion assigns Seq/VersionNumber from the avatar counter, which must still equal
	// expectedCounter; otherwise ErrVersionConflict.
	CreateVersion(ctx context.Context, v *PromptVersion, expectedCounter int) error
	GetVersion(ctx context.Context, id uuid.UUID) (*PromptVersion, error)
	ListVersions(ctx context.Context, avatarID uuid.UUID) ([]PromptVersion, error)
	LatestVersion(ctx context.Context, avatarID uuid.UUID) (*PromptVersion, error)
	ActiveVersion(ctx context.Context, avatarID uuid.UUID) (*PromptVersion, error)
	// ActivateVersion deactivates every version of the avatar and activates one, atomically.
	ActivateVersion(ctx context.Context, avatarID, versionID uuid.UUID) error
	CountChildren(ctx context.Context, versionID uuid.UUID) (int, error)
	DeleteVersion(ctx context.Context, id uuid.UUID) error
	UpdateVersionPrompt(ctx context.Context, id uuid.UUID, systemPrompt string) error
	IncrementVersionUsage(ctx context.Context, id uuid.UUID) error

	ListPatterns(ctx context.Context, avatarID uuid.UUID) ([]ConversationPattern, error)
	CreatePattern(ctx context.Context, p *ConversationPattern) error
	UpdatePattern(ctx context.Context, p *ConversationPattern) error
	DeletePattern(ctx context.Context, id uuid.UUID) error
	AppendFeedback(ctx context.Context, f *ConversationFeedback) error
	ListFeedback(ctx context.Context, avatarID uuid.UUID) ([]ConversationFeedback, error)

	CreateFineTuneJob(ctx context.Context, j *FineTuneJob) error
	GetFineTuneJob(ctx context.Context, id uuid.UUID) (*FineTuneJob, error)
	UpdateFineTuneJob(ctx context.Context, j *FineTuneJob) error
	ListFineTuneJobs(ctx context.Context, avatarID uuid.UUID) ([]FineTuneJob, error)
	ListActiveFineTuneJobs(ctx context.Context) ([]FineTuneJob, error)

	Close()
}
