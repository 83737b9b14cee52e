package hermes

import "time"

const (
	SubjectTrainingStarted   = "persona.training.started"
	SubjectTrainingCompleted = "persona.training.completed"
	SubjectTrainingFailed    = "persona.training.failed"
	SubjectVersionCreated    = "persona.version.created"
	SubjectVersionActivated  = "persona.version.activated"
	SubjectFineTuneUpdated   = "persona.finetune.updated"

	// SubjectChatTurn carries live chat turns published by the chat frontend.
	SubjectChatTurn = "persona.chat.turn"
)

// ProgressSubject is the per-session subject training progress is published on.
func ProgressSubject(sessionID string) string {
	return "persona.training.progress." + sessionID
}

type TrainingEvent struct {
	SessionID    string    `json:"session_id"`
	AvatarID     string    `json:"avatar_id"`
	UserID       string    `json:"user_id"`
	TrainingType string    `json:"training_type"`
	VersionID    string    `json:"version_id,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type ProgressEvent struct {
	SessionID string    `json:"session_id"`
	Stage     string    `json:"stage"`
	Label     string    `json:"label"`
	Percent   int       `json:"percent"`
	Timestamp time.Time `json:"timestamp"`
}

type VersionEvent struct {
	VersionID     string    `json:"version_id"`
	AvatarID      string    `json:"avatar_id"`
	VersionNumber string    `json:"version_number"`
	ParentID      string    `json:"parent_version_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

type FineTuneEvent struct {
	JobID          string    `json:"job_id"`
	AvatarID       string    `json:"avatar_id"`
	Status         string    `json:"status"`
	FineTunedModel string    `json:"fine_tuned_model,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ChatTurn is one exchanged user message and avatar reply.
type ChatTurn struct {
	AvatarID       string `json:"avatar_id"`
	UserID         string `json:"user_id"`
	SessionID      string `json:"session_id,omitempty"`
	UserMessage    string `json:"user_message"`
	AvatarResponse string `json:"avatar_response"`
	Feedback       string `json:"feedback,omitempty"`
}
