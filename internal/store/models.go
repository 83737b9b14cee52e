package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Avatar is the persona profile mirrored from the platform. VersionCounter is the
// optimistic concurrency token bumped on every prompt version creation.
type Avatar struct {
	ID                 uuid.UUID `json:"id"`
	UserID             uuid.UUID `json:"user_id"`
	Name               string    `json:"name"`
	Age                int       `json:"age,omitempty"`
	Gender             string    `json:"gender,omitempty"`
	OriginCountry      string    `json:"origin_country,omitempty"`
	PrimaryLanguage    string    `json:"primary_language,omitempty"`
	SecondaryLanguages []string  `json:"secondary_languages,omitempty"`
	Backstory          string    `json:"backstory,omitempty"`
	PersonalityTraits  []string  `json:"personality_traits,omitempty"`
	HiddenRules        string    `json:"hidden_rules,omitempty"`
	CustomPrompt       *string   `json:"custom_prompt,omitempty"`
	VersionCounter     int       `json:"version_counter"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type TrainingType string

const (
	TrainingFileUpload           TrainingType = "file_upload"
	TrainingConversationAnalysis TrainingType = "conversation_analysis"
	TrainingPromptUpdate         TrainingType = "prompt_update"
)

// Valid reports whether t is one of the known training types.
func (t TrainingType) Valid() bool {
	switch t {
	case TrainingFileUpload, TrainingConversationAnalysis, TrainingPromptUpdate:
		return true
	}
	return false
}

type SessionStatus string

const (
	StatusPending    SessionStatus = "pending"
	StatusProcessing SessionStatus = "processing"
	StatusCompleted  SessionStatus = "completed"
	StatusFailed     SessionStatus = "failed"
)

type TrainingSession struct {
	ID               uuid.UUID       `json:"id"`
	UserID           uuid.UUID       `json:"user_id"`
	AvatarID         uuid.UUID       `json:"avatar_id"`
	TrainingType     TrainingType    `json:"training_type"`
	Instructions     string          `json:"training_instructions,omitempty"`
	Status           SessionStatus   `json:"status"`
	GeneratedPrompts json.RawMessage `json:"generated_prompts,omitempty"`
	AnalysisResults  json.RawMessage `json:"analysis_results,omitempty"`
	ImprovementNotes string          `json:"improvement_notes,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// SessionResult carries the optional result fields written alongside a status change.
type SessionResult struct {
	GeneratedPrompts json.RawMessage
	AnalysisResults  json.RawMessage
	ImprovementNotes string
}

type FileStatus string

const (
	FilePending    FileStatus = "pending"
	FileProcessing FileStatus = "processing"
	FileCompleted  FileStatus = "completed"
	FileFailed     FileStatus = "failed"
)

type TrainingFile struct {
	ID            uuid.UUID       `json:"id"`
	SessionID     uuid.UUID       `json:"session_id"`
	StoragePath   string          `json:"storage_path"`
	Filename      string          `json:"original_filename"`
	Size          int64           `json:"file_size"`
	ContentType   string          `json:"content_type"`
	Status        FileStatus      `json:"processing_status"`
	ExtractedText *string         `json:"extracted_text,omitempty"`
	AnalysisData  json.RawMessage `json:"analysis_data,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type InheritanceType string

const (
	InheritFull        InheritanceType = "full"
	InheritIncremental InheritanceType = "incremental"
	InheritOverride    InheritanceType = "override"
)

type PromptVersion struct {
	ID                uuid.UUID       `json:"id"`
	AvatarID          uuid.UUID       `json:"avatar_id"`
	UserID            uuid.UUID       `json:"user_id"`
	TrainingDataID    *uuid.UUID      `json:"training_data_id,omitempty"`
	ParentVersionID   *uuid.UUID      `json:"parent_version_id,omitempty"`
	Seq               int             `json:"-"`
	VersionNumber     string          `json:"version_number"`
	VersionName       string          `json:"version_name,omitempty"`
	Description       string          `json:"description,omitempty"`
	SystemPrompt      string          `json:"system_prompt"`
	PersonalityTraits []string        `json:"personality_traits"`
	BehaviorRules     []string        `json:"behavior_rules"`
	ResponseStyle     map[string]any  `json:"response_style"`
	InheritanceType   InheritanceType `json:"inheritance_type"`
	IsActive          bool            `json:"is_active"`
	IsPublished       bool            `json:"is_published"`
	UsageCount        int             `json:"usage_count"`
	Rating            *float64        `json:"rating,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	ActivatedAt       *time.Time      `json:"activated_at,omitempty"`
}

// FormatVersionNumber renders a per-avatar sequence as "v<n>.0".
func FormatVersionNumber(seq int) string {
	return fmt.Sprintf("v%d.0", seq)
}

type PatternType string

const (
	PatternGreeting PatternType = "greeting"
	PatternQuestion PatternType = "question"
	PatternCasual   PatternType = "casual"
	PatternFormal   PatternType = "formal"
	PatternGeneral  PatternType = "general"
)

type PatternExample struct {
	UserMessage    string    `json:"user_message"`
	AvatarResponse string    `json:"avatar_response"`
	At             time.Time `json:"at"`
}

type ConversationPattern struct {
	ID              uuid.UUID        `json:"id"`
	AvatarID        uuid.UUID        `json:"avatar_id"`
	UserID          uuid.UUID        `json:"user_id"`
	PatternType     PatternType      `json:"pattern_type"`
	TriggerWords    []string         `json:"trigger_words"`
	ResponsePattern string           `json:"response_pattern"`
	Examples        []PatternExample `json:"examples"`
	UsageCount      int              `json:"usage_count"`
	SuccessRate     float64          `json:"success_rate"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

type FeedbackLabel string

const (
	FeedbackGood    FeedbackLabel = "good"
	FeedbackBad     FeedbackLabel = "bad"
	FeedbackNeutral FeedbackLabel = "neutral"
)

// ConversationFeedback is append-only.
type ConversationFeedback struct {
	ID             uuid.UUID     `json:"id"`
	AvatarID       uuid.UUID     `json:"avatar_id"`
	UserID         uuid.UUID     `json:"user_id"`
	ChatSessionID  string        `json:"session_id,omitempty"`
	UserMessage    string        `json:"user_message"`
	AvatarResponse string        `json:"avatar_response"`
	Label          FeedbackLabel `json:"feedback"`
	CreatedAt      time.Time     `json:"created_at"`
}

type TrainingErrorLog struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type FineTuneStatus string

const (
	FineTuneValidating FineTuneStatus = "validating_files"
	FineTuneQueued     FineTuneStatus = "queued"
	FineTuneRunning    FineTuneStatus = "running"
	FineTuneSucceeded  FineTuneStatus = "succeeded"
	FineTuneFailed     FineTuneStatus = "failed"
	FineTuneCancelled  FineTuneStatus = "cancelled"
)

// Terminal reports whether the provider will no longer change the job.
func (s FineTuneStatus) Terminal() bool {
	return s == FineTuneSucceeded || s == FineTuneFailed || s == FineTuneCancelled
}

type FineTuneJob struct {
	ID             uuid.UUID      `json:"id"`
	AvatarID       uuid.UUID      `json:"avatar_id"`
	UserID         uuid.UUID      `json:"user_id"`
	ProviderJobID  string         `json:"provider_job_id"`
	ProviderFileID string         `json:"provider_file_id"`
	BaseModel      string         `json:"base_model"`
	FineTunedModel string         `json:"fine_tuned_model,omitempty"`
	Status         FineTuneStatus `json:"status"`
	ExampleCount   int            `json:"example_count"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
}
