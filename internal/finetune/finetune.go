// Package finetune turns an avatar's labelled conversations into a provider
// fine-tuning job and tracks the job until it finishes.
package finetune

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/persona/internal/hermes"
	"github.com/MikeSquared-Agency/persona/internal/openai"
	"github.com/MikeSquared-Agency/persona/internal/store"
)

// MinExamples is the smallest dataset the provider accepts.
const MinExamples = 10

var (
	ErrNotEnoughExamples = errors.New("not enough labelled conversations to fine-tune")
	ErrJobFinished       = errors.New("fine-tune job already finished")
)

// Provider is the fine-tuning API surface of the LLM provider.
type Provider interface {
	UploadFile(ctx context.Context, filename string, data []byte, purpose string) (*openai.File, error)
	CreateFineTuneJob(ctx context.Context, trainingFileID, model, suffix string) (*openai.FineTuneJob, error)
	GetFineTuneJob(ctx context.Context, jobID string) (*openai.FineTuneJob, error)
	CancelFineTuneJob(ctx context.Context, jobID string) (*openai.FineTuneJob, error)
}

// PromptResolver yields the system prompt an avatar currently chats with.
type PromptResolver interface {
	SystemPrompt(ctx context.Context, avatarID uuid.UUID) (string, error)
}

type Service struct {
	store     store.Repository
	provider  Provider
	prompts   PromptResolver
	bus       hermes.Bus
	baseModel string
	logger    *slog.Logger
}

func NewService(s store.Repository, provider Provider, prompts PromptResolver, bus hermes.Bus, baseModel string, logger *slog.Logger) *Service {
	return &Service{
		store:     s,
		provider:  provider,
		prompts:   prompts,
		bus:       bus,
		baseModel: baseModel,
		logger:    logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type example struct {
	Messages []chatMessage `json:"messages"`
}

// BuildDataset renders the avatar's good and neutral feedback as JSONL chat examples,
// each led by the avatar's resolved system prompt. It returns the dataset and its size.
func (s *Service) BuildDataset(ctx context.Context, avatarID uuid.UUID) ([]byte, int, error) {
	system, err := s.prompts.SystemPrompt(ctx, avatarID)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve system prompt: %w", err)
	}
	feedback, err := s.store.ListFeedback(ctx, avatarID)
	if err != nil {
		return nil, 0, fmt.Errorf("list feedback: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	count := 0
	for _, f := range feedback {
		if f.Label == store.FeedbackBad {
			continue
		}
		user := strings.TrimSpace(f.UserMessage)
		reply := strings.TrimSpace(f.AvatarResponse)
		if user == "" || reply == "" {
			continue
		}
		if err := enc.Encode(example{Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
			{Role: "assistant", Content: reply},
		}}); err != nil {
			return nil, 0, fmt.Errorf("encode example: %w", err)
		}
		count++
	}
	return buf.Bytes(), count, nil
}

// Start uploads the avatar's dataset and submits a fine-tuning job for it.
func (s *Service) Start(ctx context.Context, avatarID, userID uuid.UUID) (*store.FineTuneJob, error) {
	data, count, err := s.BuildDataset(ctx, avatarID)
	if err != nil {
		return nil, err
	}
	if count < MinExamples {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughExamples, count, MinExamples)
	}

	short := strings.ReplaceAll(avatarID.String(), "-", "")[:8]
	file, err := s.provider.UploadFile(ctx, "persona-"+short+".jsonl", data, "fine-tune")
	if err != nil {
		return nil, err
	}
	pj, err := s.provider.CreateFineTuneJob(ctx, file.ID, s.baseModel, "persona-"+short)
	if err != nil {
		return nil, err
	}

	job := &store.FineTuneJob{
		AvatarID:       avatarID,
		UserID:         userID,
		ProviderJobID:  pj.ID,
		ProviderFileID: file.ID,
		BaseModel:      s.baseModel,
		Status:         providerStatus(pj.Status, store.FineTuneValidating),
		ExampleCount:   count,
	}
	if err := s.store.CreateFineTuneJob(ctx, job); err != nil {
		return nil, fmt.Errorf("record fine-tune job: %w", err)
	}

	s.logger.Info("fine-tune job submitted",
		"job_id", job.ID,
		"provider_job_id", pj.ID,
		"avatar_id", avatarID,
		"examples", count,
	)
	s.publish(job)
	return job, nil
}

// Cancel asks the provider to stop the job. The provider may still finish in-flight work;
// the job's status follows whatever the provider reports.
func (s *Service) Cancel(ctx context.Context, jobID uuid.UUID) (*store.FineTuneJob, error) {
	job, err := s.store.GetFineTuneJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrJobFinished, job.Status)
	}
	pj, err := s.provider.CancelFineTuneJob(ctx, job.ProviderJobID)
	if err != nil {
		return nil, err
	}
	if err := s.apply(ctx, job, pj); err != nil {
		return nil, err
	}
	s.logger.Info("fine-tune job cancel requested", "job_id", job.ID, "status", job.Status)
	return job, nil
}

func (s *Service) Get(ctx context.Context, jobID uuid.UUID) (*store.FineTuneJob, error) {
	return s.store.GetFineTuneJob(ctx, jobID)
}

func (s *Service) List(ctx context.Context, avatarID uuid.UUID) ([]store.FineTuneJob, error) {
	return s.store.ListFineTuneJobs(ctx, avatarID)
}

// Refresh pulls the provider's view of a job and stores it when anything changed.
func (s *Service) Refresh(ctx context.Context, job *store.FineTuneJob) error {
	pj, err := s.provider.GetFineTuneJob(ctx, job.ProviderJobID)
	if err != nil {
		return err
	}
	return s.apply(ctx, job, pj)
}

func (s *Service) apply(ctx context.Context, job *store.FineTuneJob, pj *openai.FineTuneJob) error {
	status := providerStatus(pj.Status, job.Status)
	msg := pj.ErrorMessage()
	if status == job.Status && pj.FineTunedModel == job.FineTunedModel && msg == job.Error {
		return nil
	}

	job.Status = status
	job.FineTunedModel = pj.FineTunedModel
	job.Error = msg
	if status.Terminal() && job.FinishedAt == nil {
		finished := time.Now().UTC()
		if pj.FinishedAt > 0 {
			finished = time.Unix(pj.FinishedAt, 0).UTC()
		}
		job.FinishedAt = &finished
	}
	if err := s.store.UpdateFineTuneJob(ctx, job); err != nil {
		return fmt.Errorf("update fine-tune job: %w", err)
	}
	s.publish(job)
	return nil
}

// providerStatus maps a provider status string, keeping fallback for values it does not know.
func providerStatus(status string, fallback store.FineTuneStatus) store.FineTuneStatus {
	switch st := store.FineTuneStatus(status); st {
	case store.FineTuneValidating, store.FineTuneQueued, store.FineTuneRunning,
		store.FineTuneSucceeded, store.FineTuneFailed, store.FineTuneCancelled:
		return st
	}
	return fallback
}

func (s *Service) publish(job *store.FineTuneJob) {
	if s.bus == nil {
		return
	}
	err := s.bus.Publish(hermes.SubjectFineTuneUpdated, hermes.FineTuneEvent{
		JobID:          job.ID.String(),
		AvatarID:       job.AvatarID.String(),
		Status:         string(job.Status),
		FineTunedModel: job.FineTunedModel,
		Timestamp:      time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("failed to publish fine-tune event", "job_id", job.ID, "error", err)
	}
}
