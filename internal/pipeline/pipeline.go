// Package pipeline runs one training session end to end:
// extraction, analysis, synthesis and versioning, reporting progress as it goes.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/persona/internal/analysis"
	"github.com/MikeSquared-Agency/persona/internal/blob"
	"github.com/MikeSquared-Agency/persona/internal/extractor"
	"github.com/MikeSquared-Agency/persona/internal/hermes"
	"github.com/MikeSquared-Agency/persona/internal/metrics"
	"github.com/MikeSquared-Agency/persona/internal/notify"
	"github.com/MikeSquared-Agency/persona/internal/store"
	"github.com/MikeSquared-Agency/persona/internal/synthesis"
	"github.com/MikeSquared-Agency/persona/internal/training"
	"github.com/MikeSquared-Agency/persona/internal/versions"
)

// Stage names, as reported in progress events and error logs.
const (
	StageQueued     = "queued"
	StageExtraction = "extraction"
	StageAnalysis   = "analysis"
	StageSynthesis  = "synthesis"
	StageVersioning = "versioning"
	StageActivation = "activation"
	StageCompleted  = "completed"
	StageFailed     = "failed"
)

type Extractor interface {
	ExtractBatch(ctx context.Context, files []store.TrainingFile, progress func(done, total int)) extractor.BatchResult
}

type Analyzer interface {
	Analyze(ctx context.Context, text string) (analysis.Profile, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, in synthesis.Input) (synthesis.Result, error)
}

// Versions is the slice of versions.Service a run needs.
type Versions interface {
	Base(ctx context.Context, avatarID uuid.UUID) (*versions.Base, error)
	CreateFrom(ctx context.Context, base *versions.Base, nv versions.NewVersion) (*store.PromptVersion, error)
	Activate(ctx context.Context, versionID uuid.UUID) (*store.PromptVersion, error)
}

type Notifier interface {
	TrainingFinished(ctx context.Context, s notify.Summary) error
}

// Progress is one human-readable step of a run.
type Progress struct {
	Stage   string
	Label   string
	Percent int
}

type ProgressFunc func(Progress)

// Upload is a file submitted with a training request.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

type Request struct {
	UserID       uuid.UUID
	AvatarID     uuid.UUID
	TrainingType store.TrainingType
	Instructions string
	Files        []Upload
	// Activate makes the new version the avatar's active one once it exists.
	Activate bool
}

type Result struct {
	Session    *store.TrainingSession
	Version    *store.PromptVersion
	Extraction extractor.BatchResult
	Profile    analysis.Profile
	// ActivationErr is set when the version was created but could not be activated.
	// The session still completes.
	ActivationErr error
}

type Pipeline struct {
	sessions  *training.Manager
	blobs     blob.Store
	extractor Extractor
	analyzer  Analyzer
	synth     Synthesizer
	versions  Versions
	bus       hermes.Bus
	notifier  Notifier
	logger    *slog.Logger
}

func New(sessions *training.Manager, blobs blob.Store, ext Extractor, an Analyzer, syn Synthesizer, v Versions, bus hermes.Bus, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		sessions:  sessions,
		blobs:     blobs,
		extractor: ext,
		analyzer:  an,
		synth:     syn,
		versions:  v,
		bus:       bus,
		logger:    logger,
	}
}

// SetNotifier enables run summaries. Notification failures are logged only.
func (p *Pipeline) SetNotifier(n Notifier) {
	p.notifier = n
}

// Run prepares a session for req and executes it synchronously.
func (p *Pipeline) Run(ctx context.Context, req Request, progress ProgressFunc) (*Result, error) {
	sess, err := p.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return p.Execute(ctx, sess.ID, req.Activate, progress)
}

// Prepare creates a pending session and stores its uploaded files.
func (p *Pipeline) Prepare(ctx context.Context, req Request) (*store.TrainingSession, error) {
	sess, err := p.sessions.CreateSession(ctx, req.UserID, req.AvatarID, req.TrainingType, req.Instructions)
	if err != nil {
		return nil, err
	}

	for _, up := range req.Files {
		fileID := uuid.New()
		key := blob.Key(req.UserID.String(), sess.ID.String(), fileID.String(), up.Filename)
		if err := p.blobs.Put(ctx, key, up.Body, up.ContentType); err != nil {
			p.abandon(ctx, sess, StageQueued, fmt.Errorf("store upload %s: %w", up.Filename, err))
			return nil, fmt.Errorf("store upload %s: %w", up.Filename, err)
		}
		f := &store.TrainingFile{
			ID:          fileID,
			StoragePath: key,
			Filename:    up.Filename,
			Size:        up.Size,
			ContentType: up.ContentType,
		}
		if err := p.sessions.AddFile(ctx, sess.ID, f); err != nil {
			p.abandon(ctx, sess, StageQueued, err)
			return nil, err
		}
	}

	p.logger.Info("training session prepared", "session_id", sess.ID, "avatar_id", sess.AvatarID, "files", len(req.Files))
	return sess, nil
}

// abandon fails a session that never started so it does not linger as pending.
func (p *Pipeline) abandon(ctx context.Context, sess *store.TrainingSession, stage string, cause error) {
	if _, err := p.sessions.Fail(context.WithoutCancel(ctx), sess.ID, stage, cause); err != nil {
		p.logger.Error("failed to mark abandoned session failed", "session_id", sess.ID, "error", err)
	}
}

// run carries the state of one execution.
type run struct {
	p        *Pipeline
	sess     *store.TrainingSession
	progress ProgressFunc
	started  time.Time
	percent  int
	batch    extractor.BatchResult
}

func (r *run) report(stage, label string, percent int) {
	r.percent = percent
	if r.progress != nil {
		r.progress(Progress{Stage: stage, Label: label, Percent: percent})
	}
	r.p.publish(hermes.ProgressSubject(r.sess.ID.String()), hermes.ProgressEvent{
		SessionID: r.sess.ID.String(),
		Stage:     stage,
		Label:     label,
		Percent:   percent,
		Timestamp: time.Now().UTC(),
	})
}

// Execute runs the stages of a pending session in order. A stage failure marks the
// session failed, records an error log entry and is returned to the caller.
func (p *Pipeline) Execute(ctx context.Context, sessionID uuid.UUID, activate bool, progress ProgressFunc) (*Result, error) {
	sess, err := p.sessions.Start(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("start training session: %w", err)
	}
	r := &run{p: p, sess: sess, progress: progress, started: time.Now()}
	p.publish(hermes.SubjectTrainingStarted, r.event("", ""))
	p.logger.Info("training started", "session_id", sess.ID, "avatar_id", sess.AvatarID, "type", sess.TrainingType)

	// Extraction
	stageStart := time.Now()
	r.report(StageExtraction, "Extracting content from files", 10)
	files, err := p.sessions.ListFiles(ctx, sess.ID)
	if err != nil {
		return nil, r.fail(ctx, StageExtraction, fmt.Errorf("list training files: %w", err))
	}
	r.batch = p.extractor.ExtractBatch(ctx, files, func(done, total int) {
		r.report(StageExtraction, fmt.Sprintf("Extracted %d of %d files", done, total), 10+30*done/total)
	})
	text := r.batch.Combined()
	metrics.ObserveStage(StageExtraction, stageStart)
	r.report(StageExtraction, "Content extraction complete", 40)
	if err := ctx.Err(); err != nil {
		return nil, r.fail(ctx, StageExtraction, err)
	}

	// Analysis
	var profile analysis.Profile
	if strings.TrimSpace(text) == "" {
		r.report(StageAnalysis, "No content to analyze, skipping analysis", 60)
	} else {
		stageStart = time.Now()
		r.report(StageAnalysis, "Analyzing conversation style", 50)
		profile, err = p.analyzer.Analyze(ctx, text)
		if err != nil {
			return nil, r.fail(ctx, StageAnalysis, err)
		}
		metrics.ObserveStage(StageAnalysis, stageStart)
		r.report(StageAnalysis, "Conversation analysis complete", 60)
	}

	// Synthesis
	stageStart = time.Now()
	r.report(StageSynthesis, "Generating enhanced prompt", 70)
	base, err := p.versions.Base(ctx, sess.AvatarID)
	if err != nil {
		return nil, r.fail(ctx, StageSynthesis, fmt.Errorf("load current prompt: %w", err))
	}
	synth, err := p.synth.Synthesize(ctx, synthesis.Input{
		CurrentPrompt: base.Prompt,
		Instructions:  sess.Instructions,
		ExtractedText: text,
		Profile:       profile,
	})
	if err != nil {
		return nil, r.fail(ctx, StageSynthesis, err)
	}
	metrics.ObserveStage(StageSynthesis, stageStart)
	r.report(StageSynthesis, "Prompt synthesis complete", 85)

	// Versioning
	stageStart = time.Now()
	r.report(StageVersioning, "Creating prompt version", 90)
	sessionRef := sess.ID
	v, err := p.versions.CreateFrom(ctx, base, versions.NewVersion{
		UserID:            sess.UserID,
		TrainingDataID:    &sessionRef,
		Name:              "Training " + sess.CreatedAt.UTC().Format("2006-01-02 15:04"),
		Description:       synth.ImprovementNotes,
		SystemPrompt:      synth.SystemPrompt,
		PersonalityTraits: synth.PersonalityTraits,
		BehaviorRules:     synth.BehaviorRules,
		ResponseStyle:     synth.ResponseStyle,
		InheritanceType:   store.InheritIncremental,
	})
	if err != nil {
		return nil, r.fail(ctx, StageVersioning, err)
	}
	metrics.ObserveStage(StageVersioning, stageStart)

	generated, err := json.Marshal(generatedPrompts{
		VersionID:         v.ID,
		VersionNumber:     v.VersionNumber,
		SystemPrompt:      synth.SystemPrompt,
		PersonalityTraits: synth.PersonalityTraits,
		BehaviorRules:     synth.BehaviorRules,
		ResponseStyle:     synth.ResponseStyle,
	})
	if err != nil {
		return nil, r.fail(ctx, StageVersioning, fmt.Errorf("encode generated prompts: %w", err))
	}

	done, err := p.sessions.Complete(ctx, sess.ID, store.SessionResult{
		GeneratedPrompts: generated,
		AnalysisResults:  profile.JSON(),
		ImprovementNotes: synth.ImprovementNotes,
	})
	if err != nil {
		return nil, r.fail(ctx, StageVersioning, err)
	}

	var activationErr error
	if activate {
		r.report(StageActivation, "Activating new version", 95)
		if _, err := p.versions.Activate(ctx, v.ID); err != nil {
			activationErr = fmt.Errorf("activate version %s: %w", v.VersionNumber, err)
			p.logger.Error("new version could not be activated", "session_id", sess.ID, "version_id", v.ID, "error", err)
		} else {
			v.IsActive = true
		}
	}
	r.report(StageCompleted, "Training complete", 100)

	metrics.TrainingSessionsTotal.WithLabelValues(string(sess.TrainingType), "completed").Inc()
	p.publish(hermes.SubjectTrainingCompleted, r.event(v.ID.String(), ""))
	activationMsg := ""
	if activationErr != nil {
		activationMsg = activationErr.Error()
	}
	p.notifyFinished(ctx, r, done, v, activationMsg)
	p.logger.Info("training completed",
		"session_id", sess.ID,
		"version_id", v.ID,
		"version", v.VersionNumber,
		"duration", time.Since(r.started),
	)

	return &Result{Session: done, Version: v, Extraction: r.batch, Profile: profile, ActivationErr: activationErr}, nil
}

type generatedPrompts struct {
	VersionID         uuid.UUID      `json:"version_id"`
	VersionNumber     string         `json:"version_number"`
	SystemPrompt      string         `json:"system_prompt"`
	PersonalityTraits []string       `json:"personality_traits"`
	BehaviorRules     []string       `json:"behavior_rules"`
	ResponseStyle     map[string]any `json:"response_style"`
}

// fail marks the session failed and returns the error for the caller to surface.
func (r *run) fail(ctx context.Context, stage string, cause error) error {
	p := r.p
	wrapped := fmt.Errorf("%s stage: %w", stage, cause)
	p.logger.Error("training stage failed", "session_id", r.sess.ID, "stage", stage, "error", cause)

	failCtx := context.WithoutCancel(ctx)
	failed, err := p.sessions.Fail(failCtx, r.sess.ID, stage, cause)
	if err != nil {
		p.logger.Error("failed to mark session failed", "session_id", r.sess.ID, "error", err)
		failed = r.sess
	}

	r.report(StageFailed, "Training failed: "+cause.Error(), r.percent)
	metrics.TrainingSessionsTotal.WithLabelValues(string(r.sess.TrainingType), "failed").Inc()
	p.publish(hermes.SubjectTrainingFailed, r.event("", cause.Error()))
	p.notifyFinished(failCtx, r, failed, nil, cause.Error())
	return wrapped
}

func (r *run) event(versionID, errMsg string) hermes.TrainingEvent {
	return hermes.TrainingEvent{
		SessionID:    r.sess.ID.String(),
		AvatarID:     r.sess.AvatarID.String(),
		UserID:       r.sess.UserID.String(),
		TrainingType: string(r.sess.TrainingType),
		VersionID:    versionID,
		Error:        errMsg,
		Timestamp:    time.Now().UTC(),
	}
}

func (p *Pipeline) notifyFinished(ctx context.Context, r *run, sess *store.TrainingSession, v *store.PromptVersion, errMsg string) {
	if p.notifier == nil {
		return
	}
	s := notify.Summary{
		SessionID:        sess.ID,
		AvatarID:         sess.AvatarID,
		TrainingType:     string(sess.TrainingType),
		Status:           string(sess.Status),
		FilesCompleted:   r.batch.Completed,
		FilesFailed:      r.batch.Failed,
		FilesSkipped:     r.batch.Skipped,
		ImprovementNotes: sess.ImprovementNotes,
		Error:            errMsg,
		Duration:         time.Since(r.started),
	}
	if v != nil {
		s.VersionNumber = v.VersionNumber
	}
	if err := p.notifier.TrainingFinished(ctx, s); err != nil {
		p.logger.Warn("failed to post training summary", "session_id", sess.ID, "error", err)
	}
}

func (p *Pipeline) publish(subject string, data any) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish event", "subject", subject, "error", err)
	}
}

// IsConflict reports whether a run failed because another run created a version first.
func IsConflict(err error) bool {
	return errors.Is(err, store.ErrVersionConflict)
}
