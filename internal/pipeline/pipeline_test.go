package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/persona/internal/analysis"
	"github.com/MikeSquared-Agency/persona/internal/blob"
	"github.com/MikeSquared-Agency/persona/internal/extractor"
	"github.com/MikeSquared-Agency/persona/internal/hermes"
	"github.com/MikeSquared-Agency/persona/internal/notify"
	"github.com/MikeSquared-Agency/persona/internal/openai"
	"github.com/MikeSquared-Agency/persona/internal/store"
	"github.com/MikeSquared-Agency/persona/internal/synthesis"
	"github.com/MikeSquared-Agency/persona/internal/training"
	"github.com/MikeSquared-Agency/persona/internal/versions"
)

const synthesisReply = `{"enhanced_system_prompt":"Keep replies short and breezy.",` +
	`"behavior_rules":["be casual"],"response_style":{"tone":"casual"},` +
	`"improvement_notes":"Tone is more casual."}`

const analysisReply = `{"communication_style":{"formality_level":"casual","tone":"warm"},"personality_traits":["playful"]}`

// scriptedLLM answers by operation and records every request.
type scriptedLLM struct {
	mu      sync.Mutex
	calls   []openai.Request
	replies map[string]func(openai.Request) (string, error)
}

func (s *scriptedLLM) Complete(_ context.Context, req openai.Request) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	reply := s.replies[req.Operation]
	s.mu.Unlock()
	if reply == nil {
		return "", errors.New("unexpected operation " + req.Operation)
	}
	return reply(req)
}

func (s *scriptedLLM) callsFor(op string) []openai.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []openai.Request
	for _, c := range s.calls {
		if c.Operation == op {
			out = append(out, c)
		}
	}
	return out
}

func fixed(text string) func(openai.Request) (string, error) {
	return func(openai.Request) (string, error) { return text, nil }
}

type recordingNotifier struct {
	mu        sync.Mutex
	summaries []notify.Summary
}

func (n *recordingNotifier) TrainingFinished(_ context.Context, s notify.Summary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.summaries = append(n.summaries, s)
	return nil
}

type fixture struct {
	pipeline *Pipeline
	store    *store.MemStore
	llm      *scriptedLLM
	versions *versions.Service
	bus      *hermes.Local
	notifier *recordingNotifier
	avatar   *store.Avatar
	synth    Synthesizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ms := store.NewMemStore()
	a := &store.Avatar{UserID: uuid.New(), Name: "Mira", Backstory: "A lighthouse keeper."}
	require.NoError(t, ms.CreateAvatar(context.Background(), a))

	fs, err := blob.NewFS(t.TempDir())
	require.NoError(t, err)

	llm := &scriptedLLM{replies: map[string]func(openai.Request) (string, error){
		"extraction": fixed("Speaker A: hello"),
		"analysis":   fixed(analysisReply),
		"synthesis":  fixed(synthesisReply),
	}}
	bus := hermes.NewLocal()
	syn := synthesis.New(llm, "chat-model", logger)
	svc := versions.NewService(ms, nil, bus, syn, logger)

	f := &fixture{store: ms, llm: llm, versions: svc, bus: bus, avatar: a, synth: syn, notifier: &recordingNotifier{}}
	f.pipeline = New(
		training.NewManager(ms, logger),
		fs,
		extractor.New(llm, fs, ms, "vision-model", logger),
		analysis.New(llm, "chat-model", logger),
		syn,
		svc,
		bus,
		logger,
	)
	f.pipeline.SetNotifier(f.notifier)
	return f
}

func (f *fixture) request(files ...Upload) Request {
	return Request{
		UserID:       f.avatar.UserID,
		AvatarID:     f.avatar.ID,
		TrainingType: store.TrainingFileUpload,
		Instructions: "make the tone more casual",
		Files:        files,
	}
}

func collect(events *[]Progress, mu *sync.Mutex) ProgressFunc {
	return func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		*events = append(*events, p)
	}
}

func TestRun_EmptyBatchSkipsAnalysisAndParentsOnLatest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.versions.Create(ctx, f.avatar.ID, versions.NewVersion{UserID: f.avatar.UserID, SystemPrompt: "You are Mira."})
	require.NoError(t, err)

	var mu sync.Mutex
	var progress []Progress
	res, err := f.pipeline.Run(ctx, f.request(), collect(&progress, &mu))
	require.NoError(t, err)

	assert.Empty(t, f.llm.callsFor("analysis"))
	require.Len(t, f.llm.callsFor("synthesis"), 1)

	require.NotNil(t, res.Version.ParentVersionID)
	assert.Equal(t, first.ID, *res.Version.ParentVersionID)
	assert.Equal(t, "v2.0", res.Version.VersionNumber)
	assert.Equal(t, res.Session.ID, *res.Version.TrainingDataID)
	assert.True(t, strings.HasPrefix(res.Version.SystemPrompt, "You are Mira."))
	assert.Contains(t, res.Version.SystemPrompt, "Keep replies short and breezy.")

	assert.Equal(t, store.StatusCompleted, res.Session.Status)
	assert.JSONEq(t, "{}", string(res.Session.AnalysisResults))
	assert.Equal(t, "Tone is more casual.", res.Session.ImprovementNotes)

	var generated map[string]any
	require.NoError(t, json.Unmarshal(res.Session.GeneratedPrompts, &generated))
	assert.Equal(t, "v2.0", generated["version_number"])

	var labels []string
	for _, p := range progress {
		labels = append(labels, p.Label)
	}
	assert.Contains(t, labels, "No content to analyze, skipping analysis")
	last := progress[len(progress)-1]
	assert.Equal(t, StageCompleted, last.Stage)
	assert.Equal(t, 100, last.Percent)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i].Percent, progress[i-1].Percent, "progress went backwards at %q", progress[i].Label)
	}
}

func TestRun_IsolatesFileFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.llm.replies["extraction"] = func(openai.Request) (string, error) {
		return "", errors.New("vision endpoint unavailable")
	}

	res, err := f.pipeline.Run(ctx, f.request(
		Upload{Filename: "chat.txt", ContentType: "text/plain", Body: strings.NewReader("User: hey\nMira: ahoy!")},
		Upload{Filename: "screenshot.png", ContentType: "image/png", Body: strings.NewReader("\x89PNG")},
		Upload{Filename: "archive.zip", ContentType: "application/zip", Body: strings.NewReader("PK")},
	), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Extraction.Completed)
	assert.Equal(t, 1, res.Extraction.Failed)
	assert.Equal(t, 1, res.Extraction.Skipped)

	files, err := f.store.ListFiles(ctx, res.Session.ID)
	require.NoError(t, err)
	status := map[string]store.FileStatus{}
	for _, file := range files {
		status[file.Filename] = file.Status
	}
	assert.Equal(t, store.FileCompleted, status["chat.txt"])
	assert.Equal(t, store.FileFailed, status["screenshot.png"])
	assert.Equal(t, store.FilePending, status["archive.zip"])

	calls := f.llm.callsFor("analysis")
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Messages[0].Content, "--- chat.txt ---")
	assert.Contains(t, string(res.Session.AnalysisResults), "playful")
	assert.Equal(t, store.StatusCompleted, res.Session.Status)
}

func TestExecute_PublishesLifecycleAndProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sess, err := f.pipeline.Prepare(ctx, f.request())
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, sess.Status)

	var mu sync.Mutex
	var subjects []string
	var percents []int
	record := func(subject string, data []byte) {
		mu.Lock()
		defer mu.Unlock()
		subjects = append(subjects, subject)
		if strings.HasPrefix(subject, "persona.training.progress.") {
			var evt hermes.ProgressEvent
			require.NoError(t, json.Unmarshal(data, &evt))
			percents = append(percents, evt.Percent)
		}
	}
	for _, subj := range []string{hermes.SubjectTrainingStarted, hermes.SubjectTrainingCompleted, hermes.SubjectVersionCreated, hermes.ProgressSubject(sess.ID.String())} {
		unsub, err := f.bus.Subscribe(subj, record)
		require.NoError(t, err)
		defer unsub()
	}

	_, err = f.pipeline.Execute(ctx, sess.ID, false, nil)
	require.NoError(t, err)

	assert.Equal(t, hermes.SubjectTrainingStarted, subjects[0])
	assert.Equal(t, hermes.SubjectTrainingCompleted, subjects[len(subjects)-1])
	assert.Contains(t, subjects, hermes.SubjectVersionCreated)
	require.NotEmpty(t, percents)
	assert.Equal(t, 100, percents[len(percents)-1])

	require.Len(t, f.notifier.summaries, 1)
	assert.Equal(t, "completed", f.notifier.summaries[0].Status)
	assert.Equal(t, "v1.0", f.notifier.summaries[0].VersionNumber)

	// a finished session cannot be run again
	_, err = f.pipeline.Execute(ctx, sess.ID, false, nil)
	assert.ErrorIs(t, err, training.ErrInvalidTransition)
}

func TestRun_SynthesisFailureFailsSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	boom := errors.New("status 500: upstream error")
	f.llm.replies["synthesis"] = func(openai.Request) (string, error) { return "", boom }

	var failed []hermes.TrainingEvent
	unsub, err := f.bus.Subscribe(hermes.SubjectTrainingFailed, func(_ string, data []byte) {
		var evt hermes.TrainingEvent
		require.NoError(t, json.Unmarshal(data, &evt))
		failed = append(failed, evt)
	})
	require.NoError(t, err)
	defer unsub()

	var mu sync.Mutex
	var progress []Progress
	_, err = f.pipeline.Run(ctx, f.request(), collect(&progress, &mu))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "synthesis stage")

	sessions, err := f.store.ListSessions(ctx, f.avatar.ID, f.avatar.UserID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, store.StatusFailed, sessions[0].Status)

	logs, err := f.store.ListErrorLogs(ctx, sessions[0].ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, StageSynthesis, logs[0].Stage)
	assert.Contains(t, logs[0].Message, "upstream error")

	require.Len(t, failed, 1)
	assert.Equal(t, sessions[0].ID.String(), failed[0].SessionID)

	last := progress[len(progress)-1]
	assert.Equal(t, StageFailed, last.Stage)
	assert.Equal(t, 70, last.Percent)

	versionsList, err := f.store.ListVersions(ctx, f.avatar.ID)
	require.NoError(t, err)
	assert.Empty(t, versionsList)

	require.Len(t, f.notifier.summaries, 1)
	assert.Equal(t, "failed", f.notifier.summaries[0].Status)
	assert.Contains(t, f.notifier.summaries[0].Error, "upstream error")
}

func TestRun_Activate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := f.request()
	req.Activate = true
	res, err := f.pipeline.Run(ctx, req, nil)
	require.NoError(t, err)
	assert.True(t, res.Version.IsActive)

	active, err := f.versions.Active(ctx, f.avatar.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Version.ID, active.ID)
}

// refusingActivation creates versions normally but cannot activate them.
type refusingActivation struct {
	Versions
	err error
}

func (v refusingActivation) Activate(context.Context, uuid.UUID) (*store.PromptVersion, error) {
	return nil, v.err
}

func TestRun_ActivationFailureKeepsCompletedSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	boom := errors.New("activation tx aborted")
	f.pipeline.versions = refusingActivation{Versions: f.versions, err: boom}

	req := f.request()
	req.Activate = true
	res, err := f.pipeline.Run(ctx, req, nil)
	require.NoError(t, err)
	require.ErrorIs(t, res.ActivationErr, boom)
	assert.Contains(t, res.ActivationErr.Error(), "v1.0")

	assert.False(t, res.Version.IsActive)
	assert.Equal(t, store.StatusCompleted, res.Session.Status)
	assert.Equal(t, res.Session.ID, *res.Version.TrainingDataID)

	var generated map[string]any
	require.NoError(t, json.Unmarshal(res.Session.GeneratedPrompts, &generated))
	assert.Equal(t, res.Version.ID.String(), generated["version_id"])

	require.Len(t, f.notifier.summaries, 1)
	assert.Equal(t, "completed", f.notifier.summaries[0].Status)
	assert.Contains(t, f.notifier.summaries[0].Error, "activation tx aborted")
}

// echoSynthesis answers with the current prompt exactly as the model was shown it.
func echoSynthesis() func(openai.Request) (string, error) {
	var mu sync.Mutex
	round := 0
	return func(req openai.Request) (string, error) {
		mu.Lock()
		round++
		n := round
		mu.Unlock()
		body := strings.TrimPrefix(req.Messages[0].Content, "CURRENT SYSTEM PROMPT:\n")
		shown := body[:strings.Index(body, "\n\nTRAINER INSTRUCTIONS:")]
		out, err := json.Marshal(map[string]string{
			"enhanced_system_prompt": fmt.Sprintf("%s\n\nRound %d guidance.", shown, n),
			"improvement_notes":      "More casual.",
		})
		return string(out), err
	}
}

func TestRun_LongPromptSurvivesRepeatedTraining(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.llm.replies["synthesis"] = echoSynthesis()

	const sentence = "Mira keeps the lighthouse on the northern cape."
	identity := strings.TrimSpace(strings.Repeat(sentence+" ", 60))
	_, err := f.versions.Create(ctx, f.avatar.ID, versions.NewVersion{UserID: f.avatar.UserID, SystemPrompt: identity})
	require.NoError(t, err)

	var res *Result
	for i := 0; i < 3; i++ {
		res, err = f.pipeline.Run(ctx, f.request(), nil)
		require.NoError(t, err)
	}

	prompt := res.Version.SystemPrompt
	assert.Equal(t, "v4.0", res.Version.VersionNumber)
	assert.True(t, strings.HasPrefix(prompt, identity))
	assert.Equal(t, 60, strings.Count(prompt, sentence))
	assert.NotContains(t, prompt, "...[truncated]")
	assert.Equal(t, 1, strings.Count(prompt, synthesis.GuidelinesHeading))
	assert.True(t, strings.HasSuffix(prompt, "Round 1 guidance.\n\nRound 2 guidance.\n\nRound 3 guidance."))
}

// interleavingSynth creates a sibling version while the run is synthesizing.
type interleavingSynth struct {
	Synthesizer
	during func()
}

func (s interleavingSynth) Synthesize(ctx context.Context, in synthesis.Input) (synthesis.Result, error) {
	s.during()
	return s.Synthesizer.Synthesize(ctx, in)
}

func TestRun_ConcurrentVersionIsAConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.pipeline.synth = interleavingSynth{
		Synthesizer: f.synth,
		during: func() {
			_, err := f.versions.Create(ctx, f.avatar.ID, versions.NewVersion{UserID: f.avatar.UserID, SystemPrompt: "sibling"})
			require.NoError(t, err)
		},
	}

	_, err := f.pipeline.Run(ctx, f.request(), nil)
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	all, err := f.store.ListVersions(ctx, f.avatar.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "sibling", all[0].SystemPrompt)
}

func TestPrepare_RejectsUnknownType(t *testing.T) {
	f := newFixture(t)
	req := f.request()
	req.TrainingType = "osmosis"

	_, err := f.pipeline.Prepare(context.Background(), req)
	require.Error(t, err)
}
