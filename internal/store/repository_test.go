package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runRepositoryTests exercises the Repository contract against any implementation.
func runRepositoryTests(t *testing.T, newRepo func(t *testing.T) Repository) {
	t.Run("AvatarRoundTrip", func(t *testing.T) { testAvatarRoundTrip(t, newRepo(t)) })
	t.Run("SessionTransitions", func(t *testing.T) { testSessionTransitions(t, newRepo(t)) })
	t.Run("Files", func(t *testing.T) { testFiles(t, newRepo(t)) })
	t.Run("VersionNumbering", func(t *testing.T) { testVersionNumbering(t, newRepo(t)) })
	t.Run("VersionConflict", func(t *testing.T) { testVersionConflict(t, newRepo(t)) })
	t.Run("SingleActive", func(t *testing.T) { testSingleActive(t, newRepo(t)) })
	t.Run("ConcurrentActivation", func(t *testing.T) { testConcurrentActivation(t, newRepo(t)) })
	t.Run("Patterns", func(t *testing.T) { testPatterns(t, newRepo(t)) })
	t.Run("FineTuneJobs", func(t *testing.T) { testFineTuneJobs(t, newRepo(t)) })
}

func seedAvatar(t *testing.T, r Repository) *Avatar {
	t.Helper()
	a := &Avatar{UserID: uuid.New(), Name: "Mira", Age: 29, PersonalityTraits: []string{"warm"}}
	require.NoError(t, r.CreateAvatar(context.Background(), a))
	return a
}

func testAvatarRoundTrip(t *testing.T, r Repository) {
	ctx := context.Background()
	a := seedAvatar(t, r)

	custom := "You are Mira."
	a.CustomPrompt = &custom
	a.Backstory = "Grew up by the sea."
	require.NoError(t, r.UpdateAvatar(ctx, a))

	got, err := r.GetAvatar(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Mira", got.Name)
	assert.Equal(t, "Grew up by the sea.", got.Backstory)
	require.NotNil(t, got.CustomPrompt)
	assert.Equal(t, custom, *got.CustomPrompt)
	assert.Equal(t, []string{"warm"}, got.PersonalityTraits)

	_, err = r.GetAvatar(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func testSessionTransitions(t *testing.T, r Repository) {
	ctx := context.Background()
	a := seedAvatar(t, r)
	s := &TrainingSession{UserID: a.UserID, AvatarID: a.ID, TrainingType: TrainingFileUpload, Instructions: "be kind"}
	require.NoError(t, r.CreateSession(ctx, s))
	assert.Equal(t, StatusPending, s.Status)

	got, err := r.TransitionSession(ctx, s.ID, StatusPending, StatusProcessing, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Nil(t, got.CompletedAt)

	// A second writer still expecting pending loses.
	_, err = r.TransitionSession(ctx, s.ID, StatusPending, StatusProcessing, nil)
	assert.ErrorIs(t, err, ErrStaleStatus)

	res := &SessionResult{
		GeneratedPrompts: json.RawMessage(`{"system_prompt":"x"}`),
		ImprovementNotes: "tightened tone",
	}
	got, err = r.TransitionSession(ctx, s.ID, StatusProcessing, StatusCompleted, res)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, "tightened tone", got.ImprovementNotes)
	assert.JSONEq(t, `{"system_prompt":"x"}`, string(got.GeneratedPrompts))

	_, err = r.TransitionSession(ctx, uuid.New(), StatusPending, StatusProcessing, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := r.ListSessions(ctx, a.ID, a.UserID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, s.ID, list[0].ID)

	require.NoError(t, r.WriteErrorLog(ctx, &TrainingErrorLog{SessionID: s.ID, Stage: "extraction", Message: "boom"}))
	logs, err := r.ListErrorLogs(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "extraction", logs[0].Stage)
}

func testFiles(t *testing.T, r Repository) {
	ctx := context.Background()
	a := seedAvatar(t, r)
	s := &TrainingSession{UserID: a.UserID, AvatarID: a.ID, TrainingType: TrainingFileUpload}
	require.NoError(t, r.CreateSession(ctx, s))

	f := &TrainingFile{SessionID: s.ID, StoragePath: "a/b.png", Filename: "b.png", ContentType: "image/png", Size: 10}
	require.NoError(t, r.CreateFile(ctx, f))
	text := "hello"
	require.NoError(t, r.UpdateFileStatus(ctx, f.ID, FileCompleted, &text))

	files, err := r.ListFiles(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, FileCompleted, files[0].Status)
	require.NotNil(t, files[0].ExtractedText)
	assert.Equal(t, "hello", *files[0].ExtractedText)

	assert.ErrorIs(t, r.UpdateFileStatus(ctx, uuid.New(), FileFailed, nil), ErrNotFound)
}

func testVersionNumbering(t *testing.T, r Repository) {
	ctx := context.Background()
	a := seedAvatar(t, r)

	v1 := &PromptVersion{AvatarID: a.ID, UserID: a.UserID, SystemPrompt: "one"}
	require.NoError(t, r.CreateVersion(ctx, v1, 0))
	assert.Equal(t, "v1.0", v1.VersionNumber)
	assert.False(t, v1.IsActive)

	v2 := &PromptVersion{AvatarID: a.ID, UserID: a.UserID, SystemPrompt: "two", ParentVersionID: &v1.ID}
	require.NoError(t, r.CreateVersion(ctx, v2, 1))
	assert.Equal(t, "v2.0", v2.VersionNumber)

	// Deleting the newest version does not reuse its number.
	require.NoError(t, r.DeleteVersion(ctx, v2.ID))
	v3 := &PromptVersion{AvatarID: a.ID, UserID: a.UserID, SystemPrompt: "three", ParentVersionID: &v1.ID}
	require.NoError(t, r.CreateVersion(ctx, v3, 2))
	assert.Equal(t, "v3.0", v3.VersionNumber)

	latest, err := r.LatestVersion(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, v3.ID, latest.ID)

	list, err := r.ListVersions(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, v3.ID, list[0].ID)
	assert.Equal(t, v1.ID, list[1].ID)

	n, err := r.CountChildren(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, r.UpdateVersionPrompt(ctx, v3.ID, "three, revised"))
	require.NoError(t, r.IncrementVersionUsage(ctx, v3.ID))
	got, err := r.GetVersion(ctx, v3.ID)
	require.NoError(t, err)
	assert.Equal(t, "three, revised", got.SystemPrompt)
	assert.Equal(t, 1, got.UsageCount)

	foreign := seedAvatar(t, r)
	bad := &PromptVersion{AvatarID: foreign.ID, UserID: foreign.UserID, SystemPrompt: "x", ParentVersionID: &v1.ID}
	assert.ErrorIs(t, r.CreateVersion(ctx, bad, 0), ErrNotFound)
}

func testVersionConflict(t *testing.T, r Repository) {
	ctx := context.Background()
	a := seedAvatar(t, r)

	require.NoError(t, r.CreateVersion(ctx, &PromptVersion{AvatarID: a.ID, UserID: a.UserID, SystemPrompt: "first"}, 0))
	err := r.CreateVersion(ctx, &PromptVersion{AvatarID: a.ID, UserID: a.UserID, SystemPrompt: "stale"}, 0)
	assert.True(t, errors.Is(err, ErrVersionConflict), "got %v", err)

	list, err := r.ListVersions(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testSingleActive(t *testing.T, r Repository) {
	ctx := context.Background()
	a := seedAvatar(t, r)
	v1 := &PromptVersion{AvatarID: a.ID, UserID: a.UserID, SystemPrompt: "one"}
	require.NoError(t, r.CreateVersion(ctx, v1, 0))
	v2 := &PromptVersion{AvatarID: a.ID, UserID: a.UserID, SystemPrompt: "two"}
	require.NoError(t, r.CreateVersion(ctx, v2, 1))

	_, err := r.ActiveVersion(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, r.ActivateVersion(ctx, a.ID, v1.ID))
	require.NoError(t, r.ActivateVersion(ctx, a.ID, v2.ID))

	active, err := r.ActiveVersion(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)
	assert.NotNil(t, active.ActivatedAt)

	old, err := r.GetVersion(ctx, v1.ID)
	require.NoError(t, err)
	assert.False(t, old.IsActive)
	assert.Nil(t, old.ActivatedAt)

	assert.ErrorIs(t, r.ActivateVersion(ctx, a.ID, uuid.New()), ErrNotFound)
	active, err = r.ActiveVersion(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID, "failed activation must leave the previous active version alone")
}

func testConcurrentActivation(t *testing.T, r Repository) {
	ctx := context.Background()
	a := seedAvatar(t, r)
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		v := &PromptVersion{AvatarID: a.ID, UserID: a.UserID, SystemPrompt: "p"}
		require.NoError(t, r.CreateVersion(ctx, v, i))
		ids = append(ids, v.ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_ = r.ActivateVersion(ctx, a.ID, id)
		}(id)
	}
	wg.Wait()

	list, err := r.ListVersions(ctx, a.ID)
	require.NoError(t, err)
	active := 0
	for _, v := range list {
		if v.IsActive {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func testPatterns(t *testing.T, r Repository) {
	ctx := context.Background()
	a := seedAvatar(t, r)
	p := &ConversationPattern{
		AvatarID: a.ID, UserID: a.UserID, PatternType: PatternGreeting,
		TriggerWords: []string{"hello"}, ResponsePattern: "Hi {name}!",
		Examples:   []PatternExample{{UserMessage: "hello", AvatarResponse: "Hi Sam!"}},
		UsageCount: 1, SuccessRate: 1,
	}
	require.NoError(t, r.CreatePattern(ctx, p))

	p.UsageCount = 2
	p.SuccessRate = 0.9
	require.NoError(t, r.UpdatePattern(ctx, p))

	list, err := r.ListPatterns(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].UsageCount)
	assert.InDelta(t, 0.9, list[0].SuccessRate, 1e-9)
	require.Len(t, list[0].Examples, 1)
	assert.Equal(t, "Hi Sam!", list[0].Examples[0].AvatarResponse)

	require.NoError(t, r.AppendFeedback(ctx, &ConversationFeedback{AvatarID: a.ID, UserID: a.UserID, UserMessage: "hello", AvatarResponse: "Hi!", Label: FeedbackGood}))
	fb, err := r.ListFeedback(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, fb, 1)
	assert.Equal(t, FeedbackGood, fb[0].Label)
}

func testFineTuneJobs(t *testing.T, r Repository) {
	ctx := context.Background()
	a := seedAvatar(t, r)
	j := &FineTuneJob{AvatarID: a.ID, UserID: a.UserID, ProviderJobID: "ftjob-1", ProviderFileID: "file-1", BaseModel: "base", Status: FineTuneQueued, ExampleCount: 12}
	require.NoError(t, r.CreateFineTuneJob(ctx, j))

	active, err := r.ListActiveFineTuneJobs(ctx)
	require.NoError(t, err)
	assert.Contains(t, jobIDs(active), j.ID)

	j.Status = FineTuneSucceeded
	j.FineTunedModel = "ft:base:mira"
	require.NoError(t, r.UpdateFineTuneJob(ctx, j))

	active, err = r.ListActiveFineTuneJobs(ctx)
	require.NoError(t, err)
	assert.NotContains(t, jobIDs(active), j.ID)

	got, err := r.GetFineTuneJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "ft:base:mira", got.FineTunedModel)

	list, err := r.ListFineTuneJobs(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func jobIDs(jobs []FineTuneJob) []uuid.UUID {
	out := make([]uuid.UUID, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
