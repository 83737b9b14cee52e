package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-process Repository. It enforces the same invariants as the Postgres
// store (single active version, counter compare-and-swap, conditional status updates) and
// backs the test suites and DATABASE_URL-less dev mode.
type MemStore struct {
	mu        sync.Mutex
	avatars   map[uuid.UUID]*Avatar
	sessions  map[uuid.UUID]*TrainingSession
	sessOrder []uuid.UUID
	files     []*TrainingFile
	errLogs   []*TrainingErrorLog
	versions  map[uuid.UUID]*PromptVersion
	patterns  []*ConversationPattern
	feedback  []*ConversationFeedback
	jobs      map[uuid.UUID]*FineTuneJob
	jobOrder  []uuid.UUID
	now       func() time.Time
}

var _ Repository = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		avatars:  make(map[uuid.UUID]*Avatar),
		sessions: make(map[uuid.UUID]*TrainingSession),
		versions: make(map[uuid.UUID]*PromptVersion),
		jobs:     make(map[uuid.UUID]*FineTuneJob),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemStore) Close() {}

func (m *MemStore) CreateAvatar(_ context.Context, a *Avatar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := m.now()
	a.CreatedAt, a.UpdatedAt = now, now
	a.VersionCounter = 0
	m.avatars[a.ID] = cloneAvatar(a)
	return nil
}

func (m *MemStore) GetAvatar(_ context.Context, id uuid.UUID) (*Avatar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.avatars[id]
	if !ok {
		return nil, fmt.Errorf("get avatar %s: %w", id, ErrNotFound)
	}
	return cloneAvatar(a), nil
}

func (m *MemStore) UpdateAvatar(_ context.Context, a *Avatar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.avatars[a.ID]
	if !ok {
		return fmt.Errorf("update avatar %s: %w", a.ID, ErrNotFound)
	}
	a.UpdatedAt = m.now()
	a.CreatedAt = cur.CreatedAt
	a.VersionCounter = cur.VersionCounter
	m.avatars[a.ID] = cloneAvatar(a)
	return nil
}

func (m *MemStore) CreateSession(_ context.Context, s *TrainingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Status == "" {
		s.Status = StatusPending
	}
	s.CreatedAt = m.now()
	c := *s
	m.sessions[s.ID] = &c
	m.sessOrder = append(m.sessOrder, s.ID)
	return nil
}

func (m *MemStore) GetSession(_ context.Context, id uuid.UUID) (*TrainingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("get training session %s: %w", id, ErrNotFound)
	}
	c := *s
	return &c, nil
}

func (m *MemStore) TransitionSession(_ context.Context, id uuid.UUID, from, to SessionStatus, result *SessionResult) (*TrainingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("get training session %s: %w", id, ErrNotFound)
	}
	if s.Status != from {
		return nil, fmt.Errorf("transition session %s from %s: %w", id, from, ErrStaleStatus)
	}
	s.Status = to
	if to == StatusCompleted || to == StatusFailed {
		now := m.now()
		s.CompletedAt = &now
	}
	if result != nil {
		if result.GeneratedPrompts != nil {
			s.GeneratedPrompts = result.GeneratedPrompts
		}
		if result.AnalysisResults != nil {
			s.AnalysisResults = result.AnalysisResults
		}
		if result.ImprovementNotes != "" {
			s.ImprovementNotes = result.ImprovementNotes
		}
	}
	c := *s
	return &c, nil
}

func (m *MemStore) ListSessions(_ context.Context, avatarID, userID uuid.UUID) ([]TrainingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TrainingSession
	for i := len(m.sessOrder) - 1; i >= 0; i-- {
		s := m.sessions[m.sessOrder[i]]
		if s.AvatarID == avatarID && s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *MemStore) WriteErrorLog(_ context.Context, l *TrainingErrorLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	l.CreatedAt = m.now()
	c := *l
	m.errLogs = append(m.errLogs, &c)
	return nil
}

func (m *MemStore) ListErrorLogs(_ context.Context, sessionID uuid.UUID) ([]TrainingErrorLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TrainingErrorLog
	for _, l := range m.errLogs {
		if l.SessionID == sessionID {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (m *MemStore) CreateFile(_ context.Context, f *TrainingFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.Status == "" {
		f.Status = FilePending
	}
	f.CreatedAt = m.now()
	c := *f
	m.files = append(m.files, &c)
	return nil
}

func (m *MemStore) ListFiles(_ context.Context, sessionID uuid.UUID) ([]TrainingFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TrainingFile
	for _, f := range m.files {
		if f.SessionID == sessionID {
			out = append(out, *f)
		}
	}
	return out, nil
}

func (m *MemStore) UpdateFileStatus(_ context.Context, id uuid.UUID, status FileStatus, extractedText *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.files {
		if f.ID == id {
			f.Status = status
			if extractedText != nil {
				t := *extractedText
				f.ExtractedText = &t
			}
			return nil
		}
	}
	return fmt.Errorf("update training file %s: %w", id, ErrNotFound)
}

func (m *MemStore) CreateVersion(_ context.Context, v *PromptVersion, expectedCounter int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.avatars[v.AvatarID]
	if !ok {
		return fmt.Errorf("create version for avatar %s: %w", v.AvatarID, ErrNotFound)
	}
	if a.VersionCounter != expectedCounter {
		return ErrVersionConflict
	}
	if v.ParentVersionID != nil {
		p, ok := m.versions[*v.ParentVersionID]
		if !ok || p.AvatarID != v.AvatarID {
			return fmt.Errorf("get parent version %s: %w", *v.ParentVersionID, ErrNotFound)
		}
	}

	a.VersionCounter++
	a.UpdatedAt = m.now()
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.InheritanceType == "" {
		v.InheritanceType = InheritFull
	}
	v.Seq = a.VersionCounter
	v.VersionNumber = FormatVersionNumber(v.Seq)
	v.CreatedAt = m.now()
	v.IsActive = false
	v.ActivatedAt = nil
	v.UsageCount = 0
	v.PersonalityTraits = nonNil(v.PersonalityTraits)
	v.BehaviorRules = nonNil(v.BehaviorRules)
	m.versions[v.ID] = cloneVersion(v)
	return nil
}

func (m *MemStore) GetVersion(_ context.Context, id uuid.UUID) (*PromptVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[id]
	if !ok {
		return nil, fmt.Errorf("get prompt version %s: %w", id, ErrNotFound)
	}
	return cloneVersion(v), nil
}

func (m *MemStore) ListVersions(_ context.Context, avatarID uuid.UUID) ([]PromptVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.avatarVersions(avatarID), nil
}

// avatarVersions returns copies sorted newest first. Caller holds mu.
func (m *MemStore) avatarVersions(avatarID uuid.UUID) []PromptVersion {
	var out []PromptVersion
	for _, v := range m.versions {
		if v.AvatarID == avatarID {
			out = append(out, *cloneVersion(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	return out
}

func (m *MemStore) LatestVersion(_ context.Context, avatarID uuid.UUID) (*PromptVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs := m.avatarVersions(avatarID)
	if len(vs) == 0 {
		return nil, fmt.Errorf("latest prompt version: %w", ErrNotFound)
	}
	return &vs[0], nil
}

func (m *MemStore) ActiveVersion(_ context.Context, avatarID uuid.UUID) (*PromptVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions {
		if v.AvatarID == avatarID && v.IsActive {
			return cloneVersion(v), nil
		}
	}
	return nil, fmt.Errorf("active prompt version: %w", ErrNotFound)
}

func (m *MemStore) ActivateVersion(_ context.Context, avatarID, versionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.versions[versionID]
	if !ok || target.AvatarID != avatarID {
		return fmt.Errorf("activate version %s: %w", versionID, ErrNotFound)
	}
	for _, v := range m.versions {
		if v.AvatarID == avatarID && v.IsActive {
			v.IsActive = false
			v.ActivatedAt = nil
		}
	}
	now := m.now()
	target.IsActive = true
	target.ActivatedAt = &now
	return nil
}

func (m *MemStore) CountChildren(_ context.Context, versionID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, v := range m.versions {
		if v.ParentVersionID != nil && *v.ParentVersionID == versionID {
			n++
		}
	}
	return n, nil
}

func (m *MemStore) DeleteVersion(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.versions[id]; !ok {
		return fmt.Errorf("delete prompt version %s: %w", id, ErrNotFound)
	}
	delete(m.versions, id)
	return nil
}

func (m *MemStore) UpdateVersionPrompt(_ context.Context, id uuid.UUID, systemPrompt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[id]
	if !ok {
		return fmt.Errorf("update prompt version %s: %w", id, ErrNotFound)
	}
	v.SystemPrompt = systemPrompt
	return nil
}

func (m *MemStore) IncrementVersionUsage(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.versions[id]; ok {
		v.UsageCount++
	}
	return nil
}

func (m *MemStore) ListPatterns(_ context.Context, avatarID uuid.UUID) ([]ConversationPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ConversationPattern
	for _, p := range m.patterns {
		if p.AvatarID == avatarID {
			out = append(out, *clonePattern(p))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SuccessRate != out[j].SuccessRate {
			return out[i].SuccessRate > out[j].SuccessRate
		}
		return out[i].UsageCount > out[j].UsageCount
	})
	return out, nil
}

func (m *MemStore) CreatePattern(_ context.Context, p *ConversationPattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := m.now()
	p.CreatedAt, p.UpdatedAt = now, now
	m.patterns = append(m.patterns, clonePattern(p))
	return nil
}

func (m *MemStore) UpdatePattern(_ context.Context, p *ConversationPattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range m.patterns {
		if cur.ID == p.ID {
			p.UpdatedAt = m.now()
			p.CreatedAt = cur.CreatedAt
			m.patterns[i] = clonePattern(p)
			return nil
		}
	}
	return fmt.Errorf("update conversation pattern %s: %w", p.ID, ErrNotFound)
}

func (m *MemStore) DeletePattern(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range m.patterns {
		if cur.ID == id {
			m.patterns = append(m.patterns[:i], m.patterns[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("delete conversation pattern %s: %w", id, ErrNotFound)
}

func (m *MemStore) AppendFeedback(_ context.Context, f *ConversationFeedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	f.CreatedAt = m.now()
	c := *f
	m.feedback = append(m.feedback, &c)
	return nil
}

func (m *MemStore) ListFeedback(_ context.Context, avatarID uuid.UUID) ([]ConversationFeedback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ConversationFeedback
	for _, f := range m.feedback {
		if f.AvatarID == avatarID {
			out = append(out, *f)
		}
	}
	return out, nil
}

func (m *MemStore) CreateFineTuneJob(_ context.Context, j *FineTuneJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	j.CreatedAt = m.now()
	c := *j
	m.jobs[j.ID] = &c
	m.jobOrder = append(m.jobOrder, j.ID)
	return nil
}

func (m *MemStore) GetFineTuneJob(_ context.Context, id uuid.UUID) (*FineTuneJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("get fine-tune job %s: %w", id, ErrNotFound)
	}
	c := *j
	return &c, nil
}

func (m *MemStore) UpdateFineTuneJob(_ context.Context, j *FineTuneJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[j.ID]
	if !ok {
		return fmt.Errorf("update fine-tune job %s: %w", j.ID, ErrNotFound)
	}
	cur.FineTunedModel = j.FineTunedModel
	cur.Status = j.Status
	cur.Error = j.Error
	cur.FinishedAt = j.FinishedAt
	return nil
}

func (m *MemStore) ListFineTuneJobs(_ context.Context, avatarID uuid.UUID) ([]FineTuneJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []FineTuneJob
	for i := len(m.jobOrder) - 1; i >= 0; i-- {
		if j := m.jobs[m.jobOrder[i]]; j.AvatarID == avatarID {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *MemStore) ListActiveFineTuneJobs(_ context.Context) ([]FineTuneJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []FineTuneJob
	for _, id := range m.jobOrder {
		if j := m.jobs[id]; !j.Status.Terminal() {
			out = append(out, *j)
		}
	}
	return out, nil
}

func cloneAvatar(a *Avatar) *Avatar {
	c := *a
	c.SecondaryLanguages = slices.Clone(a.SecondaryLanguages)
	c.PersonalityTraits = slices.Clone(a.PersonalityTraits)
	if a.CustomPrompt != nil {
		p := *a.CustomPrompt
		c.CustomPrompt = &p
	}
	return &c
}

func cloneVersion(v *PromptVersion) *PromptVersion {
	c := *v
	c.PersonalityTraits = slices.Clone(v.PersonalityTraits)
	c.BehaviorRules = slices.Clone(v.BehaviorRules)
	if v.ResponseStyle != nil {
		c.ResponseStyle = make(map[string]any, len(v.ResponseStyle))
		for k, val := range v.ResponseStyle {
			c.ResponseStyle[k] = val
		}
	}
	return &c
}

func clonePattern(p *ConversationPattern) *ConversationPattern {
	c := *p
	c.TriggerWords = slices.Clone(p.TriggerWords)
	c.Examples = slices.Clone(p.Examples)
	return &c
}
