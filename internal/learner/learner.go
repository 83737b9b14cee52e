// Package learner mines live conversations for reusable trigger/response hints
// and feeds the strongest ones back into the chat system prompt.
package learner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	ahocorasick "github.com/petar-dambovaliev/aho-corasick"

	"github.com/MikeSquared-Agency/persona/internal/hermes"
	"github.com/MikeSquared-Agency/persona/internal/metrics"
	"github.com/MikeSquared-Agency/persona/internal/store"
)

const (
	DefaultMaxExamples = 10
	DefaultHintLimit   = 5
	asyncTimeout       = 10 * time.Second
)

type Options struct {
	// StrictMerge keys patterns by (pattern type, trigger set) equality instead of
	// merging into any stored pattern that shares a trigger word.
	StrictMerge bool
	MaxExamples int
	HintLimit   int
}

// Turn is one exchanged message pair, optionally labelled by the user.
type Turn struct {
	AvatarID       uuid.UUID
	UserID         uuid.UUID
	UserMessage    string
	AvatarResponse string
	Feedback       store.FeedbackLabel
}

type Learner struct {
	store  store.Repository
	opts   Options
	logger *slog.Logger

	// one writer per avatar so concurrent turns do not lose usage increments
	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex

	wg sync.WaitGroup
}

func New(s store.Repository, opts Options, logger *slog.Logger) *Learner {
	if opts.MaxExamples <= 0 {
		opts.MaxExamples = DefaultMaxExamples
	}
	if opts.HintLimit <= 0 {
		opts.HintLimit = DefaultHintLimit
	}
	return &Learner{
		store:  s,
		opts:   opts,
		logger: logger,
		locks:  make(map[uuid.UUID]*sync.Mutex),
	}
}

func (l *Learner) avatarLock(id uuid.UUID) *sync.Mutex {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()
	mu, ok := l.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[id] = mu
	}
	return mu
}

// Learn classifies the turn and creates or updates one pattern per matched category.
// A failed write for one category does not stop the others; the first error is returned.
func (l *Learner) Learn(ctx context.Context, turn Turn) error {
	cats := Classify(turn.UserMessage)
	if len(cats) == 0 || strings.TrimSpace(turn.AvatarResponse) == "" {
		metrics.PatternLearnTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	mu := l.avatarLock(turn.AvatarID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := l.store.ListPatterns(ctx, turn.AvatarID)
	if err != nil {
		metrics.PatternLearnTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("list patterns: %w", err)
	}

	score := FeedbackScore(turn.Feedback)
	generalized := Generalize(turn.AvatarResponse)
	example := store.PatternExample{
		UserMessage:    turn.UserMessage,
		AvatarResponse: turn.AvatarResponse,
		At:             time.Now().UTC(),
	}

	var firstErr error
	for _, cat := range cats {
		triggers := sortedSet(cat.Triggers)
		if idx := l.findMatch(existing, cat.Type, triggers); idx >= 0 {
			p := &existing[idx]
			p.SuccessRate = UpdateRate(p.SuccessRate, p.UsageCount, score)
			p.UsageCount++
			p.Examples = appendBounded(p.Examples, example, l.opts.MaxExamples)
			if err := l.store.UpdatePattern(ctx, p); err != nil {
				metrics.PatternLearnTotal.WithLabelValues("error").Inc()
				if firstErr == nil {
					firstErr = fmt.Errorf("update pattern: %w", err)
				}
				continue
			}
			metrics.PatternLearnTotal.WithLabelValues("updated").Inc()
			continue
		}

		p := store.ConversationPattern{
			AvatarID:        turn.AvatarID,
			UserID:          turn.UserID,
			PatternType:     cat.Type,
			TriggerWords:    triggers,
			ResponsePattern: generalized,
			Examples:        []store.PatternExample{example},
			UsageCount:      1,
			SuccessRate:     clamp(score),
		}
		if err := l.store.CreatePattern(ctx, &p); err != nil {
			metrics.PatternLearnTotal.WithLabelValues("error").Inc()
			if firstErr == nil {
				firstErr = fmt.Errorf("create pattern: %w", err)
			}
			continue
		}
		existing = append(existing, p)
		metrics.PatternLearnTotal.WithLabelValues("created").Inc()
	}
	return firstErr
}

func (l *Learner) findMatch(patterns []store.ConversationPattern, typ store.PatternType, triggers []string) int {
	for i, p := range patterns {
		if l.opts.StrictMerge {
			if p.PatternType == typ && equalSets(sortedSet(p.TriggerWords), triggers) {
				return i
			}
			continue
		}
		if intersects(p.TriggerWords, triggers) {
			return i
		}
	}
	return -1
}

// LearnAsync runs Learn detached from the caller. Failures are logged and never surface.
func (l *Learner) LearnAsync(turn Turn) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("pattern learning panicked", "avatar_id", turn.AvatarID, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()
		if err := l.Learn(ctx, turn); err != nil {
			l.logger.Warn("pattern learning failed", "avatar_id", turn.AvatarID, "error", err)
		}
	}()
}

// Wait blocks until in-flight LearnAsync calls finish.
func (l *Learner) Wait() {
	l.wg.Wait()
}

// RecordFeedback appends to the feedback log, then learns from the labelled turn.
// Only the append can fail the call.
func (l *Learner) RecordFeedback(ctx context.Context, fb *store.ConversationFeedback) error {
	if err := l.store.AppendFeedback(ctx, fb); err != nil {
		return fmt.Errorf("record feedback: %w", err)
	}
	turn := Turn{
		AvatarID:       fb.AvatarID,
		UserID:         fb.UserID,
		UserMessage:    fb.UserMessage,
		AvatarResponse: fb.AvatarResponse,
		Feedback:       fb.Label,
	}
	if err := l.Learn(ctx, turn); err != nil {
		l.logger.Warn("learning from feedback failed", "avatar_id", fb.AvatarID, "error", err)
	}
	return nil
}

// RelevantPatterns returns the avatar's patterns with a trigger word occurring in
// message, most used first.
func (l *Learner) RelevantPatterns(ctx context.Context, avatarID uuid.UUID, message string, limit int) ([]store.ConversationPattern, error) {
	if limit <= 0 {
		limit = l.opts.HintLimit
	}
	patterns, err := l.store.ListPatterns(ctx, avatarID)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	if len(patterns) == 0 || strings.TrimSpace(message) == "" {
		return nil, nil
	}

	hit := newTriggerIndex(patterns).scan(message)

	var out []store.ConversationPattern
	for _, p := range patterns {
		for _, w := range p.TriggerWords {
			if hit[strings.ToLower(w)] {
				out = append(out, p)
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UsageCount > out[j].UsageCount
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Hints renders the relevant patterns as a block for the chat system prompt.
// It returns "" when nothing applies or the lookup fails.
func (l *Learner) Hints(ctx context.Context, avatarID uuid.UUID, message string) string {
	patterns, err := l.RelevantPatterns(ctx, avatarID, message, l.opts.HintLimit)
	if err != nil {
		l.logger.Warn("loading pattern hints failed", "avatar_id", avatarID, "error", err)
		return ""
	}
	return FormatHints(patterns)
}

func FormatHints(patterns []store.ConversationPattern) string {
	if len(patterns) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Learned Conversation Patterns\n")
	b.WriteString("Replies like these have worked well before. Use them as style hints, not scripts.\n")
	for _, p := range patterns {
		fmt.Fprintf(&b, "- %s (when the user says %s): %s\n",
			p.PatternType, quoteList(p.TriggerWords), p.ResponsePattern)
	}
	return strings.TrimRight(b.String(), "\n")
}

// HandleChatTurn is the NATS handler for persona.chat.turn.
func (l *Learner) HandleChatTurn(subject string, data []byte) {
	var evt hermes.ChatTurn
	if err := json.Unmarshal(data, &evt); err != nil {
		l.logger.Error("failed to parse chat turn", "subject", subject, "error", err)
		return
	}
	avatarID, err := uuid.Parse(evt.AvatarID)
	if err != nil {
		l.logger.Error("invalid avatar id in chat turn", "avatar_id", evt.AvatarID, "error", err)
		return
	}
	userID, _ := uuid.Parse(evt.UserID)

	turn := Turn{
		AvatarID:       avatarID,
		UserID:         userID,
		UserMessage:    evt.UserMessage,
		AvatarResponse: evt.AvatarResponse,
		Feedback:       store.FeedbackLabel(evt.Feedback),
	}
	if evt.Feedback == "" {
		l.LearnAsync(turn)
		return
	}

	fb := &store.ConversationFeedback{
		AvatarID:       avatarID,
		UserID:         userID,
		ChatSessionID:  evt.SessionID,
		UserMessage:    evt.UserMessage,
		AvatarResponse: evt.AvatarResponse,
		Label:          turn.Feedback,
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()
		if err := l.RecordFeedback(ctx, fb); err != nil {
			l.logger.Warn("recording chat feedback failed", "avatar_id", avatarID, "error", err)
		}
	}()
}

// triggerIndex scans a message for every stored trigger word in one pass.
type triggerIndex struct {
	ac       ahocorasick.AhoCorasick
	triggers []string
}

func newTriggerIndex(patterns []store.ConversationPattern) *triggerIndex {
	var words []string
	for _, p := range patterns {
		words = append(words, p.TriggerWords...)
	}
	triggers := sortedSet(words)
	if len(triggers) == 0 {
		return &triggerIndex{}
	}

	builder := ahocorasick.NewAhoCorasickBuilder(ahocorasick.Opts{
		AsciiCaseInsensitive: true,
		MatchOnlyWholeWords:  false,
		MatchKind:            ahocorasick.StandardMatch,
	})
	return &triggerIndex{ac: builder.Build(triggers), triggers: triggers}
}

// scan returns the set of triggers that occur as substrings of text, including
// triggers that overlap or nest inside each other.
func (t *triggerIndex) scan(text string) map[string]bool {
	hit := make(map[string]bool)
	if len(t.triggers) == 0 {
		return hit
	}
	iter := t.ac.IterOverlapping(strings.ToLower(text))
	for m := iter.Next(); m != nil; m = iter.Next() {
		hit[t.triggers[m.Pattern()]] = true
	}
	return hit
}

func appendBounded(ex []store.PatternExample, e store.PatternExample, max int) []store.PatternExample {
	ex = append(ex, e)
	if len(ex) > max {
		ex = append([]store.PatternExample(nil), ex[len(ex)-max:]...)
	}
	return ex
}

func intersects(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, w := range a {
		set[strings.ToLower(w)] = true
	}
	for _, w := range b {
		if set[strings.ToLower(w)] {
			return true
		}
	}
	return false
}

func equalSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func quoteList(words []string) string {
	q := make([]string, len(words))
	for i, w := range words {
		q[i] = fmt.Sprintf("%q", w)
	}
	return strings.Join(q, ", ")
}
