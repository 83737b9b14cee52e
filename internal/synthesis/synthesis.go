package synthesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MikeSquared-Agency/persona/internal/analysis"
	"github.com/MikeSquared-Agency/persona/internal/metrics"
	"github.com/MikeSquared-Agency/persona/internal/openai"
)

// Character budgets for each field embedded in the synthesis prompt.
const (
	budgetCurrentPrompt = 2000
	budgetExtracted     = 2000
	budgetInstructions  = 1000
	budgetProfile       = 1000
)

// GuidelinesHeading introduces appended guidance when the model did not keep the current prompt.
const GuidelinesHeading = "## Conversation Guidelines"

type Completer interface {
	Complete(ctx context.Context, req openai.Request) (string, error)
}

type Synthesizer struct {
	llm    Completer
	model  string
	logger *slog.Logger
}

func New(llm Completer, model string, logger *slog.Logger) *Synthesizer {
	return &Synthesizer{llm: llm, model: model, logger: logger}
}

type Input struct {
	CurrentPrompt string
	Instructions  string
	ExtractedText string
	Profile       analysis.Profile
}

// Synthesize asks the model for an enhanced prompt. Only a failing LLM call is an error;
// malformed output degrades through ParseResponse.
func (s *Synthesizer) Synthesize(ctx context.Context, in Input) (Result, error) {
	instructions := strings.TrimSpace(in.Instructions)
	if instructions == "" {
		instructions = "(none)"
	}
	extracted := strings.TrimSpace(in.ExtractedText)
	if extracted == "" {
		extracted = "(none)"
	}
	shown := Truncate(in.CurrentPrompt, budgetCurrentPrompt)
	user := fmt.Sprintf(synthesisUserPrompt,
		shown,
		Truncate(instructions, budgetInstructions),
		Truncate(string(in.Profile.JSON()), budgetProfile),
		Truncate(extracted, budgetExtracted),
	)

	raw, err := s.llm.Complete(ctx, openai.Request{
		Operation:   "synthesis",
		Model:       s.model,
		System:      synthesisSystemPrompt,
		Messages:    []openai.Message{{Role: "user", Content: user}},
		MaxTokens:   3000,
		Temperature: 0.7,
	})
	if err != nil {
		return Result{}, fmt.Errorf("llm synthesis: %w", err)
	}

	res, tier := ParseResponse(raw)
	metrics.SynthesisParseTier.WithLabelValues(string(tier)).Inc()
	if tier != TierJSON {
		s.logger.Warn("synthesis response was not clean JSON", "tier", tier, "raw_len", len(raw))
	}

	generated := res.SystemPrompt
	if shown != in.CurrentPrompt {
		generated = stripClippedEcho(generated, in.CurrentPrompt, shown)
	}
	guarded, appended := PreserveIdentity(in.CurrentPrompt, generated)
	if appended {
		s.logger.Info("appending synthesis output to the current prompt as guidelines", "clipped", shown != in.CurrentPrompt)
	}
	res.SystemPrompt = guarded
	return res, nil
}

// stripClippedEcho removes the model's copy of a current prompt it only saw clipped,
// leaving what it added.
func stripClippedEcho(generated, current, shown string) string {
	gen := strings.TrimSpace(generated)
	if strings.Contains(gen, strings.TrimSpace(current)) {
		return gen
	}
	shown = strings.TrimSpace(shown)
	if i := strings.Index(gen, shown); i >= 0 {
		return strings.TrimSpace(gen[:i] + "\n\n" + gen[i+len(shown):])
	}
	if i := strings.LastIndex(gen, truncatedMarker); i >= 0 && strings.Contains(current, strings.TrimSpace(gen[:i])) {
		return strings.TrimSpace(gen[i+len(truncatedMarker):])
	}
	clipped := strings.TrimSpace(strings.TrimSuffix(shown, truncatedMarker))
	if strings.HasPrefix(gen, clipped) {
		return strings.TrimSpace(gen[len(clipped):])
	}
	return gen
}

// PreserveIdentity returns the prompt to store. If generated does not contain current
// verbatim, current is kept and generated is appended under GuidelinesHeading, unless
// current already has that section.
func PreserveIdentity(current, generated string) (string, bool) {
	cur := strings.TrimSpace(current)
	gen := strings.TrimSpace(generated)
	switch {
	case cur == "":
		return gen, false
	case gen == "":
		return cur, false
	case strings.Contains(gen, cur):
		return gen, false
	}
	gen = strings.TrimSpace(strings.TrimPrefix(gen, GuidelinesHeading))
	if gen == "" {
		return cur, false
	}
	if strings.Contains(cur, GuidelinesHeading) {
		return cur + "\n\n" + gen, true
	}
	return cur + "\n\n" + GuidelinesHeading + "\n" + gen, true
}

var ErrEmptyModification = errors.New("modification produced an empty prompt")

// ApplyModification performs a targeted, in-place edit of a prompt following one instruction.
func (s *Synthesizer) ApplyModification(ctx context.Context, currentPrompt, instruction string) (string, error) {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return "", errors.New("modification instruction is empty")
	}
	raw, err := s.llm.Complete(ctx, openai.Request{
		Operation:   "modification",
		Model:       s.model,
		System:      modificationSystemPrompt,
		Messages:    []openai.Message{{Role: "user", Content: fmt.Sprintf(modificationUserPrompt, currentPrompt, instruction)}},
		MaxTokens:   3000,
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("llm modification: %w", err)
	}
	// Commentary trailers are not stripped here: a persona prompt may legitimately end in a note.
	out := strings.TrimSpace(leadinRe.ReplaceAllString(fenceRe.ReplaceAllString(raw, ""), ""))
	if out == "" {
		return "", ErrEmptyModification
	}
	s.logger.Info("prompt modified", "instruction_len", len(instruction), "before", len(currentPrompt), "after", len(out))
	return out, nil
}
