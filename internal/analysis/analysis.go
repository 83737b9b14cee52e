package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MikeSquared-Agency/persona/internal/openai"
)

// maxInputChars bounds the conversation text sent for analysis.
const maxInputChars = 12000

const truncatedMarker = "...[truncated]"

type Completer interface {
	Complete(ctx context.Context, req openai.Request) (string, error)
}

// CommunicationStyle is the tone summary inside a Profile.
type CommunicationStyle struct {
	FormalityLevel string `json:"formality_level,omitempty"`
	EmojiUsage     string `json:"emoji_usage,omitempty"`
	ResponseLength string `json:"response_length,omitempty"`
	Tone           string `json:"tone,omitempty"`
}

// Profile is the style profile inferred from conversation text. When the model's answer
// could not be parsed, only RawAnalysis is set.
type Profile struct {
	CommunicationStyle      *CommunicationStyle `json:"communication_style,omitempty"`
	PersonalityTraits       []string            `json:"personality_traits,omitempty"`
	BehavioralPatterns      []string            `json:"behavioral_patterns,omitempty"`
	ConversationTopics      []string            `json:"conversation_topics,omitempty"`
	ResponseCharacteristics map[string]any      `json:"response_characteristics,omitempty"`
	RawAnalysis             string              `json:"raw_analysis,omitempty"`
}

// Empty reports whether the profile carries no signal at all.
func (p Profile) Empty() bool {
	return p.CommunicationStyle == nil && len(p.PersonalityTraits) == 0 && len(p.BehavioralPatterns) == 0 &&
		len(p.ConversationTopics) == 0 && len(p.ResponseCharacteristics) == 0 && p.RawAnalysis == ""
}

// JSON renders the profile for embedding in prompts and session results. An empty profile is "{}".
func (p Profile) JSON() json.RawMessage {
	b, err := json.Marshal(p)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

type Analyzer struct {
	llm    Completer
	model  string
	logger *slog.Logger
}

func New(llm Completer, model string, logger *slog.Logger) *Analyzer {
	return &Analyzer{llm: llm, model: model, logger: logger}
}

// Analyze infers a style profile from extracted conversation text. Blank input skips the
// call and yields an empty profile; an unparseable answer yields RawAnalysis only.
func (a *Analyzer) Analyze(ctx context.Context, text string) (Profile, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		a.logger.Info("no extracted text, skipping analysis")
		return Profile{}, nil
	}
	if r := []rune(text); len(r) > maxInputChars {
		a.logger.Warn("conversation text over analysis limit, analyzing the first part only", "chars", len(r), "limit", maxInputChars)
		text = string(r[:maxInputChars]) + truncatedMarker
	}

	raw, err := a.llm.Complete(ctx, openai.Request{
		Operation:   "analysis",
		Model:       a.model,
		System:      systemPrompt,
		Messages:    []openai.Message{{Role: "user", Content: fmt.Sprintf(userPrompt, text)}},
		MaxTokens:   1500,
		Temperature: 0.3,
		JSON:        true,
	})
	if err != nil {
		return Profile{}, fmt.Errorf("llm analysis: %w", err)
	}

	var p Profile
	if err := json.Unmarshal([]byte(stripFences(raw)), &p); err != nil {
		a.logger.Warn("failed to parse analysis response, keeping raw text", "error", err, "raw_len", len(raw))
		return Profile{RawAnalysis: raw}, nil
	}

	a.logger.Info("analysis complete",
		"traits", len(p.PersonalityTraits),
		"patterns", len(p.BehavioralPatterns),
		"topics", len(p.ConversationTopics),
	)
	return p, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
