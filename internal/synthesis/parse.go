package synthesis

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Tier names which parsing strategy produced a Result.
type Tier string

const (
	TierJSON         Tier = "json"
	TierEmbeddedJSON Tier = "embedded_json"
	TierField        Tier = "field"
	TierProse        Tier = "prose"
)

const parseFailedNote = "Generated prompt (parsing failed)"

// Result is the normalized synthesis output. Slices and maps are never nil.
type Result struct {
	SystemPrompt      string         `json:"system_prompt"`
	PersonalityTraits []string       `json:"personality_traits"`
	BehaviorRules     []string       `json:"behavior_rules"`
	ResponseStyle     map[string]any `json:"response_style"`
	ImprovementNotes  string         `json:"improvement_notes"`
}

type llmResponse struct {
	EnhancedSystemPrompt string         `json:"enhanced_system_prompt"`
	SystemPrompt         string         `json:"system_prompt"`
	PersonalityTraits    []string       `json:"personality_traits"`
	BehaviorRules        []string       `json:"behavior_rules"`
	ResponseStyle        map[string]any `json:"response_style"`
	ImprovementNotes     string         `json:"improvement_notes"`
}

var (
	objectRe  = regexp.MustCompile(`(?s)\{.*\}`)
	fieldRe   = regexp.MustCompile(`(?s)"enhanced_system_prompt"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	fenceRe   = regexp.MustCompile("(?m)^```[a-zA-Z]*\\s*$")
	leadinRe  = regexp.MustCompile(`(?is)^\s*(here is|here's|below is|sure[,!]?)[^\n]*?:\s*`)
	trailerRe = regexp.MustCompile(`(?is)\n\s*\n\s*(note:|notes:|this (enhanced |updated |revised )?prompt|i have |i've |these (changes|guidelines) ).*$`)
)

// ParseResponse never fails: it tries the whole text as JSON, then the outermost {...}
// block, then the enhanced_system_prompt string alone, then cleaned prose.
func ParseResponse(raw string) (Result, Tier) {
	if r, ok := parseObject(raw); ok {
		return r, TierJSON
	}
	if m := objectRe.FindString(raw); m != "" {
		if r, ok := parseObject(m); ok {
			return r, TierEmbeddedJSON
		}
	}
	if m := fieldRe.FindStringSubmatch(raw); m != nil {
		var s string
		if err := json.Unmarshal([]byte(`"`+m[1]+`"`), &s); err == nil && strings.TrimSpace(s) != "" {
			return normalize(Result{SystemPrompt: strings.TrimSpace(s), ImprovementNotes: parseFailedNote}), TierField
		}
	}
	return normalize(Result{SystemPrompt: cleanProse(raw), ImprovementNotes: parseFailedNote}), TierProse
}

func parseObject(s string) (Result, bool) {
	var resp llmResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &resp); err != nil {
		return Result{}, false
	}
	prompt := resp.EnhancedSystemPrompt
	if prompt == "" {
		prompt = resp.SystemPrompt
	}
	if strings.TrimSpace(prompt) == "" {
		return Result{}, false
	}
	notes := resp.ImprovementNotes
	if notes == "" {
		notes = "Enhanced prompt generated from training data"
	}
	return normalize(Result{
		SystemPrompt:      strings.TrimSpace(prompt),
		PersonalityTraits: resp.PersonalityTraits,
		BehaviorRules:     resp.BehaviorRules,
		ResponseStyle:     resp.ResponseStyle,
		ImprovementNotes:  notes,
	}), true
}

// cleanProse strips code fences, "Here is the prompt:" lead-ins and trailing commentary.
func cleanProse(s string) string {
	s = fenceRe.ReplaceAllString(s, "")
	s = leadinRe.ReplaceAllString(s, "")
	s = trailerRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

func normalize(r Result) Result {
	if r.PersonalityTraits == nil {
		r.PersonalityTraits = []string{}
	}
	if r.BehaviorRules == nil {
		r.BehaviorRules = []string{}
	}
	if r.ResponseStyle == nil {
		r.ResponseStyle = map[string]any{}
	}
	return r
}

const truncatedMarker = "...[truncated]"

// Truncate clips s to max runes, appending a marker when anything was cut.
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + truncatedMarker
}
