package learner

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/MikeSquared-Agency/persona/internal/store"
)

// MaxResponsePattern bounds a generalized response, in characters.
const MaxResponsePattern = 200

var (
	greetingWords = []string{"hi", "hello", "hey", "good morning", "good afternoon", "good evening", "what's up", "howdy"}
	questionWords = []string{"what", "why", "how", "when", "where", "who", "which", "can you", "could you", "do you", "are you", "is it", "will you"}
	casualWords   = []string{"lol", "haha", "cool", "awesome", "yeah", "nah", "omg", "btw"}
	formalWords   = []string{"please", "thank you", "would you kindly", "regards", "sir", "madam"}
)

// Category is one pattern type a message fell into, with the keywords that put it there.
type Category struct {
	Type     store.PatternType
	Triggers []string
}

// Classify sorts a user message into zero or more pattern categories.
// Greetings and question words match as prefixes; casual and formal markers match anywhere.
func Classify(message string) []Category {
	msg := normalizeMessage(message)
	if msg == "" {
		return nil
	}

	var out []Category
	if t := matchPrefix(msg, greetingWords); len(t) > 0 {
		out = append(out, Category{Type: store.PatternGreeting, Triggers: t})
	}

	q := matchPrefix(msg, questionWords)
	if strings.Contains(msg, "?") {
		q = append(q, "?")
	}
	if len(q) > 0 {
		out = append(out, Category{Type: store.PatternQuestion, Triggers: q})
	}

	if t := matchAnywhere(msg, casualWords); len(t) > 0 {
		out = append(out, Category{Type: store.PatternCasual, Triggers: t})
	}
	if t := matchAnywhere(msg, formalWords); len(t) > 0 {
		out = append(out, Category{Type: store.PatternFormal, Triggers: t})
	}
	return out
}

func normalizeMessage(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.ReplaceAll(s, "’", "'")
}

func matchPrefix(msg string, words []string) []string {
	var out []string
	for _, w := range words {
		if strings.HasPrefix(msg, w) && boundaryAt(msg, len(w)) {
			out = append(out, w)
		}
	}
	return out
}

func matchAnywhere(msg string, words []string) []string {
	var out []string
	for _, w := range words {
		if containsWord(msg, w) {
			out = append(out, w)
		}
	}
	return out
}

// containsWord reports whether w occurs in s with no letter directly on either side.
func containsWord(s, w string) bool {
	for from := 0; from < len(s); {
		i := strings.Index(s[from:], w)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(w)
		if boundaryBefore(s, start) && boundaryAt(s, end) {
			return true
		}
		from = start + 1
	}
	return false
}

func boundaryAt(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return !unicode.IsLetter(r)
}

func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !unicode.IsLetter(r)
}

var (
	quotedRe   = regexp.MustCompile(`"[^"]*"|\x{201C}[^\x{201D}]*\x{201D}`)
	digitsRe   = regexp.MustCompile(`\d+`)
	capWordRe  = regexp.MustCompile(`\b[A-Z][a-z]+\b`)
	sentenceRe = regexp.MustCompile(`[.!?:]\s*$`)
)

// Generalize turns a concrete avatar reply into a reusable response pattern.
// Quoted strings, digit runs and capitalized words inside a sentence become placeholders;
// the word opening a sentence is left alone. The result is cut to MaxResponsePattern characters.
func Generalize(response string) string {
	s := strings.TrimSpace(response)
	s = quotedRe.ReplaceAllString(s, `"{quote}"`)
	s = digitsRe.ReplaceAllString(s, "{number}")

	var b strings.Builder
	last := 0
	for _, loc := range capWordRe.FindAllStringIndex(s, -1) {
		b.WriteString(s[last:loc[0]])
		if opensSentence(s[:loc[0]]) {
			b.WriteString(s[loc[0]:loc[1]])
		} else {
			b.WriteString("{name}")
		}
		last = loc[1]
	}
	b.WriteString(s[last:])

	return truncateRunes(b.String(), MaxResponsePattern)
}

func opensSentence(before string) bool {
	trimmed := strings.TrimRightFunc(before, unicode.IsSpace)
	return trimmed == "" || sentenceRe.MatchString(trimmed) || strings.HasSuffix(before, "\n")
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}

func sortedSet(words []string) []string {
	seen := make(map[string]bool, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}
