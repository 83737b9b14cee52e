package versions

import (
	"fmt"
	"strings"

	"github.com/MikeSquared-Agency/persona/internal/store"
)

// BasePrompt derives a system prompt from the avatar's static profile. Field order is fixed:
// name, age, gender, origin, languages, backstory, personality traits, rules.
func BasePrompt(a *store.Avatar) string {
	name := strings.TrimSpace(a.Name)
	if name == "" {
		name = "an AI companion"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.", name)
	if a.Age > 0 {
		fmt.Fprintf(&b, "\nAge: %d", a.Age)
	}
	if g := strings.TrimSpace(a.Gender); g != "" {
		fmt.Fprintf(&b, "\nGender: %s", g)
	}
	if o := strings.TrimSpace(a.OriginCountry); o != "" {
		fmt.Fprintf(&b, "\nOrigin: %s", o)
	}
	if langs := languages(a); langs != "" {
		fmt.Fprintf(&b, "\nLanguages: %s", langs)
	}
	if bs := strings.TrimSpace(a.Backstory); bs != "" {
		fmt.Fprintf(&b, "\n\nBackstory:\n%s", bs)
	}
	if traits := nonEmpty(a.PersonalityTraits); len(traits) > 0 {
		fmt.Fprintf(&b, "\n\nPersonality traits: %s", strings.Join(traits, ", "))
	}
	if rules := strings.TrimSpace(a.HiddenRules); rules != "" {
		fmt.Fprintf(&b, "\n\nRules you must always follow:\n%s", rules)
	}
	fmt.Fprintf(&b, "\n\nStay in character as %s in every reply.", name)
	return b.String()
}

func languages(a *store.Avatar) string {
	primary := strings.TrimSpace(a.PrimaryLanguage)
	secondary := nonEmpty(a.SecondaryLanguages)
	switch {
	case primary == "" && len(secondary) == 0:
		return ""
	case primary == "":
		return strings.Join(secondary, ", ")
	case len(secondary) == 0:
		return primary
	}
	return primary + " (also speaks " + strings.Join(secondary, ", ") + ")"
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
