package learner

import (
	"math"

	"github.com/MikeSquared-Agency/persona/internal/store"
)

// FeedbackScore maps a feedback label to the score folded into a pattern's success rate.
// Unlabelled turns count as neutral.
func FeedbackScore(label store.FeedbackLabel) float64 {
	switch label {
	case store.FeedbackGood:
		return 1.0
	case store.FeedbackBad:
		return 0.0
	default:
		return 0.8
	}
}

// UpdateRate folds one score into a running average over usageCount prior observations.
//
// Formula: new_rate = (old_rate x usage_count + score) / (usage_count + 1)
// The result is rounded to 6 decimals so repeated updates do not accumulate float noise.
func UpdateRate(oldRate float64, usageCount int, score float64) float64 {
	if usageCount < 0 {
		usageCount = 0
	}
	rate := (oldRate*float64(usageCount) + score) / float64(usageCount+1)
	return clamp(math.Round(rate*1e6) / 1e6)
}

func clamp(score float64) float64 {
	if score < 0.0 {
		return 0.0
	}
	if score > 1.0 {
		return 1.0
	}
	return score
}
