package learner

import (
	"math"
	"testing"

	"github.com/MikeSquared-Agency/persona/internal/store"
)

func TestFeedbackScore(t *testing.T) {
	tests := []struct {
		name  string
		label store.FeedbackLabel
		want  float64
	}{
		{"good", store.FeedbackGood, 1.0},
		{"bad", store.FeedbackBad, 0.0},
		{"neutral", store.FeedbackNeutral, 0.8},
		{"unlabelled defaults to neutral", "", 0.8},
		{"unknown defaults to neutral", "meh", 0.8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FeedbackScore(tt.label); got != tt.want {
				t.Errorf("FeedbackScore(%q) = %f, want %f", tt.label, got, tt.want)
			}
		})
	}
}

func TestUpdateRate(t *testing.T) {
	tests := []struct {
		name  string
		rate  float64
		count int
		score float64
		want  float64
	}{
		{"good feedback on 4 uses at 0.8", 0.8, 4, 1.0, 0.84},
		{"bad feedback on 4 uses at 0.8", 0.8, 4, 0.0, 0.64},
		{"neutral keeps 0.8", 0.8, 9, 0.8, 0.8},
		{"first observation", 0, 0, 1.0, 1.0},
		{"negative count treated as zero", 0.5, -3, 0.0, 0.0},
		{"one third", 0, 2, 1.0, 0.333333},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := UpdateRate(tt.rate, tt.count, tt.score)
			if got != tt.want {
				t.Errorf("UpdateRate(%f, %d, %f) = %.17f, want %f", tt.rate, tt.count, tt.score, got, tt.want)
			}
		})
	}
}

func TestUpdateRate_StaysInUnitInterval(t *testing.T) {
	rate, count := 0.0, 0
	for i := 0; i < 200; i++ {
		score := FeedbackScore(store.FeedbackGood)
		if i%3 == 0 {
			score = FeedbackScore(store.FeedbackBad)
		}
		rate = UpdateRate(rate, count, score)
		count++
		if rate < 0 || rate > 1 || math.IsNaN(rate) {
			t.Fatalf("rate left [0,1] at step %d: %f", i, rate)
		}
	}
}
