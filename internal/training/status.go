package training

import (
	"errors"
	"fmt"

	"github.com/MikeSquared-Agency/persona/internal/store"
)

var ErrInvalidTransition = errors.New("invalid training session status transition")

// transitions lists every legal move. Completed and failed are terminal: a session is never
// re-processed, a new one is created instead.
var transitions = map[store.SessionStatus][]store.SessionStatus{
	store.StatusPending:    {store.StatusProcessing, store.StatusFailed},
	store.StatusProcessing: {store.StatusCompleted, store.StatusFailed},
}

// CanTransition reports whether a session may move from one status to another.
func CanTransition(from, to store.SessionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func Terminal(s store.SessionStatus) bool {
	return len(transitions[s]) == 0
}

func checkTransition(from, to store.SessionStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
