package hermes

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Local is an in-process Bus used when NATS_URL is not configured and in tests.
// Delivery is synchronous and by exact subject.
type Local struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler
}

var _ Bus = (*Local)(nil)

func NewLocal() *Local {
	return &Local{subs: make(map[string]map[int]Handler)}
}

func (l *Local) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	l.mu.RLock()
	handlers := make([]Handler, 0, len(l.subs[subject]))
	for _, h := range l.subs[subject] {
		handlers = append(handlers, h)
	}
	l.mu.RUnlock()

	for _, h := range handlers {
		h(subject, payload)
	}
	return nil
}

func (l *Local) Subscribe(subject string, handler Handler) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	if l.subs[subject] == nil {
		l.subs[subject] = make(map[int]Handler)
	}
	l.subs[subject][id] = handler

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs[subject], id)
		if len(l.subs[subject]) == 0 {
			delete(l.subs, subject)
		}
	}, nil
}
