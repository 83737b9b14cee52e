package promptcache

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestNop(t *testing.T) {
	var c Cache = Nop{}
	id := uuid.New()
	c.Set(context.Background(), id, Entry{Prompt: "prompt"})
	if _, ok := c.Get(context.Background(), id); ok {
		t.Error("Nop cache must never hit")
	}
	c.Invalidate(context.Background(), id)
}

func TestKey(t *testing.T) {
	id := uuid.MustParse("6f1c2a9e-4b8d-4c1a-9f3e-2d7b5a8c0e11")
	if got := key(id); got != "persona:system_prompt:6f1c2a9e-4b8d-4c1a-9f3e-2d7b5a8c0e11" {
		t.Errorf("unexpected key %q", got)
	}
}
