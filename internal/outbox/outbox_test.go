package outbox

import (
	"testing"

	"github.com/toolcrib-dev/toolcrib/internal/model"
)

func TestPopEmptyReturnsSentinel(t *testing.T) {
	box := New()
	cmd, ok := box.Pop()
	if ok {
		t.Fatalf("expected empty pop, got %+v", cmd)
	}
	if box.Len() != 0 {
		t.Fatalf("expected empty outbox, got len %d", box.Len())
	}
}

func TestFIFOOrder(t *testing.T) {
	box := New()
	box.Push(
		model.Command{Verb: model.CommandOpen, Tray: 1},
		model.Command{Verb: model.CommandOpen, Tray: 2},
	)
	box.Push(model.Command{Verb: model.CommandCloseAll})

	want := []model.Command{
		{Verb: model.CommandOpen, Tray: 1},
		{Verb: model.CommandOpen, Tray: 2},
		{Verb: model.CommandCloseAll},
	}
	for i, expected := range want {
		cmd, ok := box.Pop()
		if !ok {
			t.Fatalf("pop %d: outbox drained early", i)
		}
		if cmd != expected {
			t.Fatalf("pop %d: expected %+v, got %+v", i, expected, cmd)
		}
	}
	if _, ok := box.Pop(); ok {
		t.Fatalf("expected outbox drained")
	}
}

func TestAtMostOnce(t *testing.T) {
	box := New()
	box.Push(model.Command{Verb: model.CommandOpen, Tray: 1})
	if _, ok := box.Pop(); !ok {
		t.Fatalf("expected command")
	}
	if _, ok := box.Pop(); ok {
		t.Fatalf("popped command must not be redelivered")
	}
}
