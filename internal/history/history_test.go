package history

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func TestMultiAttemptsAllSinks(t *testing.T) {
	bad := &memSink{err: errors.New("down")}
	good := &memSink{}
	m := Multi{bad, nil, good}
	err := m.Send(context.Background(), Event{Type: EventScriptStart, TenantID: "1"})
	if err == nil {
		t.Fatalf("expected joined error from failing sink")
	}
	if len(good.events) != 1 {
		t.Fatalf("healthy sink should still receive the event")
	}
}

func TestEmitFillsTimestampAndSwallowsErrors(t *testing.T) {
	s := &memSink{}
	Emit(context.Background(), s, Event{Type: EventScriptExit, TenantID: "1", ExitCode: Code(3)})
	if len(s.events) != 1 || s.events[0].OccurredAt.IsZero() {
		t.Fatalf("timestamp not filled: %+v", s.events)
	}
	if *s.events[0].ExitCode != 3 {
		t.Fatalf("exit code lost")
	}
	// nil sink and failing sink are both silent
	Emit(context.Background(), nil, Event{})
	Emit(context.Background(), &memSink{err: errors.New("x")}, Event{})
}
