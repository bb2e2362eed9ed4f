package activity

import (
	"context"
	"errors"
	"testing"
)

type memLog struct {
	events []Event
	err    error
}

func (m *memLog) Append(_ context.Context, e Entry) (*Event, error) {
	if m.err != nil {
		return nil, m.err
	}
	ev := Event{ID: e.Type, Type: e.Type, ProjectID: e.ProjectID, Kind: e.Kind, Content: e.Content}
	m.events = append(m.events, ev)
	return &ev, nil
}
func (m *memLog) Recent(context.Context, int) ([]Event, error)            { return m.events, nil }
func (m *memLog) ByProject(context.Context, string, int) ([]Event, error) { return m.events, nil }
func (m *memLog) Since(context.Context, string, int) ([]Event, error)     { return nil, nil }
func (m *memLog) Count(context.Context) (int, error)                      { return len(m.events), nil }
func (m *memLog) VerifyChain(context.Context) error                       { return nil }
func (m *memLog) EnsureTable(context.Context) error                       { return nil }

func TestBusFanOut(t *testing.T) {
	bus := NewBus(&memLog{})
	a, b := bus.Subscribe(), bus.Subscribe()
	defer bus.Unsubscribe(a)

	if _, err := bus.Append(context.Background(), Entry{Type: ArtifactRequested, ProjectID: "p1"}); err != nil {
		t.Fatal(err)
	}
	for _, ch := range []chan *Event{a, b} {
		select {
		case e := <-ch:
			if e.Type != ArtifactRequested {
				t.Errorf("type = %s", e.Type)
			}
		default:
			t.Fatal("subscriber did not receive event")
		}
	}

	bus.Unsubscribe(b)
	if _, ok := <-b; ok {
		t.Error("unsubscribed channel should be closed")
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus(&memLog{})
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	for i := 0; i < cap(ch)+10; i++ {
		if _, err := bus.Append(context.Background(), Entry{Type: ArtifactRequested}); err != nil {
			t.Fatal(err)
		}
	}
	if len(ch) != cap(ch) {
		t.Errorf("buffered = %d, want %d", len(ch), cap(ch))
	}
}

func TestBusRecordSwallowsErrors(t *testing.T) {
	bus := NewBus(&memLog{err: errors.New("db down")})
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	bus.Record(context.Background(), Entry{Type: ArtifactFailed})
	if len(ch) != 0 {
		t.Error("failed append must not notify subscribers")
	}
}
