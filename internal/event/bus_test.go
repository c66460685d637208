package event

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/specialistvlad/stagegrid/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) Notify(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) stages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Stage)
	}
	return out
}

func TestBus_DeliversInOrderToEverySubscriber(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	bus := NewBus()
	a, b := &collector{}, &collector{}
	bus.Subscribe(a)
	bus.Subscribe(b)

	var want []string
	for i := 0; i < 200; i++ {
		want = append(want, string(rune('a'+i%26)))
	}

	// --- Act ---
	for _, s := range want {
		bus.Notify(Event{Kind: StageStarted, Stage: s})
	}
	bus.Close()

	// --- Assert ---
	assert.Equal(t, want, a.stages())
	assert.Equal(t, want, b.stages())
}

func TestBus_SlowObserverDoesNotBlockPublisher(t *testing.T) {
	t.Parallel()
	bus := NewBus()
	release := make(chan struct{})
	slow := ObserverFunc(func(Event) { <-release })
	fast := &collector{}
	bus.Subscribe(slow)
	bus.Subscribe(fast)

	published := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Notify(Event{Kind: StageReady})
		}
		close(published)
	}()

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow observer")
	}
	assert.Eventually(t, func() bool { return len(fast.stages()) == 100 }, 2*time.Second, 5*time.Millisecond)

	close(release)
	bus.Close()
}

func TestBus_Unsubscribe(t *testing.T) {
	t.Parallel()
	bus := NewBus()
	c := &collector{}
	unsubscribe := bus.Subscribe(c)

	bus.Notify(Event{Stage: "one"})
	unsubscribe()
	unsubscribe()
	bus.Notify(Event{Stage: "two"})
	bus.Close()

	assert.Equal(t, []string{"one"}, c.stages())
}

func TestBus_AfterCloseIsInert(t *testing.T) {
	t.Parallel()
	bus := NewBus()
	bus.Close()
	bus.Close()

	c := &collector{}
	bus.Subscribe(c)()
	bus.Notify(Event{Stage: "late"})
	assert.Empty(t, c.stages())
}

func TestBus_RecoversFromObserverPanic(t *testing.T) {
	t.Parallel()
	bus := NewBus()
	c := &collector{}
	calls := 0
	bus.Subscribe(ObserverFunc(func(e Event) {
		calls++
		if calls == 1 {
			panic("observer bug")
		}
	}))
	bus.Subscribe(c)

	bus.Notify(Event{Stage: "x"})
	bus.Notify(Event{Stage: "y"})
	bus.Close()

	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"x", "y"}, c.stages())
}

func TestEvent_LogValue(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	logger.Info("Event.", "event", Event{Kind: RunCompleted, RunID: "r1", Status: record.RunFailed})

	out := buf.String()
	require.Contains(t, out, "event.kind=run.completed")
	assert.Contains(t, out, "event.runID=r1")
	assert.Contains(t, out, "event.status=Failed")
}
