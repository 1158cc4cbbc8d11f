package event

import (
	"sync"
	"testing"
	"time"

	"github.com/virtengine/openfleet-sub013/internal/logging"
)

func TestBus_PublishToSpecificThenWildcard(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.SubscribeAll(func(e Event) { order = append(order, "wildcard:"+e.EventType()) })
	bus.Subscribe(TypeSessionLaunched, func(e Event) {
		launched, ok := e.(SessionLaunchedEvent)
		if !ok {
			t.Fatalf("got %T, want SessionLaunchedEvent", e)
		}
		if launched.TaskKey != "task-1" || launched.Backend != "codex" || !launched.FailedOver {
			t.Errorf("unexpected payload: %+v", launched)
		}
		order = append(order, "specific:"+e.EventType())
	})
	bus.Subscribe(TypeSessionResumed, func(e Event) { t.Error("resumed handler should not fire") })

	bus.Publish(NewSessionLaunchedEvent("task-1", "sess-1", "codex", true))

	want := []string{"specific:session.launched", "wildcard:session.launched"}
	if len(order) != len(want) || order[0] != want[0] || order[1] != want[1] {
		t.Errorf("dispatch order = %v, want %v", order, want)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	calls := make(map[string]int)
	id1 := bus.Subscribe(TypeBackendCooldown, func(e Event) { calls["first"]++ })
	bus.Subscribe(TypeBackendCooldown, func(e Event) { calls["second"]++ })

	if !bus.Unsubscribe(id1) {
		t.Error("Unsubscribe should return true when subscription exists")
	}
	if bus.Unsubscribe(id1) {
		t.Error("Unsubscribe should return false the second time")
	}

	bus.Publish(NewBackendCooldownEvent("claude", time.Now().Add(time.Minute), "rate_limit"))

	if calls["first"] != 0 || calls["second"] != 1 {
		t.Errorf("calls = %v", calls)
	}
	if bus.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", bus.SubscriptionCount())
	}

	bus.Clear()
	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() after Clear = %d", bus.SubscriptionCount())
	}
}

func TestOn_FiltersByConcreteType(t *testing.T) {
	bus := NewBus()

	var got []string
	On(bus, TypeBackendCooldown, func(e BackendCooldownEvent) { got = append(got, e.Backend) })

	bus.Publish(NewBackendCooldownEvent("claude", time.Now(), "rate_limit"))
	bus.Publish(NewSessionFailedEvent("t", "codex", "boom"))
	bus.Publish(NewBackendCooldownEvent("codex", time.Now(), "gateway"))

	if len(got) != 2 || got[0] != "claude" || got[1] != "codex" {
		t.Errorf("On handler saw %v, want [claude codex]", got)
	}
}

func TestBus_HandlerPanicRecovery(t *testing.T) {
	for _, bus := range []*Bus{NewBus(), NewBusWithLogger(logging.NopLogger())} {
		calls := 0
		bus.Subscribe(TypeAssessmentCompleted, func(e Event) {
			calls++
			panic("handler panic")
		})
		bus.Subscribe(TypeAssessmentCompleted, func(e Event) { calls++ })

		bus.Publish(NewAssessmentCompletedEvent("t-1", "manual", "merge", "ok", "deep", true))

		if calls != 2 {
			t.Errorf("expected both handlers to be called despite panic, got %d calls", calls)
		}
	}
}

func TestBus_Concurrent(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	calls := 0
	bus.Subscribe(TypeSessionFailed, func(e Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for range 100 {
		wg.Go(func() {
			bus.Publish(NewSessionFailedEvent("t", "codex", "boom"))
			id := bus.Subscribe("other.event", func(e Event) {})
			bus.Unsubscribe(id)
		})
	}
	wg.Wait()

	if calls != 100 {
		t.Errorf("expected 100 calls, got %d", calls)
	}
	if bus.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", bus.SubscriptionCount())
	}
}

func TestBus_UniqueIDs(t *testing.T) {
	bus := NewBus()

	ids := make(map[string]bool)
	for range 1000 {
		id := bus.Subscribe("x", func(e Event) {})
		if ids[id] {
			t.Fatalf("duplicate subscription ID: %s", id)
		}
		ids[id] = true
	}
}

func TestEventConstructors(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{NewSessionLaunchedEvent("k", "s", "codex", false), TypeSessionLaunched},
		{NewSessionResumedEvent("k", "s", "claude", 3), TypeSessionResumed},
		{NewSessionPoisonedEvent("k", "s", "codex", "thread not found"), TypeSessionPoisoned},
		{NewSessionFailedEvent("k", "codex", "x"), TypeSessionFailed},
		{NewBackendCooldownEvent("codex", time.Now(), "gateway"), TypeBackendCooldown},
		{NewAssessmentCompletedEvent("t", "ci_failed", "wait", "r", "quick", true), TypeAssessmentCompleted},
		{NewDecisionExecutedEvent("t", "reprompt_same", true, ""), TypeDecisionExecuted},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if tt.event.EventType() != tt.want {
				t.Errorf("EventType() = %q, want %q", tt.event.EventType(), tt.want)
			}
			if tt.event.Timestamp().IsZero() {
				t.Error("Timestamp() should be set")
			}
		})
	}
}
