package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/virtengine/openfleet-sub013/internal/event"
)

type staticCooldowns map[string]time.Time

func (s staticCooldowns) Active() map[string]time.Time { return s }

func scrape(t *testing.T, r *Recorder) string {
	t.Helper()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("GET /metrics status = %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func newRecorder(t *testing.T, cooldowns CooldownSource) *Recorder {
	t.Helper()
	r, err := New(cooldowns)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return r
}

func TestRecorder_CountsBusEvents(t *testing.T) {
	r := newRecorder(t, nil)
	bus := event.NewBus()
	r.Attach(bus)

	launched := event.NewSessionLaunchedEvent("task-1", "s-1", "codex", true)
	launched.Duration = 2 * time.Second
	bus.Publish(launched)
	bus.Publish(event.NewSessionResumedEvent("task-1", "s-1", "codex", 2))
	bus.Publish(event.NewSessionPoisonedEvent("task-2", "s-2", "claude", "invalid_encrypted_content"))
	bus.Publish(event.NewSessionFailedEvent("task-3", "claude", "boom"))
	bus.Publish(event.NewBackendCooldownEvent("codex", time.Now().Add(time.Minute), "rate_limit"))
	bus.Publish(event.NewAssessmentCompletedEvent("task-1", "ci_failed", "merge", "green", "deep", true))
	bus.Publish(event.NewDecisionExecutedEvent("task-1", "reprompt_same", true, ""))

	body := scrape(t, r)
	for _, want := range []string{
		"openfleet_session_launches",
		"openfleet_session_resumes",
		"openfleet_session_poisoned",
		"openfleet_session_failures",
		"openfleet_session_failovers",
		"openfleet_session_duration_seconds",
		"openfleet_backend_cooldowns",
		"openfleet_assessments",
		"openfleet_assessment_duration_seconds",
		"openfleet_decisions_executed",
		`openfleet_backend="codex"`,
		`openfleet_action="merge"`,
		`openfleet_reason="rate_limit"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestRecorder_DetachStopsCounting(t *testing.T) {
	r := newRecorder(t, nil)
	bus := event.NewBus()
	r.Attach(bus)
	r.Detach()

	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d after Detach, want 0", bus.SubscriptionCount())
	}
	bus.Publish(event.NewSessionFailedEvent("task-1", "codex", "boom"))
	if strings.Contains(scrape(t, r), `openfleet_session_failures_total{`) {
		t.Error("event recorded after Detach")
	}
}

func TestRecorder_ActiveCooldownGauge(t *testing.T) {
	r := newRecorder(t, staticCooldowns{"claude": time.Now().Add(time.Minute)})

	body := scrape(t, r)
	if !strings.Contains(body, "openfleet_backend_cooldown_active") {
		t.Fatal("cooldown gauge not exported")
	}
	if !strings.Contains(body, `openfleet_backend="claude"`) {
		t.Error("cooldown gauge missing the claude backend")
	}
}

func TestRecorder_IgnoresUnknownEvents(t *testing.T) {
	r := newRecorder(t, nil)
	r.Record(unknownEvent{})
}

type unknownEvent struct{}

func (unknownEvent) EventType() string    { return "unknown" }
func (unknownEvent) Timestamp() time.Time { return time.Time{} }
