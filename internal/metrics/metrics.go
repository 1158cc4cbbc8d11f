// Package metrics exports fleet activity as OpenTelemetry instruments backed
// by a Prometheus registry.
//
// A Recorder subscribes to the event bus, so the pool, the assessor and the
// orchestrator never import this package.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/virtengine/openfleet-sub013/internal/event"
)

// ServiceName is reported as the service.name resource attribute.
const ServiceName = "openfleet"

// Attribute keys shared by the instruments.
var (
	AttrBackend = attribute.Key("openfleet.backend")
	AttrAction  = attribute.Key("openfleet.action")
	AttrSource  = attribute.Key("openfleet.source")
	AttrTrigger = attribute.Key("openfleet.trigger")
	AttrReason  = attribute.Key("openfleet.reason")
	AttrSuccess = attribute.Key("openfleet.success")
)

// CooldownSource reports the backends currently cooling down.
type CooldownSource interface {
	Active() map[string]time.Time
}

// Recorder owns the meter provider and the instruments.
type Recorder struct {
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry
	subID    string
	bus      *event.Bus

	launches         metric.Int64Counter
	resumes          metric.Int64Counter
	poisoned         metric.Int64Counter
	failures         metric.Int64Counter
	failovers        metric.Int64Counter
	sessionDuration  metric.Float64Histogram
	cooldowns        metric.Int64Counter
	activeCooldowns  metric.Int64ObservableGauge
	assessments      metric.Int64Counter
	assessDuration   metric.Float64Histogram
	decisionsApplied metric.Int64Counter
}

// New builds a meter provider with a Prometheus exporter on a private
// registry. cooldowns may be nil, in which case no cooldown gauge is observed.
func New(cooldowns CooldownSource) (*Recorder, error) {
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(ServiceName))
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	r := &Recorder{provider: provider, registry: reg}
	if err := r.init(provider.Meter("github.com/virtengine/openfleet-sub013"), cooldowns); err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, err
	}
	return r, nil
}

func (r *Recorder) init(m metric.Meter, cooldowns CooldownSource) error {
	var err error
	if r.launches, err = m.Int64Counter("openfleet_session_launches_total",
		metric.WithDescription("Fresh agent sessions that completed a turn")); err != nil {
		return err
	}
	if r.resumes, err = m.Int64Counter("openfleet_session_resumes_total",
		metric.WithDescription("Existing agent sessions that completed a turn")); err != nil {
		return err
	}
	if r.poisoned, err = m.Int64Counter("openfleet_session_poisoned_total",
		metric.WithDescription("Sessions a backend refused to resume")); err != nil {
		return err
	}
	if r.failures, err = m.Int64Counter("openfleet_session_failures_total",
		metric.WithDescription("Launch-or-resume calls that gave up")); err != nil {
		return err
	}
	if r.failovers, err = m.Int64Counter("openfleet_session_failovers_total",
		metric.WithDescription("Launches served by the next backend in the failover chain")); err != nil {
		return err
	}
	if r.sessionDuration, err = m.Float64Histogram("openfleet_session_duration_seconds",
		metric.WithDescription("Wall time of one launch-or-resume call"),
		metric.WithUnit("s")); err != nil {
		return err
	}
	if r.cooldowns, err = m.Int64Counter("openfleet_backend_cooldowns_total",
		metric.WithDescription("Times a backend entered a cooldown window")); err != nil {
		return err
	}
	if r.assessments, err = m.Int64Counter("openfleet_assessments_total",
		metric.WithDescription("Decisions returned by the assessor")); err != nil {
		return err
	}
	if r.assessDuration, err = m.Float64Histogram("openfleet_assessment_duration_seconds",
		metric.WithDescription("Wall time of one assessment"),
		metric.WithUnit("s")); err != nil {
		return err
	}
	if r.decisionsApplied, err = m.Int64Counter("openfleet_decisions_executed_total",
		metric.WithDescription("Decisions the orchestrator ran a session for")); err != nil {
		return err
	}

	if cooldowns == nil {
		return nil
	}
	if r.activeCooldowns, err = m.Int64ObservableGauge("openfleet_backend_cooldown_active",
		metric.WithDescription("1 while the backend is cooling down")); err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for backend := range cooldowns.Active() {
			o.ObserveInt64(r.activeCooldowns, 1, metric.WithAttributes(AttrBackend.String(backend)))
		}
		return nil
	}, r.activeCooldowns)
	return err
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Attach subscribes the recorder to every event on bus. Calling it again
// moves the subscription to the new bus.
func (r *Recorder) Attach(bus *event.Bus) {
	r.Detach()
	r.bus = bus
	r.subID = bus.SubscribeAll(r.Record)
}

// Detach removes the bus subscription, if any.
func (r *Recorder) Detach() {
	if r.bus != nil {
		r.bus.Unsubscribe(r.subID)
		r.bus = nil
		r.subID = ""
	}
}

// Shutdown detaches from the bus and stops the meter provider.
func (r *Recorder) Shutdown(ctx context.Context) error {
	r.Detach()
	return r.provider.Shutdown(ctx)
}

// Record updates the instruments for a single event. Unknown event types are
// ignored.
func (r *Recorder) Record(e event.Event) {
	ctx := context.Background()
	switch ev := e.(type) {
	case event.SessionLaunchedEvent:
		attrs := metric.WithAttributes(AttrBackend.String(ev.Backend))
		r.launches.Add(ctx, 1, attrs)
		if ev.FailedOver {
			r.failovers.Add(ctx, 1, attrs)
		}
		r.sessionDuration.Record(ctx, ev.Duration.Seconds(), metric.WithAttributes(
			AttrBackend.String(ev.Backend), AttrSuccess.Bool(true)))
	case event.SessionResumedEvent:
		r.resumes.Add(ctx, 1, metric.WithAttributes(AttrBackend.String(ev.Backend)))
		r.sessionDuration.Record(ctx, ev.Duration.Seconds(), metric.WithAttributes(
			AttrBackend.String(ev.Backend), AttrSuccess.Bool(true)))
	case event.SessionPoisonedEvent:
		r.poisoned.Add(ctx, 1, metric.WithAttributes(AttrBackend.String(ev.Backend)))
	case event.SessionFailedEvent:
		r.failures.Add(ctx, 1, metric.WithAttributes(AttrBackend.String(ev.Backend)))
		r.sessionDuration.Record(ctx, ev.Duration.Seconds(), metric.WithAttributes(
			AttrBackend.String(ev.Backend), AttrSuccess.Bool(false)))
	case event.BackendCooldownEvent:
		r.cooldowns.Add(ctx, 1, metric.WithAttributes(
			AttrBackend.String(ev.Backend), AttrReason.String(ev.Reason)))
	case event.AssessmentCompletedEvent:
		r.assessments.Add(ctx, 1, metric.WithAttributes(
			AttrAction.String(ev.Action),
			AttrSource.String(ev.Source),
			AttrTrigger.String(ev.Trigger),
			AttrSuccess.Bool(ev.Success),
		))
		r.assessDuration.Record(ctx, ev.Duration.Seconds(), metric.WithAttributes(AttrSource.String(ev.Source)))
	case event.DecisionExecutedEvent:
		r.decisionsApplied.Add(ctx, 1, metric.WithAttributes(
			AttrAction.String(ev.Action), AttrSuccess.Bool(ev.Success)))
	}
}
