package agent

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the session instruments. One Metrics is shared by all
// sessions of a process.
type Metrics struct {
	sessions          metric.Int64UpDownCounter
	droppedFrames     metric.Int64Counter
	reconnects        metric.Int64Counter
	turns             metric.Int64Counter
	transitions       metric.Int64Counter
	historyEvictions  metric.Int64Counter
	generationLatency metric.Float64Histogram
	firstAudioLatency metric.Float64Histogram
}

// NewMetrics registers the session instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.sessions, err = meter.Int64UpDownCounter("voiced.sessions.active",
		metric.WithDescription("Sessions currently open")); err != nil {
		return nil, err
	}
	if m.droppedFrames, err = meter.Int64Counter("voiced.ingress.dropped_frames",
		metric.WithDescription("Inbound audio frames discarded by backpressure"),
		metric.WithUnit("{frame}")); err != nil {
		return nil, err
	}
	if m.reconnects, err = meter.Int64Counter("voiced.recognition.reconnects",
		metric.WithDescription("Recognition streams reopened")); err != nil {
		return nil, err
	}
	if m.turns, err = meter.Int64Counter("voiced.turns",
		metric.WithDescription("Turns finished, by status")); err != nil {
		return nil, err
	}
	if m.transitions, err = meter.Int64Counter("voiced.state_transitions",
		metric.WithDescription("Controller state transitions")); err != nil {
		return nil, err
	}
	if m.historyEvictions, err = meter.Int64Counter("voiced.history.evictions",
		metric.WithDescription("Turns evicted from conversation history")); err != nil {
		return nil, err
	}
	if m.generationLatency, err = meter.Float64Histogram("voiced.generation.duration",
		metric.WithDescription("Reply generation latency"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.firstAudioLatency, err = meter.Float64Histogram("voiced.turn.first_audio",
		metric.WithDescription("Final transcript to first synthesized chunk"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return &m, nil
}

// NopMetrics returns instruments that record nothing.
func NopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter("agent"))
	return m
}

func (m *Metrics) sessionOpened(ctx context.Context) { m.sessions.Add(ctx, 1) }
func (m *Metrics) sessionClosed(ctx context.Context) { m.sessions.Add(ctx, -1) }

func (m *Metrics) frameDropped(ctx context.Context) { m.droppedFrames.Add(ctx, 1) }

func (m *Metrics) reconnected(ctx context.Context, expired bool) {
	cause := "error"
	if expired {
		cause = "expired"
	}
	m.reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", cause)))
}

func (m *Metrics) turnFinished(ctx context.Context, status TurnStatus, reason string) {
	m.turns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(status)),
		attribute.String("reason", reason)))
}

func (m *Metrics) transition(ctx context.Context, from, to State) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", to.String())))
}

func (m *Metrics) evicted(ctx context.Context) { m.historyEvictions.Add(ctx, 1) }

func (m *Metrics) generated(ctx context.Context, d time.Duration, ok bool) {
	m.generationLatency.Record(ctx, float64(d.Microseconds())/1000,
		metric.WithAttributes(attribute.Bool("ok", ok)))
}

func (m *Metrics) firstAudio(ctx context.Context, d time.Duration) {
	m.firstAudioLatency.Record(ctx, float64(d.Microseconds())/1000)
}
