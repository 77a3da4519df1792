package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"signal-engine/internal/events"
)

// QueueFullClass marks order.failed events rejected by admission control.
const QueueFullClass = "queue_full"

// alertTopics need a human; the rest are only counted.
var alertTopics = map[events.Event]bool{
	events.EventPositionFailed: true,
	events.EventPositionFrozen: true,
	events.EventPositionDesync: true,
	events.EventCredentialFlag: true,
}

// Monitor watches the bus, keeps counters and raises alerts for states that
// need manual intervention.
type Monitor struct {
	Bus     *events.Bus
	Metrics *SystemMetrics
	Sink    AlertSink
	Log     *zap.Logger
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Log == nil {
		m.Log = zap.NewNop()
	}
	if m.Bus == nil {
		m.Log.Warn("monitor not fully configured; skipping")
		return
	}
	if m.Sink == nil {
		m.Sink = LogSink{Log: m.Log}
	}
	if m.Metrics != nil {
		removeHook := m.Bus.OnDrop(func(topic events.Event, subscriber string) {
			m.Metrics.IncEventsDropped(topic)
		})
		go func() {
			<-ctx.Done()
			removeHook()
		}()
	}
	for _, topic := range events.Topics {
		stream, unsub := m.Bus.SubscribeAs("monitor", topic, 64)
		go m.watch(ctx, topic, stream, unsub)
	}
}

func (m *Monitor) watch(ctx context.Context, topic events.Event, stream <-chan any, unsub func()) {
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-stream:
			if !ok {
				return
			}
			m.count(topic, msg)
			if alertTopics[topic] {
				if err := m.Sink.Send(formatAlert(topic, msg)); err != nil {
					m.Log.Error("alert delivery failed", zap.Error(err))
				}
			}
		}
	}
}

func (m *Monitor) count(topic events.Event, msg any) {
	if m.Metrics == nil {
		return
	}
	switch topic {
	case events.EventPositionFailed:
		m.Metrics.IncPositionsFailed()
	case events.EventPositionFrozen:
		m.Metrics.IncPositionsFrozen()
	case events.EventPositionClosed:
		m.Metrics.IncPositionsClosed()
	case events.EventCredentialFlag:
		m.Metrics.IncCredentialFlags()
	case events.EventOrderPlaced:
		m.Metrics.IncOrdersPlaced()
	case events.EventOrderFailed:
		m.Metrics.IncOrdersFailed()
		if ev, ok := msg.(events.OrderEvent); ok && ev.Class == QueueFullClass {
			m.Metrics.IncQueueRejections()
		}
	case events.EventIntentRejected:
		m.Metrics.IncIntentsSkipped()
	case events.EventSignalAccepted:
		m.Metrics.IncSignalsAccepted()
	}
}

func formatAlert(topic events.Event, msg any) string {
	return "[" + time.Now().UTC().Format(time.RFC3339) + "] " + string(topic) + ": " + describe(msg)
}

func describe(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case events.PositionEvent:
		return fmt.Sprintf("position %s user %s %s %s", t.PositionID, t.UserID, t.Symbol, t.Reason)
	case events.CredentialFlagged:
		return fmt.Sprintf("credential %s flagged: %s", t.CredentialID, t.Reason)
	default:
		return fmt.Sprintf("%v", v)
	}
}
