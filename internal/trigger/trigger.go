package trigger

import (
	"context"
	"encoding/json"
	"time"

	"helios/internal/metrics"
	"helios/pkg/logger"
)

// Event is one trigger delivered by a real-time feed. Delivery is
// at-least-once and may be duplicated; the scheduler's coalescing rule
// absorbs duplicates.
type Event struct {
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"ts"`
}

// Sink consumes trigger events and reports how many dispatches started.
// Satisfied by the scheduler.
type Sink interface {
	OnEvent(key string, payload interface{}) int
}

// Source delivers events into a Sink until its context is cancelled
type Source interface {
	Name() string
	Run(ctx context.Context) error
}

// dispatch parses a raw feed message and forwards it to the sink.
// fallbackKey is used when the message body carries no key (e.g. the
// Kafka message key).
func dispatch(sink Sink, source string, data []byte, fallbackKey string, log *logger.Logger) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		log.Warnw("Dropping malformed trigger event", "source", source, "error", err)
		metrics.TriggerEvents.WithLabelValues(source, "invalid").Inc()
		return
	}
	if event.Key == "" {
		event.Key = fallbackKey
	}
	if event.Key == "" {
		log.Warnw("Dropping trigger event without key", "source", source)
		metrics.TriggerEvents.WithLabelValues(source, "invalid").Inc()
		return
	}

	dispatched := sink.OnEvent(event.Key, event.Payload)
	if dispatched > 0 {
		metrics.TriggerEvents.WithLabelValues(source, "dispatched").Inc()
	} else {
		metrics.TriggerEvents.WithLabelValues(source, "unmatched").Inc()
	}
}
