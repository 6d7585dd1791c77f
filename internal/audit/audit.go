package audit

import (
	"context"
	"time"

	"github.com/tomkendall/shutterwell/internal/logging"
)

// Event kinds recorded by the ingestion surfaces.
const (
	KindUploadAccepted      = "upload.accepted"
	KindUploadRejected      = "upload.rejected"
	KindProcessingCompleted = "processing.completed"
	KindProcessingFailed    = "processing.failed"
)

// Event is one audit entry. Payload carries kind-specific detail such as the
// threat level or the aggregated processing errors.
type Event struct {
	Kind       string            `json:"kind"`
	ImageID    string            `json:"imageId,omitempty"`
	ActorIP    string            `json:"actorIp,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
	Payload    map[string]string `json:"payload,omitempty"`
}

// Sink receives audit events. Record is fire-and-forget: implementations must
// never block the caller on delivery and must swallow delivery failures.
type Sink interface {
	Record(ctx context.Context, event Event)
}

// LoggerSink writes audit events to the application log.
type LoggerSink struct {
	log *logging.Logger
}

// NewLoggerSink creates a sink backed by the given logger.
func NewLoggerSink(log *logging.Logger) *LoggerSink {
	return &LoggerSink{log: log}
}

// Record logs the event at info level.
func (s *LoggerSink) Record(_ context.Context, event Event) {
	fields := map[string]interface{}{
		"kind":     event.Kind,
		"image_id": event.ImageID,
	}
	if event.ActorIP != "" {
		fields["actor_ip"] = event.ActorIP
	}
	for k, v := range event.Payload {
		fields[k] = v
	}
	s.log.Info("audit event", logging.WithFields(fields))
}

// NopSink discards every event.
type NopSink struct{}

// Record does nothing.
func (NopSink) Record(context.Context, Event) {}

// Stamped returns a copy of the event with OccurredAt set if the caller left
// it zero.
func Stamped(event Event, now time.Time) Event {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = now
	}
	return event
}
