package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/vietddude/adsync/internal/metrics"
	"github.com/vietddude/adsync/internal/syncing/scheduler"
)

// Envelope is the wire form of a forwarded scheduler event.
type Envelope struct {
	Kind    scheduler.Kind  `json:"kind"`
	JobID   string          `json:"job_id,omitempty"`
	At      time.Time       `json:"at"`
	Payload scheduler.Event `json:"payload"`
}

// Forwarder publishes scheduler events to a message bus, one topic per kind.
type Forwarder struct {
	pub    message.Publisher
	prefix string
	log    *slog.Logger
}

func NewForwarder(pub message.Publisher, subjectPrefix string) *Forwarder {
	if subjectPrefix == "" {
		subjectPrefix = DefaultSubjectPrefix
	}
	return &Forwarder{
		pub:    pub,
		prefix: subjectPrefix,
		log:    slog.Default().With("component", "event-forwarder"),
	}
}

// Topic returns the subject an event kind is published on.
func (f *Forwarder) Topic(kind scheduler.Kind) string {
	return f.prefix + "." + string(kind)
}

// Run forwards events until the channel closes or ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context, events <-chan scheduler.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := f.Forward(ctx, e); err != nil {
				f.log.Error("Failed to forward event", "kind", e.Kind(), "job", e.Job(), "error", err)
			}
		}
	}
}

// Forward publishes one event.
func (f *Forwarder) Forward(ctx context.Context, e scheduler.Event) error {
	data, err := json.Marshal(Envelope{
		Kind:    e.Kind(),
		JobID:   e.Job(),
		At:      e.OccurredAt(),
		Payload: e,
	})
	if err != nil {
		metrics.EventsForwarded.WithLabelValues(string(e.Kind()), "error").Inc()
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.SetContext(ctx)
	msg.Metadata.Set("kind", string(e.Kind()))
	if e.Job() != "" {
		msg.Metadata.Set("job_id", e.Job())
	}

	if err := f.pub.Publish(f.Topic(e.Kind()), msg); err != nil {
		metrics.EventsForwarded.WithLabelValues(string(e.Kind()), "error").Inc()
		return fmt.Errorf("publish %s: %w", f.Topic(e.Kind()), err)
	}
	metrics.EventsForwarded.WithLabelValues(string(e.Kind()), "ok").Inc()
	return nil
}

// Close closes the underlying publisher.
func (f *Forwarder) Close() error {
	return f.pub.Close()
}
