package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/adsync/internal/core/domain"
	"github.com/vietddude/adsync/internal/metrics"
)

// Kind names an event type.
type Kind string

const (
	KindSyncStarted      Kind = "sync_started"
	KindSyncCompleted    Kind = "sync_completed"
	KindSyncFailed       Kind = "sync_failed"
	KindSyncCancelled    Kind = "sync_cancelled"
	KindJobAdded         Kind = "job_added"
	KindJobRemoved       Kind = "job_removed"
	KindJobPaused        Kind = "job_paused"
	KindJobResumed       Kind = "job_resumed"
	KindSchedulerPaused  Kind = "scheduler_paused"
	KindSchedulerResumed Kind = "scheduler_resumed"
)

// Event is implemented by every payload the scheduler publishes.
type Event interface {
	Kind() Kind
	Job() string
	OccurredAt() time.Time
}

// Meta is embedded in every event.
type Meta struct {
	JobID string    `json:"job_id,omitempty"`
	At    time.Time `json:"at"`
}

func (m Meta) Job() string           { return m.JobID }
func (m Meta) OccurredAt() time.Time { return m.At }

type SyncStarted struct {
	Meta
	RunID      string   `json:"run_id"`
	Trigger    string   `json:"trigger"`
	AccountIDs []string `json:"account_ids"`
}

type SyncCompleted struct {
	Meta
	RunID    string             `json:"run_id"`
	Result   *domain.SyncResult `json:"result"`
	Duration time.Duration      `json:"duration"`
}

type SyncFailed struct {
	Meta
	RunID      string        `json:"run_id"`
	Error      string        `json:"error"`
	RetryCount int           `json:"retry_count"`
	WillRetry  bool          `json:"will_retry"`
	RetryIn    time.Duration `json:"retry_in,omitempty"`
}

type SyncCancelled struct {
	Meta
	RunID  string `json:"run_id"`
	Reason string `json:"reason"`
}

type JobAdded struct {
	Meta
	Job *domain.SyncJob `json:"job"`
}

type JobRemoved struct{ Meta }
type JobPaused struct{ Meta }
type JobResumed struct{ Meta }
type SchedulerPaused struct{ Meta }
type SchedulerResumed struct{ Meta }

func (SyncStarted) Kind() Kind      { return KindSyncStarted }
func (SyncCompleted) Kind() Kind    { return KindSyncCompleted }
func (SyncFailed) Kind() Kind       { return KindSyncFailed }
func (SyncCancelled) Kind() Kind    { return KindSyncCancelled }
func (JobAdded) Kind() Kind         { return KindJobAdded }
func (JobRemoved) Kind() Kind       { return KindJobRemoved }
func (JobPaused) Kind() Kind        { return KindJobPaused }
func (JobResumed) Kind() Kind       { return KindJobResumed }
func (SchedulerPaused) Kind() Kind  { return KindSchedulerPaused }
func (SchedulerResumed) Kind() Kind { return KindSchedulerResumed }

type subscription struct {
	ch    chan Event
	kinds map[Kind]struct{}
}

func (s *subscription) wants(k Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// Bus fans events out to subscribers. Delivery never blocks the publisher;
// events for a full subscriber are dropped.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscription
	next uint64
	log  *slog.Logger
}

func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		subs: make(map[uint64]*subscription),
		log:  log,
	}
}

// Subscribe returns a channel receiving events of the given kinds (all kinds
// when none are given) and a func that ends the subscription and closes the channel.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscription{ch: make(chan Event, buffer)}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Publish delivers e to every interested subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(e.Kind()) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			metrics.EventsDropped.WithLabelValues(string(e.Kind())).Inc()
			b.log.Warn("Dropping event for slow subscriber", "kind", e.Kind(), "job", e.Job())
		}
	}
}
