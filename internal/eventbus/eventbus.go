// Package eventbus is the progress/status sink the core publishes to and the
// host UI collaborator subscribes to. Adapted from the subscriber-channel
// broker pattern used across the retrieval pack for cluster/task events.
package eventbus

import "sync"

// Kind identifies one of the outbound event shapes from spec.md §6.
type Kind string

const (
	KindNASStatusUpdated Kind = "nas-status-updated"
	KindBackupStarted    Kind = "backup-started"
	KindBackupProgress   Kind = "backup-progress"
	KindBackupCompleted  Kind = "backup-completed"
	KindBackupFailed     Kind = "backup-failed"
)

// Event is the single envelope type carried over a Subscriber channel. Each
// Kind populates only the fields it uses; the rest are left zero.
type Event struct {
	Kind Kind

	NASStatus []interface{} // full NAS list clone

	Timestamp string // start/end timestamp string

	Progress ProgressPayload

	Result interface{} // model.RunResult

	Err string
}

// ProgressPayload mirrors spec.md §6's backup-progress shape.
type ProgressPayload struct {
	CurrentFiles  int64
	TotalFiles    int64
	CurrentSize   int64
	TotalSize     int64
	Percentage    float64
	CurrentFile   string
	CurrentDevice string
}

// Subscriber is a channel that receives events published to a Broker.
type Subscriber chan Event

// Broker fans published events out to every current subscriber without
// blocking the publisher on a slow or absent reader.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
}

// NewBroker returns an empty, ready-to-use Broker.
func NewBroker() *Broker {
	return &Broker{subscribers: make(map[Subscriber]bool)}
}

// Subscribe registers a new listener and returns its channel. The caller
// must eventually call Unsubscribe to release it.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 32)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish delivers ev to every current subscriber. A subscriber whose buffer
// is full is skipped rather than blocking the publisher.
func (b *Broker) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- ev:
		default:
		}
	}
}

// SubscriberCount reports how many listeners are currently attached.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
