package out

import "github.com/nullstream/imgpull/internal/domain"

// Subscription is a live feed of envelopes for the topic a caller
// subscribed to. Close must be called exactly once to release the
// subscriber's queue and deregister it from the bus.
type Subscription interface {
	Envelopes() <-chan domain.Envelope
	Close()
}

// ProgressPublisher is how the usecase layer reports task lifecycle
// activity (spec.md §4.5, component C5). Progress events never block the
// caller on a slow subscriber: they are dropped for a full queue.
// Terminal events are never dropped: they wait for queue space, or for
// the subscriber to close.
type ProgressPublisher interface {
	// PublishBytes records a byte-delta for taskID's aggregate counters.
	// The bus itself decides, via its own throttle, whether this delta
	// produces an emitted ProgressEvent.
	PublishBytes(taskID string, totalBytes, downloadedBytes int64, delta int64)
	// PublishComplete emits a terminal CompleteEvent, bypassing the throttle.
	PublishComplete(taskID, filePath, checksum string)
	// PublishError emits a terminal ErrorEvent, bypassing the throttle.
	PublishError(taskID string, err error)
}

// ProgressBus is the full port: publisher plus subscription management.
type ProgressBus interface {
	ProgressPublisher
	// Subscribe joins topic (domain.GlobalTopic or domain.TaskTopic(id)).
	// queueSize bounds the subscriber's backlog before progress events
	// are dropped (terminal events always deliver, waiting for room in
	// the queue when it is full).
	Subscribe(topic string, queueSize int) Subscription
}
