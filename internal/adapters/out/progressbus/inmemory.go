// Package progressbus implements the Progress Bus (spec.md §4.5) as an
// in-memory, topic-based fan-out with per-task byte aggregation and a
// bounded-rate emission policy.
package progressbus

import (
	"math"
	"sync"
	"time"

	"github.com/bnema/zerowrap"

	"github.com/nullstream/imgpull/internal/boundaries/out"
	"github.com/nullstream/imgpull/internal/domain"
)

const (
	emitInterval = 250 * time.Millisecond
	emaTau       = 1 * time.Second
)

type aggregate struct {
	totalBytes      int64
	downloadedBytes int64
	speedBPS        float64
	lastEmit        time.Time
	lastSampleAt    time.Time
	lastSampleBytes int64
}

type subscriber struct {
	topic   string
	queue   chan domain.Envelope
	closeCh chan struct{}
	once    sync.Once
}

func (s *subscriber) Envelopes() <-chan domain.Envelope { return s.queue }

func (s *subscriber) Close() {
	s.once.Do(func() { close(s.closeCh) })
}

// Bus is the in-memory Progress Bus adapter (component C5).
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
	aggs map[string]*aggregate
	log  zerowrap.Logger
}

// New constructs an empty Bus.
func New(log zerowrap.Logger) *Bus {
	return &Bus{
		subs: make(map[string]map[*subscriber]struct{}),
		aggs: make(map[string]*aggregate),
		log:  log,
	}
}

var _ out.ProgressBus = (*Bus)(nil)

// Subscribe joins topic and returns a live feed bounded to queueSize.
func (b *Bus) Subscribe(topic string, queueSize int) out.Subscription {
	if queueSize <= 0 {
		queueSize = 32
	}
	sub := &subscriber{
		topic:   topic,
		queue:   make(chan domain.Envelope, queueSize),
		closeCh: make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*subscriber]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-sub.closeCh
		b.mu.Lock()
		delete(b.subs[topic], sub)
		if len(b.subs[topic]) == 0 {
			delete(b.subs, topic)
		}
		b.mu.Unlock()
	}()

	return sub
}

// PublishBytes aggregates a byte delta for taskID and, subject to the
// 250ms throttle, emits a download:progress envelope to the task's topic
// and the global topic.
func (b *Bus) PublishBytes(taskID string, totalBytes, downloadedBytes int64, delta int64) {
	now := time.Now()

	b.mu.Lock()
	agg, ok := b.aggs[taskID]
	if !ok {
		agg = &aggregate{lastSampleAt: now, lastSampleBytes: downloadedBytes}
		b.aggs[taskID] = agg
	}
	agg.totalBytes = totalBytes
	agg.downloadedBytes = downloadedBytes

	elapsed := now.Sub(agg.lastSampleAt)
	if elapsed > 0 {
		instBPS := float64(downloadedBytes-agg.lastSampleBytes) / elapsed.Seconds()
		alpha := 1 - math.Exp(-elapsed.Seconds()/emaTau.Seconds())
		agg.speedBPS = alpha*instBPS + (1-alpha)*agg.speedBPS
		agg.lastSampleAt = now
		agg.lastSampleBytes = downloadedBytes
	}

	// The final pre-terminal update always emits regardless of the
	// throttle window, so a subscriber is guaranteed to observe
	// downloadedBytes == totalBytes before the terminal envelope
	// (spec.md §4.5).
	final := totalBytes > 0 && downloadedBytes >= totalBytes
	due := final || now.Sub(agg.lastEmit) >= emitInterval
	if due {
		agg.lastEmit = now
	}
	snapshot := *agg
	b.mu.Unlock()

	if !due {
		return
	}
	b.emitProgress(taskID, snapshot, now)
}

func (b *Bus) emitProgress(taskID string, agg aggregate, now time.Time) {
	progress := 0.0
	if agg.totalBytes > 0 {
		progress = 100 * float64(agg.downloadedBytes) / float64(agg.totalBytes)
	}
	remaining := 0.0
	if agg.speedBPS > 0 {
		remaining = float64(agg.totalBytes-agg.downloadedBytes) / agg.speedBPS
		if remaining < 0 {
			remaining = 0
		}
	}

	env := domain.Envelope{
		Type:      domain.EventProgress,
		Timestamp: now,
		Payload: domain.ProgressEvent{
			TaskID:          taskID,
			Progress:        progress,
			SpeedBPS:        agg.speedBPS,
			RemainingSec:    remaining,
			DownloadedBytes: agg.downloadedBytes,
			TotalBytes:      agg.totalBytes,
		},
	}
	b.deliver(taskID, env, false)
}

// PublishComplete emits a terminal download:complete envelope, bypassing
// the throttle, and retires the task's aggregate.
func (b *Bus) PublishComplete(taskID, filePath, checksum string) {
	b.mu.Lock()
	delete(b.aggs, taskID)
	b.mu.Unlock()

	env := domain.Envelope{
		Type:      domain.EventComplete,
		Timestamp: time.Now(),
		Payload: domain.CompleteEvent{
			TaskID:   taskID,
			FilePath: filePath,
			Checksum: checksum,
		},
	}
	b.deliver(taskID, env, true)
}

// PublishError emits a terminal download:error envelope, bypassing the
// throttle, and retires the task's aggregate.
func (b *Bus) PublishError(taskID string, err error) {
	b.mu.Lock()
	delete(b.aggs, taskID)
	b.mu.Unlock()

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	env := domain.Envelope{
		Type:      domain.EventError,
		Timestamp: time.Now(),
		Payload: domain.ErrorEvent{
			TaskID: taskID,
			Error:  msg,
		},
	}
	b.deliver(taskID, env, true)
}

// deliver fans env out to the task's per-task topic and the global
// topic. Terminal events always deliver (waiting until a full queue has
// room, or until that subscriber closes); progress events are dropped
// for a full queue instead of blocking the publisher.
func (b *Bus) deliver(taskID string, env domain.Envelope, terminal bool) {
	for _, topic := range []string{domain.TaskTopic(taskID), domain.GlobalTopic} {
		env.Topic = topic

		b.mu.RLock()
		subs := make([]*subscriber, 0, len(b.subs[topic]))
		for s := range b.subs[topic] {
			subs = append(subs, s)
		}
		b.mu.RUnlock()

		for _, s := range subs {
			if terminal {
				select {
				case s.queue <- env:
				case <-s.closeCh:
				}
				continue
			}
			select {
			case s.queue <- env:
			default:
				b.log.Debug().
					Str(zerowrap.FieldLayer, "adapter").
					Str(zerowrap.FieldAdapter, "progressbus").
					Str("task_id", taskID).
					Str("topic", topic).
					Msg("subscriber queue full, dropping progress event")
			}
		}
	}
}
