package progressbus

import (
	"errors"
	"testing"
	"time"

	"github.com/bnema/zerowrap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullstream/imgpull/internal/domain"
)

func testLog() zerowrap.Logger {
	return zerowrap.New(zerowrap.Config{Level: "warn"})
}

func TestPublishBytes_ThrottlesWithin250ms(t *testing.T) {
	b := New(testLog())
	sub := b.Subscribe(domain.TaskTopic("t1"), 16)
	defer sub.Close()

	b.PublishBytes("t1", 100, 10, 10)
	select {
	case env := <-sub.Envelopes():
		require.Equal(t, domain.EventProgress, env.Type)
	case <-time.After(time.Second):
		t.Fatal("expected an initial progress event")
	}

	// Immediate second delta should be throttled away.
	b.PublishBytes("t1", 100, 20, 10)
	select {
	case env := <-sub.Envelopes():
		t.Fatalf("unexpected second event within throttle window: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishBytes_GlobalAndTaskTopics(t *testing.T) {
	b := New(testLog())
	global := b.Subscribe(domain.GlobalTopic, 16)
	defer global.Close()
	task := b.Subscribe(domain.TaskTopic("t1"), 16)
	defer task.Close()

	b.PublishBytes("t1", 100, 50, 50)

	for _, sub := range []domain.Envelope{<-global.Envelopes(), <-task.Envelopes()} {
		payload, ok := sub.Payload.(domain.ProgressEvent)
		require.True(t, ok)
		assert.Equal(t, "t1", payload.TaskID)
		assert.InDelta(t, 50.0, payload.Progress, 0.001)
	}
}

func TestPublishComplete_BypassesThrottleAndDeliversOnce(t *testing.T) {
	b := New(testLog())
	sub := b.Subscribe(domain.TaskTopic("t1"), 16)
	defer sub.Close()

	b.PublishBytes("t1", 100, 100, 100)
	<-sub.Envelopes() // drain the progress event

	b.PublishComplete("t1", "/tmp/x", "sha256:deadbeef")
	env := <-sub.Envelopes()
	assert.Equal(t, domain.EventComplete, env.Type)
	payload, ok := env.Payload.(domain.CompleteEvent)
	require.True(t, ok)
	assert.Equal(t, "sha256:deadbeef", payload.Checksum)
}

func TestPublishError_DeliversTerminalEvent(t *testing.T) {
	b := New(testLog())
	sub := b.Subscribe(domain.TaskTopic("t1"), 16)
	defer sub.Close()

	b.PublishError("t1", errors.New("boom"))
	env := <-sub.Envelopes()
	assert.Equal(t, domain.EventError, env.Type)
	payload, ok := env.Payload.(domain.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, "boom", payload.Error)
}

func TestPublishBytes_DropsProgressOnFullQueue(t *testing.T) {
	b := New(testLog())
	sub := b.Subscribe(domain.TaskTopic("t1"), 1)
	defer sub.Close()

	b.PublishBytes("t1", 100, 10, 10)
	time.Sleep(260 * time.Millisecond)
	b.PublishBytes("t1", 100, 20, 10)
	// queue now holds one undrained event; a third publish must not block.
	time.Sleep(260 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		b.PublishBytes("t1", 100, 30, 10)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PublishBytes blocked on a full subscriber queue")
	}
}

func TestSubscribe_CloseRemovesSubscriber(t *testing.T) {
	b := New(testLog())
	sub := b.Subscribe(domain.TaskTopic("t1"), 16)
	sub.Close()

	b.mu.RLock()
	_, exists := b.subs[domain.TaskTopic("t1")]
	b.mu.RUnlock()

	// Close is asynchronous; poll briefly for deregistration.
	deadline := time.Now().Add(time.Second)
	for exists && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		b.mu.RLock()
		_, exists = b.subs[domain.TaskTopic("t1")]
		b.mu.RUnlock()
	}
	assert.False(t, exists)
}
