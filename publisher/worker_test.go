package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openqs/vms/db"
	"github.com/openqs/vms/encoding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSink struct {
	mu        sync.Mutex
	events    []mockPublishCall
	failCount atomic.Int32 // Number of times to fail before succeeding
	block     chan struct{}
}

type mockPublishCall struct {
	topic string
	key   string
	value []byte
}

func (m *mockSink) Publish(topic, key string, value []byte) error {
	if m.block != nil {
		<-m.block
	}
	if m.failCount.Load() > 0 {
		m.failCount.Add(-1)
		return fmt.Errorf("mock publish failure")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, mockPublishCall{topic: topic, key: key, value: value})
	return nil
}

func (m *mockSink) Close() error {
	return nil
}

func (m *mockSink) getEvents() []mockPublishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]mockPublishCall, len(m.events))
	copy(result, m.events)
	return result
}

func allowAll(t *testing.T) Filter {
	f, err := CompileTypeFilter(nil)
	require.NoError(t, err)
	return f
}

func envelope(typ string) Envelope {
	return NewEnvelope("e1", "vehicle-7", db.Event{
		Type:      typ,
		SessionID: 3,
		CommandID: 9,
		Name:      "gft.pull",
		State:     string(db.StateSuccess),
		Time:      time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
	})
}

func TestNewWorkerValidation(t *testing.T) {
	_, err := NewWorker(WorkerConfig{Sink: &mockSink{}, Filter: allowAll(t)})
	assert.Error(t, err)

	_, err = NewWorker(WorkerConfig{Name: "w", Filter: allowAll(t)})
	assert.Error(t, err)

	_, err = NewWorker(WorkerConfig{Name: "w", Sink: &mockSink{}})
	assert.Error(t, err)

	w, err := NewWorker(WorkerConfig{Name: "w", Sink: &mockSink{}, Filter: allowAll(t)})
	require.NoError(t, err)
	assert.Equal(t, DefaultQueueSize, cap(w.queue))
	assert.Equal(t, DefaultMaxRetries, w.config.MaxRetries)
	assert.Equal(t, DefaultRetryMax, w.config.RetryMax)
}

func TestWorkerPublishesEnvelope(t *testing.T) {
	snk := &mockSink{}
	w, err := NewWorker(WorkerConfig{Name: "w", Sink: snk, Filter: allowAll(t), TopicPrefix: "vms.events"})
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	require.True(t, w.Enqueue(envelope(db.EventCommandTerminal)))
	require.Eventually(t, func() bool { return len(snk.getEvents()) == 1 }, 2*time.Second, 10*time.Millisecond)

	call := snk.getEvents()[0]
	assert.Equal(t, "vms.events.vehicle-7.command_terminal", call.topic)
	assert.Equal(t, "vehicle-7", call.key)

	var got Envelope
	require.NoError(t, encoding.Unmarshal(call.value, &got))
	assert.Equal(t, envelope(db.EventCommandTerminal), got)
}

func TestWorkerCompressesPayload(t *testing.T) {
	snk := &mockSink{}
	comp := encoding.NewCompressor(2)
	w, err := NewWorker(WorkerConfig{Name: "w", Sink: snk, Filter: allowAll(t), Compressor: comp})
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	w.Enqueue(envelope(db.EventSessionCreated))
	require.Eventually(t, func() bool { return len(snk.getEvents()) == 1 }, 2*time.Second, 10*time.Millisecond)

	call := snk.getEvents()[0]
	assert.Equal(t, "vehicle-7.session_created", call.topic)
	raw, err := comp.Decompress(call.value)
	require.NoError(t, err)
	var got Envelope
	require.NoError(t, encoding.Unmarshal(raw, &got))
	assert.Equal(t, db.EventSessionCreated, got.Type)
}

func TestWorkerFiltersTypes(t *testing.T) {
	filter, err := CompileTypeFilter([]string{"command_*"})
	require.NoError(t, err)
	w, err := NewWorker(WorkerConfig{Name: "w", Sink: &mockSink{}, Filter: filter})
	require.NoError(t, err)

	assert.False(t, w.Enqueue(envelope(db.EventSystemMessage)))
	assert.True(t, w.Enqueue(envelope(db.EventCommandTerminal)))
	assert.Len(t, w.queue, 1)
}

func TestWorkerDropsWhenFull(t *testing.T) {
	w, err := NewWorker(WorkerConfig{Name: "w", Sink: &mockSink{}, Filter: allowAll(t), QueueSize: 2})
	require.NoError(t, err)

	// Not started: nothing drains the queue
	assert.True(t, w.Enqueue(envelope(db.EventSystemMessage)))
	assert.True(t, w.Enqueue(envelope(db.EventSystemMessage)))
	assert.False(t, w.Enqueue(envelope(db.EventSystemMessage)))
}

func TestWorkerRetriesThenSucceeds(t *testing.T) {
	snk := &mockSink{}
	snk.failCount.Store(2)
	w, err := NewWorker(WorkerConfig{
		Name:         "w",
		Sink:         snk,
		Filter:       allowAll(t),
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	})
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	w.Enqueue(envelope(db.EventCommandTerminal))
	require.Eventually(t, func() bool { return len(snk.getEvents()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), snk.failCount.Load())
}

func TestWorkerGivesUpAfterMaxRetries(t *testing.T) {
	snk := &mockSink{}
	snk.failCount.Store(3)
	w, err := NewWorker(WorkerConfig{
		Name:         "w",
		Sink:         snk,
		Filter:       allowAll(t),
		RetryInitial: time.Millisecond,
		MaxRetries:   3,
	})
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	w.Enqueue(envelope(db.EventCommandTerminal))
	w.Enqueue(envelope(db.EventSessionCreated))

	// First envelope is abandoned after three failures, the second goes out
	require.Eventually(t, func() bool { return len(snk.getEvents()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "vehicle-7.session_created", snk.getEvents()[0].topic)
}

func TestWorkerStopInterruptsPublish(t *testing.T) {
	snk := &mockSink{block: make(chan struct{})}
	w, err := NewWorker(WorkerConfig{Name: "w", Sink: snk, Filter: allowAll(t)})
	require.NoError(t, err)
	w.Start()
	w.Enqueue(envelope(db.EventCommandTerminal))

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	close(snk.block)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.False(t, w.running.Load())
}

func TestBackoffCaps(t *testing.T) {
	b := backoff{next: 100 * time.Millisecond, max: 350 * time.Millisecond, factor: 2}
	var got []time.Duration
	for range 5 {
		got = append(got, b.delay())
	}
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		350 * time.Millisecond,
		350 * time.Millisecond,
		350 * time.Millisecond,
	}, got)
}
