package publisher

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openqs/vms/encoding"
	"github.com/openqs/vms/telemetry"
	"github.com/rs/zerolog/log"
)

// Worker defaults
const (
	DefaultQueueSize       = 1024
	DefaultRetryInitial    = 100 * time.Millisecond
	DefaultRetryMax        = 30 * time.Second
	DefaultRetryMultiplier = 2.0
	DefaultMaxRetries      = 10
)

var errWorkerStopped = errors.New("worker stopped")

// WorkerConfig configures a sink worker
type WorkerConfig struct {
	Name            string
	Sink            Sink
	Filter          Filter
	Compressor      *encoding.Compressor // nil sends plain msgpack
	TopicPrefix     string
	QueueSize       int
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64
	MaxRetries      int // attempts per envelope, including the first
}

func (c *WorkerConfig) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = DefaultRetryInitial
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.RetryMultiplier <= 0 {
		c.RetryMultiplier = DefaultRetryMultiplier
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
}

// backoff is the capped exponential delay between publish attempts
type backoff struct {
	next, max time.Duration
	factor    float64
}

func (b *backoff) delay() time.Duration {
	d := b.next
	b.next = time.Duration(float64(b.next) * b.factor)
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

// Worker owns one sink. Envelopes wait in a bounded queue; when the link is
// down long enough for the queue to fill, new envelopes are dropped rather
// than stalling the store.
type Worker struct {
	config      WorkerConfig
	queue       chan Envelope
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker validates config and creates a stopped worker
func NewWorker(config WorkerConfig) (*Worker, error) {
	switch {
	case config.Name == "":
		return nil, errors.New("worker name is required")
	case config.Sink == nil:
		return nil, errors.New("sink is required")
	case config.Filter == nil:
		return nil, errors.New("filter is required")
	}
	config.applyDefaults()

	return &Worker{
		config: config,
		queue:  make(chan Envelope, config.QueueSize),
	}, nil
}

// Enqueue hands env to the worker without blocking. It returns false when
// the envelope was filtered out or the queue is full.
func (w *Worker) Enqueue(env Envelope) bool {
	if !w.config.Filter.Match(env.Type) {
		return false
	}
	select {
	case w.queue <- env:
		return true
	default:
		telemetry.EventsDroppedTotal.With(w.config.Name).Inc()
		log.Warn().Str("sink", w.config.Name).Str("type", env.Type).Msg("Event queue full, dropping event")
		return false
	}
}

// Start launches the drain loop. Starting a running worker is a no-op.
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.running.Store(true)
	go w.drain(w.stopCh, w.doneCh)

	log.Debug().Str("sink", w.config.Name).Msg("Event worker started")
}

// Stop ends the drain loop and waits for it. Envelopes still queued are
// counted as dropped.
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}
	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	if left := len(w.queue); left > 0 {
		telemetry.EventsDroppedTotal.With(w.config.Name).Add(float64(left))
		log.Warn().Str("sink", w.config.Name).Int("dropped", left).Msg("Event worker stopped with queued events")
	}
}

func (w *Worker) drain(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		select {
		case <-stopCh:
			return
		case env := <-w.queue:
			result := "ok"
			if err := w.deliver(stopCh, env); err != nil {
				if errors.Is(err, errWorkerStopped) {
					return
				}
				result = "failed"
				log.Error().Err(err).Str("sink", w.config.Name).Str("id", env.ID).Msg("Event abandoned")
			}
			telemetry.EventsPublishedTotal.With(w.config.Name, result).Inc()
		}
	}
}

func (w *Worker) deliver(stopCh chan struct{}, env Envelope) error {
	payload, err := encoding.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if w.config.Compressor != nil {
		if payload, err = w.config.Compressor.Compress(payload); err != nil {
			return fmt.Errorf("failed to compress event: %w", err)
		}
	}

	topic := w.topic(env)
	b := backoff{next: w.config.RetryInitial, max: w.config.RetryMax, factor: w.config.RetryMultiplier}
	for attempt := 1; ; attempt++ {
		err := w.config.Sink.Publish(topic, env.VehicleID, payload)
		if err == nil {
			return nil
		}
		if attempt >= w.config.MaxRetries {
			return fmt.Errorf("gave up on %s after %d attempts: %w", topic, attempt, err)
		}

		d := b.delay()
		log.Debug().Err(err).Str("topic", topic).Int("attempt", attempt).Dur("retry_in", d).Msg("Publish failed")
		select {
		case <-stopCh:
			return errWorkerStopped
		case <-time.After(d):
		}
	}
}

// topic is prefix.vehicle.type, or vehicle.type without a prefix
func (w *Worker) topic(env Envelope) string {
	if w.config.TopicPrefix == "" {
		return env.VehicleID + "." + env.Type
	}
	return w.config.TopicPrefix + "." + env.VehicleID + "." + env.Type
}
