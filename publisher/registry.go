package publisher

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/openqs/vms/cfg"
	"github.com/openqs/vms/db"
	"github.com/openqs/vms/encoding"
	"github.com/rs/zerolog/log"
)

// RegistryConfig configures the event publisher
type RegistryConfig struct {
	VehicleID        string // stamped on every envelope
	CompressionLevel int    // zstd level 1-4, 0 sends plain msgpack
	SinkConfigs      []cfg.SinkConfiguration
}

// Registry is the local store's event sink. It owns one worker per
// configured sink; the worker set is fixed at construction.
type Registry struct {
	vehicleID string
	workers   []*Worker
	state     atomic.Int32
}

const (
	registryIdle int32 = iota
	registryRunning
	registryStopped
)

var _ db.EventSink = (*Registry)(nil)

// NewRegistry opens every configured sink. If one fails the sinks already
// opened are closed again.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.VehicleID == "" {
		return nil, errors.New("vehicle id is required")
	}

	r := &Registry{vehicleID: config.VehicleID}
	compressor := encoding.NewCompressor(config.CompressionLevel)
	for _, sc := range config.SinkConfigs {
		w, err := newSinkWorker(sc, compressor)
		if err != nil {
			r.closeSinks()
			return nil, fmt.Errorf("sink %q: %w", sc.Name, err)
		}
		r.workers = append(r.workers, w)
		log.Info().Str("sink", sc.Name).Str("type", sc.Type).Msg("Event sink configured")
	}
	return r, nil
}

func newSinkWorker(sc cfg.SinkConfiguration, compressor *encoding.Compressor) (*Worker, error) {
	filter, err := CompileTypeFilter(sc.FilterTypes)
	if err != nil {
		return nil, err
	}
	snk, err := openSink(sc)
	if err != nil {
		return nil, err
	}

	w, err := NewWorker(WorkerConfig{
		Name:         sc.Name,
		Sink:         snk,
		Filter:       filter,
		Compressor:   compressor,
		TopicPrefix:  sc.TopicPrefix,
		QueueSize:    sc.QueueSize,
		RetryInitial: time.Duration(sc.RetryInitMS) * time.Millisecond,
		RetryMax:     time.Duration(sc.RetryMaxMS) * time.Millisecond,
		MaxRetries:   sc.MaxRetries,
	})
	if err != nil {
		snk.Close()
		return nil, err
	}
	return w, nil
}

// Start launches the workers. A registry starts once.
func (r *Registry) Start() error {
	if !r.state.CompareAndSwap(registryIdle, registryRunning) {
		return errors.New("registry already started")
	}
	for _, w := range r.workers {
		w.Start()
	}
	log.Info().Int("sinks", len(r.workers)).Msg("Event publisher started")
	return nil
}

// Stop stops the workers and closes the sinks. Queued events are dropped.
func (r *Registry) Stop() {
	if r.state.Swap(registryStopped) != registryRunning {
		return
	}
	for _, w := range r.workers {
		w.Stop()
	}
	r.closeSinks()
	log.Info().Msg("Event publisher stopped")
}

func (r *Registry) closeSinks() {
	for _, w := range r.workers {
		if err := w.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", w.config.Name).Msg("Failed to close sink")
		}
	}
}

// Publish queues e on every sink whose filter matches. It never blocks and
// discards events unless the registry is running.
func (r *Registry) Publish(e db.Event) {
	if r.state.Load() != registryRunning {
		return
	}
	env := NewEnvelope(uuid.NewString(), r.vehicleID, e)
	for _, w := range r.workers {
		w.Enqueue(env)
	}
}
