package telemetry

import (
	"database/sql"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Sampler refreshes gauges from a live source
type Sampler func()

// PoolStatsProvider exposes connection pool statistics
type PoolStatsProvider interface {
	Stats() sql.DBStats
}

// PoolSampler copies the local store pool counters into LocalStoreConnections
func PoolSampler(pool PoolStatsProvider) Sampler {
	return func() {
		s := pool.Stats()
		LocalStoreConnections.With("open").Set(float64(s.OpenConnections))
		LocalStoreConnections.With("in_use").Set(float64(s.InUse))
		LocalStoreConnections.With("idle").Set(float64(s.Idle))
	}
}

// FreeSpaceSampler reports the bytes available to unprivileged writers on
// the filesystem holding each directory
func FreeSpaceSampler(dirs ...string) Sampler {
	return func() {
		for _, dir := range dirs {
			var st unix.Statfs_t
			if err := unix.Statfs(dir, &st); err != nil {
				log.Debug().Err(err).Str("dir", dir).Msg("statfs failed")
				continue
			}
			DiskFreeBytes.With(dir).Set(float64(st.Bavail) * float64(st.Bsize))
		}
	}
}

// MetricsCollector runs samplers on a fixed interval
type MetricsCollector struct {
	samplers []Sampler
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewMetricsCollector creates a stopped collector
func NewMetricsCollector(interval time.Duration, samplers ...Sampler) *MetricsCollector {
	return &MetricsCollector{
		samplers: samplers,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start samples once and then every interval until Stop
func (mc *MetricsCollector) Start() {
	go func() {
		defer close(mc.doneCh)
		ticker := time.NewTicker(mc.interval)
		defer ticker.Stop()

		for {
			mc.sample()
			select {
			case <-ticker.C:
			case <-mc.stopCh:
				return
			}
		}
	}()
}

// Stop ends sampling and waits for the loop to exit
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	<-mc.doneCh
}

func (mc *MetricsCollector) sample() {
	for _, s := range mc.samplers {
		s()
	}
}
