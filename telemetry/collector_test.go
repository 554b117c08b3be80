package telemetry

import (
	"database/sql"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedPool struct {
	calls atomic.Int32
}

func (p *fixedPool) Stats() sql.DBStats {
	p.calls.Add(1)
	return sql.DBStats{OpenConnections: 3, InUse: 1, Idle: 2}
}

func TestCollectorSamplesImmediatelyAndOnInterval(t *testing.T) {
	var n atomic.Int32
	mc := NewMetricsCollector(5*time.Millisecond, func() { n.Add(1) })
	mc.Start()

	require.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, time.Millisecond)
	mc.Stop()

	stopped := n.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, n.Load())
}

func TestPoolAndFreeSpaceSamplers(t *testing.T) {
	pool := &fixedPool{}
	PoolSampler(pool)()
	assert.Equal(t, int32(1), pool.calls.Load())

	// Missing directories are skipped
	assert.NotPanics(t, func() { FreeSpaceSampler(t.TempDir(), "/does/not/exist")() })
}
