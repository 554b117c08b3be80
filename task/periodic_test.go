package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	errors []string
}

func (r *recordingSink) LogError(_ context.Context, source string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, source+": "+err.Error())
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errors)
}

func waitDone(t *testing.T, p *Periodic) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("task %s did not exit", p.Name())
	}
}

func TestPeriodic_ExitOnNonPositive(t *testing.T) {
	var calls atomic.Int32
	p := New("exit", time.Millisecond, func(ctx context.Context) (Next, error) {
		if calls.Add(1) == 3 {
			return After(0), nil
		}
		return Keep(), nil
	})

	p.Start(context.Background())
	waitDone(t, p)
	assert.Equal(t, int32(3), calls.Load())
	assert.False(t, p.Running())
}

func TestPeriodic_PositiveReturnChangesDelay(t *testing.T) {
	var calls atomic.Int32
	p := New("delay", time.Hour, func(ctx context.Context) (Next, error) {
		if calls.Add(1) >= 4 {
			return Exit(), nil
		}
		return After(2 * time.Millisecond), nil
	})

	p.Start(context.Background())
	waitDone(t, p)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, 2*time.Millisecond, p.Delay())
}

func TestPeriodic_SecondsFromSessionState(t *testing.T) {
	assert.Equal(t, Next{kind: nextDelay, delay: 1500 * time.Millisecond}, Seconds(1.5))
	assert.Equal(t, Exit(), Seconds(0))
	assert.Equal(t, Exit(), Seconds(-3))
}

func TestPeriodic_ErrorDoesNotKillTask(t *testing.T) {
	sink := &recordingSink{}
	var calls atomic.Int32
	p := New("flaky", time.Millisecond, func(ctx context.Context) (Next, error) {
		n := calls.Add(1)
		switch {
		case n == 1:
			return Keep(), errors.New("db timeout")
		case n == 2:
			panic("bad row")
		case n >= 4:
			return Exit(), nil
		}
		return Keep(), nil
	}, WithErrorSink(sink))

	p.Start(context.Background())
	waitDone(t, p)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, 2, sink.count())
}

func TestPeriodic_NextAppliesWithError(t *testing.T) {
	sink := &recordingSink{}
	var calls atomic.Int32
	p := New("failing", time.Hour, func(ctx context.Context) (Next, error) {
		if calls.Add(1) == 1 {
			return After(2 * time.Millisecond), errors.New("modem busy")
		}
		return Exit(), errors.New("modem gone")
	}, WithErrorSink(sink))

	p.Start(context.Background())
	waitDone(t, p)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2*time.Millisecond, p.Delay())
	assert.Equal(t, 2, sink.count())
}

func TestPeriodic_StopInterruptsWait(t *testing.T) {
	var calls atomic.Int32
	p := New("slow", time.Hour, func(ctx context.Context) (Next, error) {
		calls.Add(1)
		return Keep(), nil
	})

	p.Start(context.Background())
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	p.Stop()
	p.Join()
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, p.Running())

	// Stop and Join are idempotent
	p.Stop()
	p.Join()
}

func TestPeriodic_StopCancelsActionContext(t *testing.T) {
	entered := make(chan struct{})
	p := New("blocking", time.Millisecond, func(ctx context.Context) (Next, error) {
		close(entered)
		<-ctx.Done()
		return Keep(), ctx.Err()
	})

	p.Start(context.Background())
	<-entered
	p.Stop()
	waitDone(t, p)
}

func TestPeriodic_GateBlocksIterations(t *testing.T) {
	gate := NewGate()
	gate.Clear()

	var calls atomic.Int32
	p := New("gated", time.Millisecond, func(ctx context.Context) (Next, error) {
		calls.Add(1)
		return Keep(), nil
	}, WithGate(gate))

	p.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	gate.Set()
	require.Eventually(t, func() bool { return calls.Load() > 0 }, time.Second, time.Millisecond)

	p.Stop()
	p.Join()
}

func TestPeriodic_StopWhilePaused(t *testing.T) {
	gate := NewGate()
	gate.Clear()

	p := New("paused", time.Millisecond, func(ctx context.Context) (Next, error) {
		return Keep(), nil
	}, WithGate(gate))

	p.Start(context.Background())
	p.Stop()
	waitDone(t, p)
}

func TestGate_AtMostOneIterationAfterClear(t *testing.T) {
	gate := NewGate()

	var calls atomic.Int32
	p := New("fair", time.Millisecond, func(ctx context.Context) (Next, error) {
		calls.Add(1)
		return Keep(), nil
	}, WithGate(gate))

	p.Start(context.Background())
	require.Eventually(t, func() bool { return calls.Load() > 2 }, time.Second, time.Millisecond)

	gate.Clear()
	time.Sleep(5 * time.Millisecond)
	held := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, calls.Load(), held+1)

	gate.Set()
	require.Eventually(t, func() bool { return calls.Load() > held+1 }, time.Second, time.Millisecond)

	p.Stop()
	p.Join()
}

func TestGate_Idempotent(t *testing.T) {
	g := NewGate()
	assert.True(t, g.IsSet())
	g.Set()
	assert.True(t, g.IsSet())

	g.Clear()
	g.Clear()
	assert.False(t, g.IsSet())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded)

	g.Set()
	assert.NoError(t, g.Wait(context.Background()))
}

func TestPeriodic_FatalStopsTask(t *testing.T) {
	var (
		calls   atomic.Int32
		reports atomic.Int32
	)
	diskFull := errors.New("no space left on device")
	p := New("fatal", time.Millisecond, func(ctx context.Context) (Next, error) {
		calls.Add(1)
		return Keep(), Fatal(diskFull)
	}, WithFatal(func(name string, err error) {
		assert.Equal(t, "fatal", name)
		assert.ErrorIs(t, err, diskFull)
		reports.Add(1)
	}))

	p.Start(context.Background())
	waitDone(t, p)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), reports.Load())
}
