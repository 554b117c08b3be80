// Package timeset sets the system clock from GPS once per process
package timeset

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/openqs/vms/db"
	"github.com/openqs/vms/task"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	// anomalyYear is the first year treated as a GPS rollover artefact
	anomalyYear = 2040
	clampYear   = 2000
)

// ErrNoGPSTime is returned while no location row carries a GPS time
var ErrNoGPSTime = errors.New("no GPS time available")

// Setter changes the wall clock
type Setter func(t time.Time) error

// SetRealtime sets CLOCK_REALTIME. The process needs CAP_SYS_TIME.
func SetRealtime(t time.Time) error {
	ts := unix.NsecToTimespec(t.UnixNano())
	return unix.ClockSettime(unix.CLOCK_REALTIME, &ts)
}

// Clock is the one-shot clock setter
type Clock struct {
	store  *db.LocalStore
	set    Setter
	wait   time.Duration
	period time.Duration
	waited bool
	paced  bool
	done   *atomic.Bool
}

// Option configures a Clock
type Option func(*Clock)

// WithLatch shares the "clock set" flag with other Clocks of the same
// process, so an engine rebuild does not set the clock a second time
func WithLatch(done *atomic.Bool) Option {
	return func(c *Clock) {
		if done != nil {
			c.done = done
		}
	}
}

// New creates a setter that ticks every period after waiting initialWait
// on its first tick
func New(store *db.LocalStore, set Setter, period, initialWait time.Duration, opts ...Option) *Clock {
	if set == nil {
		set = SetRealtime
	}
	c := &Clock{
		store:  store,
		set:    set,
		period: period,
		wait:   initialWait,
		paced:  initialWait <= 0 || period <= 0,
		done:   new(atomic.Bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Done reports whether the clock has been set
func (c *Clock) Done() bool { return c.done.Load() }

// Task builds the periodic clock task
func (c *Clock) Task(opts ...task.Option) *task.Periodic {
	return task.New("clock", c.period, c.Tick, opts...)
}

// Tick sets the clock once a GPS time is known. Later ticks are no-ops.
func (c *Clock) Tick(ctx context.Context) (task.Next, error) {
	if c.done.Load() {
		return task.Keep(), nil
	}
	if !c.waited {
		c.waited = true
		if c.wait > 0 {
			log.Debug().Dur("wait", c.wait).Msg("Waiting for GPS time before setting clock")
			return task.After(c.wait), nil
		}
	}

	next := task.Keep()
	if !c.paced {
		// back to the regular period after the initial wait
		c.paced = true
		next = task.After(c.period)
	}

	loc, err := c.store.LatestLocation(ctx)
	if errors.Is(err, db.ErrNotFound) || (err == nil && !loc.GPSTime.Valid) {
		log.Debug().Msg("No GPS time yet")
		return next, nil
	}
	if err != nil {
		c.paced = false
		return next, err
	}

	t := Clamp(loc.GPSTime.Time.UTC())
	if err := c.set(t); err != nil {
		c.paced = false
		return next, fmt.Errorf("failed to set system clock to %s: %w", t.Format(time.RFC3339), err)
	}
	c.done.Store(true)
	log.Info().Time("time", t).Msg("System clock set from GPS")

	if err := c.store.MarkClockSet(ctx); err != nil && !errors.Is(err, db.ErrNotFound) {
		log.Warn().Err(err).Msg("Failed to record clock set")
	}
	if err := c.store.AddSystemMessage(ctx, "clock", "system clock set to "+t.Format(time.RFC3339)); err != nil {
		log.Warn().Err(err).Msg("Failed to record clock message")
	}
	return next, nil
}

// Clamp moves anomalous GPS years back to 2000
func Clamp(t time.Time) time.Time {
	if t.Year() <= anomalyYear {
		return t
	}
	return time.Date(clampYear, t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}
