package timeset

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openqs/vms/db"
	"github.com/openqs/vms/db/dbtest"
	"github.com/openqs/vms/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	set []time.Time
	err error
}

func (r *recorder) Set(t time.Time) error {
	r.set = append(r.set, t)
	return r.err
}

func withGPSTime(t *testing.T, local *dbtest.Local, ts time.Time) {
	_, err := local.InsertLocation(context.Background(), db.Location{
		Latitude: 1, Longitude: 2, Fix: true, GPSTime: sql.NullTime{Time: ts, Valid: true},
	})
	require.NoError(t, err)
}

func TestClamp(t *testing.T) {
	in := time.Date(2041, 6, 1, 12, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2000, 6, 1, 12, 30, 0, 0, time.UTC), Clamp(in))

	ok := time.Date(2040, 12, 31, 23, 59, 59, 0, time.UTC)
	assert.Equal(t, ok, Clamp(ok))
}

func TestTick_WaitsThenSetsOnce(t *testing.T) {
	local := dbtest.OpenLocal(t)
	dbtest.SeedSystemConfig(t, local.Conn, db.SystemConfig{GPSInstalled: true})
	rec := &recorder{}
	c := New(local.LocalStore, rec.Set, 120*time.Second, 90*time.Second)
	ctx := context.Background()

	next, err := c.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.After(90*time.Second), next)
	assert.Empty(t, rec.set)

	// No location yet
	next, err = c.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.After(120*time.Second), next)
	assert.False(t, c.Done())

	gps := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	withGPSTime(t, local, gps)
	_, err = c.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, rec.set, 1)
	assert.True(t, rec.set[0].Equal(gps))
	assert.True(t, c.Done())

	sc, err := local.SystemConfig(ctx)
	require.NoError(t, err)
	assert.True(t, sc.ClockSet)

	withGPSTime(t, local, gps.Add(time.Hour))
	_, err = c.Tick(ctx)
	require.NoError(t, err)
	assert.Len(t, rec.set, 1)
}

func TestTick_ClampsAnomalousYear(t *testing.T) {
	local := dbtest.OpenLocal(t)
	rec := &recorder{}
	c := New(local.LocalStore, rec.Set, time.Minute, 0)

	withGPSTime(t, local, time.Date(2046, 3, 14, 9, 30, 0, 0, time.UTC))
	_, err := c.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, rec.set, 1)
	assert.Equal(t, 2000, rec.set[0].Year())
	assert.True(t, c.Done())
}

func TestTick_SetFailureRetries(t *testing.T) {
	local := dbtest.OpenLocal(t)
	rec := &recorder{err: errors.New("operation not permitted")}
	c := New(local.LocalStore, rec.Set, time.Minute, 0)
	withGPSTime(t, local, time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC))

	_, err := c.Tick(context.Background())
	assert.ErrorContains(t, err, "operation not permitted")
	assert.False(t, c.Done())

	rec.err = nil
	_, err = c.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, c.Done())
	assert.Len(t, rec.set, 2)
}

func TestTick_SharedLatch(t *testing.T) {
	local := dbtest.OpenLocal(t)
	withGPSTime(t, local, time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC))
	rec := &recorder{}
	var latch atomic.Bool

	first := New(local.LocalStore, rec.Set, time.Second, 0, WithLatch(&latch))
	_, err := first.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, latch.Load())

	second := New(local.LocalStore, rec.Set, time.Second, 0, WithLatch(&latch))
	assert.True(t, second.Done())
	_, err = second.Tick(context.Background())
	require.NoError(t, err)
	assert.Len(t, rec.set, 1)
}
