package beacon

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/openqs/vms/db"
	"github.com/openqs/vms/db/dbtest"
	"github.com/openqs/vms/radio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSimplex struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (f *fakeSimplex) record(format string, args ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	if f.fail {
		return radio.ErrTimeout
	}
	return nil
}

func (f *fakeSimplex) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSimplex) SetChannel(_ context.Context, ch int) error {
	return f.record("channel %d", ch)
}

func (f *fakeSimplex) MessageASCII(_ context.Context, m string) error {
	return f.record("ascii %s", m)
}

func (f *fakeSimplex) MessageHex(_ context.Context, h string) error {
	return f.record("hex %s", h)
}

func (f *fakeSimplex) GPSMessage(context.Context) error {
	return f.record("gps")
}

func (f *fakeSimplex) SetBurstTransmissions(_ context.Context, n int) error {
	return f.record("burst %d", n)
}

func (f *fakeSimplex) SetCBTMin(_ context.Context, s int) error {
	return f.record("cbtmin %d", s)
}

func (f *fakeSimplex) SetCBTMax(_ context.Context, s int) error {
	return f.record("cbtmax %d", s)
}

func (f *fakeSimplex) Geofence(lat, lon float64) int { return radio.GeofenceChannel(lat, lon) }

func (f *fakeSimplex) Close() error { return nil }

type sleeps struct {
	mu sync.Mutex
	d  []time.Duration
}

func (s *sleeps) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d = append(s.d, d)
	return nil
}

type bench struct {
	local   *dbtest.Local
	simplex *fakeSimplex
	sleeps  *sleeps
	emitter *Emitter
}

func newBench(t *testing.T, sys db.SystemConfig, sc db.SimplexConfig, msgs ...db.SimplexMessage) *bench {
	local := dbtest.OpenLocal(t)
	dbtest.SeedSystemConfig(t, local.Conn, sys)
	dbtest.SeedSimplex(t, local.Conn, sc, msgs...)
	b := &bench{local: local, simplex: &fakeSimplex{}, sleeps: &sleeps{}}
	b.emitter = NewEmitter(local.LocalStore, b.simplex, "vehicle-7", WithSleep(b.sleeps.sleep))
	return b
}

func (b *bench) fix(t *testing.T, lat, lon float64) {
	_, err := b.local.InsertLocation(context.Background(), db.Location{
		Latitude: lat, Longitude: lon, Altitude: 987, Fix: true, Source: "gps",
	})
	require.NoError(t, err)
}

func (b *bench) archive(t *testing.T) []db.BeaconArchive {
	rows, err := b.local.BeaconArchiveSince(context.Background(), time.Time{})
	require.NoError(t, err)
	return rows
}

var routineA = db.SimplexMessage{PacketID: db.PacketRoutine, PacketType: "A"}

func TestPeriodAndDitherBounds(t *testing.T) {
	assert.Equal(t, 3570*time.Second, Period(db.SimplexConfig{PacketGroupXmitRate: 3600, MaximumRepeats: 3, RepeatDelay: 10}))
	assert.Equal(t, time.Second, Period(db.SimplexConfig{PacketGroupXmitRate: 10, MaximumRepeats: 5, RepeatDelay: 10}))

	assert.Equal(t, 240*time.Second, MaxDither(3600))
	assert.Equal(t, 600*time.Second, MaxDither(86400))
	assert.Equal(t, 5*time.Second, MaxDither(30))

	a := NewEmitter(nil, nil, "vehicle-7")
	b := NewEmitter(nil, nil, "vehicle-7")
	for i := 0; i < 200; i++ {
		d := a.Dither(3600)
		assert.Equal(t, d, b.Dither(3600))
		assert.GreaterOrEqual(t, d, 5*time.Second)
		assert.LessOrEqual(t, d, 240*time.Second)
	}
	assert.Equal(t, 5*time.Second, a.Dither(30))
}

func TestInit_FreshInstall(t *testing.T) {
	b := newBench(t, db.SystemConfig{}, db.SimplexConfig{PacketGroupXmitRate: 3600, Channel: 2})
	ctx := context.Background()

	sc, err := b.emitter.Init(ctx, false)
	require.NoError(t, err)
	assert.True(t, sc.Initialised)
	assert.Equal(t, []string{"burst 3", "cbtmin 280", "cbtmax 540"}, b.simplex.Calls())

	stored, err := b.local.SimplexConfig(ctx)
	require.NoError(t, err)
	assert.True(t, stored.Initialised)
	assert.Equal(t, 280, stored.CBTMin)
	assert.Equal(t, 540, stored.CBTMax)

	// Latched: a second start only sets the space-use channel
	_, err = b.emitter.Init(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"burst 3", "cbtmin 280", "cbtmax 540", "channel 2"}, b.simplex.Calls())
}

func TestTick_SendsRepeatGroup(t *testing.T) {
	b := newBench(t,
		db.SystemConfig{BeaconEnabled: true, SimplexInstalled: true},
		db.SimplexConfig{PacketGroupXmitRate: 3600, MaximumRepeats: 3, RepeatDelay: 10, Initialised: true},
		routineA)
	b.fix(t, -12.34, 56.78)

	_, err := b.emitter.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"channel 1",
		"hex 41EE732528607C03DB",
		"hex 41EE732528607C03DB",
		"hex 41EE732528607C03DB",
	}, b.simplex.Calls())

	require.Len(t, b.sleeps.d, 3)
	assert.GreaterOrEqual(t, b.sleeps.d[0], 5*time.Second)
	assert.LessOrEqual(t, b.sleeps.d[0], 240*time.Second)
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, b.sleeps.d[1:])

	rows := b.archive(t)
	require.Len(t, rows, 3)
	for _, r := range rows {
		assert.Equal(t, "A", r.PacketType)
		assert.Equal(t, "41EE732528607C03DB", r.Hex)
		assert.Equal(t, radio.ChannelEMEA, r.Channel)
		assert.True(t, r.Sent)
	}

	stored, err := b.local.SimplexConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, radio.ChannelEMEA, stored.Channel)
}

func TestTick_Gating(t *testing.T) {
	cases := []struct {
		name string
		sys  db.SystemConfig
		fix  bool
	}{
		{name: "beacon disabled", sys: db.SystemConfig{}, fix: true},
		{name: "alarm set", sys: db.SystemConfig{BeaconEnabled: true, AlarmState: true}, fix: true},
		{name: "no fix", sys: db.SystemConfig{BeaconEnabled: true}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b := newBench(t, c.sys, db.SimplexConfig{PacketGroupXmitRate: 3600, MaximumRepeats: 1, Initialised: true}, routineA)
			if c.fix {
				b.fix(t, 10, 10)
			}
			_, err := b.emitter.Tick(context.Background())
			require.NoError(t, err)
			assert.Empty(t, b.simplex.Calls())
			assert.Empty(t, b.archive(t))
		})
	}

	t.Run("sync disabled", func(t *testing.T) {
		b := newBench(t, db.SystemConfig{BeaconEnabled: true}, db.SimplexConfig{PacketGroupXmitRate: 3600, Initialised: true}, routineA)
		b.fix(t, 10, 10)
		require.NoError(t, b.local.SetSyncToGround(context.Background(), false))
		_, err := b.emitter.Tick(context.Background())
		require.NoError(t, err)
		assert.Empty(t, b.simplex.Calls())
	})

	t.Run("gps bypass", func(t *testing.T) {
		b := newBench(t, db.SystemConfig{BeaconEnabled: true, GPSBypass: true},
			db.SimplexConfig{PacketGroupXmitRate: 3600, MaximumRepeats: 1, Initialised: true},
			db.SimplexMessage{PacketID: db.PacketRoutine, PacketType: "TEST", Payload: "hello"})
		_, err := b.emitter.Tick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"channel 1", "ascii hello"}, b.simplex.Calls())
	})
}

func TestEmit_SpaceUseKeepsChannel(t *testing.T) {
	b := newBench(t, db.SystemConfig{BeaconEnabled: true, SpaceUse: true},
		db.SimplexConfig{PacketGroupXmitRate: 3600, MaximumRepeats: 1, Channel: 2, Initialised: true},
		routineA)
	ctx := context.Background()
	_, err := b.emitter.Init(ctx, true)
	require.NoError(t, err)

	b.fix(t, 40, -100)
	require.NoError(t, b.emitter.Emit(ctx, db.PacketRoutine, true))
	b.fix(t, 40, 100)
	require.NoError(t, b.emitter.Emit(ctx, db.PacketRoutine, true))

	calls := b.simplex.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "channel 2", calls[0])
	for _, r := range b.archive(t) {
		assert.Equal(t, 2, r.Channel)
	}
}

func TestEmit_ArchivesFailedSends(t *testing.T) {
	b := newBench(t, db.SystemConfig{BeaconEnabled: true},
		db.SimplexConfig{PacketGroupXmitRate: 3600, MaximumRepeats: 2, Initialised: true},
		db.SimplexMessage{PacketID: db.PacketRoutine, PacketType: "X", Payload: "ping"})
	b.emitter.channel = radio.ChannelEMEA
	b.simplex.fail = true

	err := b.emitter.Emit(context.Background(), db.PacketRoutine, false)
	assert.ErrorIs(t, err, radio.ErrTimeout)

	rows := b.archive(t)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, "ping", r.ASCII)
		assert.False(t, r.Sent)
	}
}
