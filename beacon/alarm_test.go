package beacon

import (
	"context"
	"testing"

	"github.com/openqs/vms/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlarmMonitor_Cadence(t *testing.T) {
	b := newBench(t, db.SystemConfig{BeaconEnabled: true, AlarmState: true},
		db.SimplexConfig{PacketGroupXmitRate: 3600, MaximumRepeats: 1, Initialised: true},
		db.SimplexMessage{PacketID: db.PacketAlarm, PacketType: "X", Payload: "MAYDAY"})
	b.emitter.channel = 1
	m := NewAlarmMonitor(b.local.LocalStore, b.emitter)
	ctx := context.Background()

	sent := func() int {
		n := 0
		for _, c := range b.simplex.Calls() {
			if c == "ascii MAYDAY" {
				n++
			}
		}
		return n
	}

	// First tick after the alarm is raised emits straight away
	_, err := m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent())

	for i := 0; i < 14; i++ {
		_, err := m.Tick(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, sent())

	_, err = m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sent())

	// Clearing re-arms the monitor
	require.NoError(t, b.local.SetAlarm(ctx, false))
	_, err = m.Tick(ctx)
	require.NoError(t, err)
	require.NoError(t, b.local.SetAlarm(ctx, true))
	_, err = m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sent())
}

func TestAlarmMonitor_NeedsBeaconEnabled(t *testing.T) {
	b := newBench(t, db.SystemConfig{AlarmState: true},
		db.SimplexConfig{PacketGroupXmitRate: 3600, MaximumRepeats: 1, Initialised: true},
		db.SimplexMessage{PacketID: db.PacketAlarm, PacketType: "X", Payload: "MAYDAY"})
	m := NewAlarmMonitor(b.local.LocalStore, b.emitter)

	_, err := m.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, b.simplex.Calls())
	assert.Equal(t, 0, m.count)
}

func TestAlarmMonitor_IgnoresFix(t *testing.T) {
	b := newBench(t, db.SystemConfig{BeaconEnabled: true, AlarmState: true},
		db.SimplexConfig{PacketGroupXmitRate: 3600, MaximumRepeats: 2, Initialised: true},
		db.SimplexMessage{PacketID: db.PacketAlarm, PacketType: "B", Payload: "SOS"})

	_, err := NewAlarmMonitor(b.local.LocalStore, b.emitter).Tick(context.Background())
	require.NoError(t, err)

	rows := b.archive(t)
	require.Len(t, rows, 2)
	assert.Equal(t, "B", rows[0].PacketType)
	assert.Equal(t, "42000000000000534F", rows[0].Hex)
}
