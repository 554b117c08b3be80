package beacon

import (
	"context"
	"time"

	"github.com/openqs/vms/db"
	"github.com/openqs/vms/task"
	"github.com/openqs/vms/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// alarmEvery is the number of monitor ticks between alarm packets
	alarmEvery = 15

	// alarmArmed makes the first tick after an assertion emit
	alarmArmed = alarmEvery - 1
)

// AlarmMonitor emits the alarm packet while the alarm flag is set
type AlarmMonitor struct {
	emitter *Emitter
	store   *db.LocalStore
	count   int
}

// NewAlarmMonitor creates a monitor that sends through e
func NewAlarmMonitor(store *db.LocalStore, e *Emitter) *AlarmMonitor {
	return &AlarmMonitor{emitter: e, store: store, count: alarmArmed}
}

// Task builds the monitor task
func (m *AlarmMonitor) Task(period time.Duration, opts ...task.Option) *task.Periodic {
	return task.New("alarm", period, m.Tick, opts...)
}

// Tick advances the alarm counter and emits every alarmEvery ticks. Alarm
// packets ignore the fix requirement and the alarm gate of routine beacons.
func (m *AlarmMonitor) Tick(ctx context.Context) (task.Next, error) {
	sys, err := m.store.SystemConfig(ctx)
	if err != nil {
		return task.Keep(), err
	}
	if !sys.AlarmState {
		m.count = alarmArmed
		return task.Keep(), nil
	}

	m.count++
	if m.count < alarmEvery {
		return task.Keep(), nil
	}
	m.count = 0

	st, err := m.store.SessionState(ctx)
	if err != nil {
		return task.Keep(), err
	}
	if !st.SyncToGround || !sys.BeaconEnabled {
		log.Debug().Bool("sync_to_ground", st.SyncToGround).Bool("beacon_enabled", sys.BeaconEnabled).Msg("Alarm packet suppressed")
		return task.Keep(), nil
	}

	log.Warn().Msg("Alarm set, sending alarm packet")
	telemetry.AlarmTriggersTotal.Inc()
	return task.Keep(), m.emitter.Emit(ctx, db.PacketAlarm, sys.SpaceUse)
}
