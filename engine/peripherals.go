package engine

import (
	"context"
	"math/rand"
	"time"

	"github.com/openqs/vms/db"
	"github.com/openqs/vms/radio"
	"github.com/openqs/vms/task"
	"github.com/rs/zerolog/log"
)

// groundLink is the reachability probe of the ground store
type groundLink interface {
	Open(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// radioStatus records the duplex modem state and keeps test_connection
// true exactly while the modem is registered and the ground store answers
type radioStatus struct {
	store    *db.LocalStore
	duplex   radio.Duplex
	ground   groundLink
	min, max time.Duration
	rng      *rand.Rand
	last     *bool
}

func newRadioStatus(store *db.LocalStore, duplex radio.Duplex, ground *db.GroundStore, min, max time.Duration) *radioStatus {
	r := &radioStatus{
		store:  store,
		duplex: duplex,
		min:    min,
		max:    max,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if ground != nil {
		r.ground = ground
	}
	if r.max < r.min {
		r.max = r.min
	}
	return r
}

func (r *radioStatus) Task(opts ...task.Option) *task.Periodic {
	return task.New("radio.status", r.next(), r.Tick, opts...)
}

func (r *radioStatus) next() time.Duration {
	return r.min + time.Duration(r.rng.Int63n(int64(r.max-r.min)+1))
}

func (r *radioStatus) Tick(ctx context.Context) (task.Next, error) {
	next := task.After(r.next())

	st, err := r.duplex.Status(ctx)
	if err != nil {
		r.setReachable(ctx, false)
		return next, err
	}
	if _, err := r.store.InsertRadioState(ctx, st); err != nil {
		return next, err
	}

	r.setReachable(ctx, st.Registered && r.probe(ctx))
	return next, nil
}

func (r *radioStatus) probe(ctx context.Context) bool {
	if r.ground == nil {
		return false
	}
	err := r.ground.Open(ctx)
	if err == nil {
		err = r.ground.Ping(ctx)
	}
	if err != nil {
		log.Debug().Err(err).Msg("Ground store did not answer")
		r.ground.Close()
		return false
	}
	return true
}

func (r *radioStatus) setReachable(ctx context.Context, reachable bool) {
	if r.last != nil && *r.last == reachable {
		return
	}
	if err := r.store.SetTestConnection(ctx, reachable); err != nil {
		log.Warn().Err(err).Msg("Failed to record ground reachability")
		return
	}
	r.last = &reachable
	log.Info().Bool("reachable", reachable).Msg("Ground link state changed")
}

// locationUpdate copies the duplex modem's GPS fix into Location_Data
type locationUpdate struct {
	store  *db.LocalStore
	duplex radio.Duplex
}

func (l *locationUpdate) Task(period time.Duration, opts ...task.Option) *task.Periodic {
	return task.New("location", period, l.Tick, opts...)
}

func (l *locationUpdate) Tick(ctx context.Context) (task.Next, error) {
	loc, err := l.duplex.Location(ctx)
	if err != nil {
		return task.Keep(), err
	}
	if loc.Source == "" {
		loc.Source = "duplex"
	}
	_, err = l.store.InsertLocation(ctx, loc)
	return task.Keep(), err
}
