package beacon

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/openqs/vms/db"
	"github.com/openqs/vms/radio"
	"github.com/openqs/vms/task"
	"github.com/openqs/vms/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	minDither = 5 * time.Second
	maxDither = 600 * time.Second
	minPeriod = time.Second
)

// Emitter sends the routine beacon group and, for the alarm monitor, the
// alarm packet. Sends from both never interleave on the modem.
type Emitter struct {
	store   *db.LocalStore
	simplex radio.Simplex
	sleep   func(ctx context.Context, d time.Duration) error

	rngMu sync.Mutex
	rng   *rand.Rand

	mu      sync.Mutex
	channel int
}

// Option configures an Emitter
type Option func(*Emitter)

// WithSleep replaces the context-aware sleep used for dither and repeat delay
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Emitter) { e.sleep = fn }
}

// NewEmitter creates an emitter whose dither sequence is seeded from the
// vehicle id
func NewEmitter(store *db.LocalStore, simplex radio.Simplex, vehicleID string, opts ...Option) *Emitter {
	if simplex == nil {
		simplex = radio.NoSimplex()
	}
	e := &Emitter{
		store:   store,
		simplex: simplex,
		sleep:   sleepCtx,
		rng:     rand.New(rand.NewSource(int64(xxhash.Sum64String(vehicleID)))),
		channel: -1,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Init prepares the modem. A fresh install gets its burst settings written
// once; in space use the stored channel is set here and never changed.
func (e *Emitter) Init(ctx context.Context, spaceUse bool) (db.SimplexConfig, error) {
	sc, err := e.store.SimplexConfig(ctx)
	if err != nil {
		return sc, err
	}

	if !sc.Initialised {
		log.Info().Msg("Writing fresh-install simplex settings")
		if err := e.simplex.SetBurstTransmissions(ctx, db.DefaultBurstTransmissions); err != nil {
			return sc, fmt.Errorf("failed to set burst transmissions: %w", err)
		}
		if err := e.simplex.SetCBTMin(ctx, db.DefaultCBTMin); err != nil {
			return sc, fmt.Errorf("failed to set CBTMIN: %w", err)
		}
		if err := e.simplex.SetCBTMax(ctx, db.DefaultCBTMax); err != nil {
			return sc, fmt.Errorf("failed to set CBTMAX: %w", err)
		}
		if err := e.store.MarkSimplexInitialised(ctx); err != nil {
			return sc, err
		}
		sc.Initialised = true
		sc.NumberBurstTransmissions = db.DefaultBurstTransmissions
		sc.CBTMin = db.DefaultCBTMin
		sc.CBTMax = db.DefaultCBTMax
	}

	if spaceUse {
		e.mu.Lock()
		defer e.mu.Unlock()
		if err := e.simplex.SetChannel(ctx, sc.Channel); err != nil {
			return sc, fmt.Errorf("failed to set channel %d: %w", sc.Channel, err)
		}
		e.channel = sc.Channel
	}
	return sc, nil
}

// Period is the routine task period: the transmit rate less the time the
// repeat burst takes
func Period(sc db.SimplexConfig) time.Duration {
	burst := float64(sc.MaximumRepeats) * sc.RepeatDelay
	d := time.Duration((sc.PacketGroupXmitRate - burst) * float64(time.Second))
	if d < minPeriod {
		return minPeriod
	}
	return d
}

// MaxDither is the upper dither bound for a transmit rate in seconds
func MaxDither(xmitRate float64) time.Duration {
	d := time.Duration(math.Floor(xmitRate/15)) * time.Second
	if d > maxDither {
		d = maxDither
	}
	if d < minDither {
		d = minDither
	}
	return d
}

// Dither draws a uniform delay in [5s, MaxDither(xmitRate)]
func (e *Emitter) Dither(xmitRate float64) time.Duration {
	hi := MaxDither(xmitRate)
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return minDither + time.Duration(e.rng.Int63n(int64(hi-minDither)+1))
}

// Task builds the routine beacon task
func (e *Emitter) Task(sc db.SimplexConfig, opts ...task.Option) *task.Periodic {
	return task.New("beacon", Period(sc), e.Tick, opts...)
}

// Tick sends one routine emission group when the vehicle is cleared to
// beacon
func (e *Emitter) Tick(ctx context.Context) (task.Next, error) {
	st, err := e.store.SessionState(ctx)
	if err != nil {
		return task.Keep(), err
	}
	sys, err := e.store.SystemConfig(ctx)
	if err != nil {
		return task.Keep(), err
	}
	switch {
	case !st.SyncToGround:
		return e.skip("sync_disabled")
	case !sys.BeaconEnabled:
		return e.skip("beacon_disabled")
	case sys.AlarmState:
		return e.skip("alarm")
	}

	loc, err := e.location(ctx)
	if err != nil {
		return task.Keep(), err
	}
	if !loc.Fix && !sys.GPSBypass {
		return e.skip("no_fix")
	}

	sc, err := e.store.SimplexConfig(ctx)
	if err != nil {
		return task.Keep(), err
	}
	if err := e.sleep(ctx, e.Dither(sc.PacketGroupXmitRate)); err != nil {
		return task.Keep(), err
	}
	return task.Keep(), e.Emit(ctx, db.PacketRoutine, sys.SpaceUse)
}

func (e *Emitter) skip(reason string) (task.Next, error) {
	telemetry.BeaconSkippedTotal.With(reason).Inc()
	log.Debug().Str("reason", reason).Msg("Beacon emission skipped")
	return task.Keep(), nil
}

func (e *Emitter) location(ctx context.Context) (db.Location, error) {
	loc, err := e.store.LatestLocation(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return db.Location{}, nil
	}
	return loc, err
}

// Emit sends packetID maximum_repeats times, archiving every attempt
func (e *Emitter) Emit(ctx context.Context, packetID int, spaceUse bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sc, err := e.store.SimplexConfig(ctx)
	if err != nil {
		return err
	}
	loc, err := e.location(ctx)
	if err != nil {
		return err
	}

	if !spaceUse {
		if ch := e.simplex.Geofence(loc.Latitude, loc.Longitude); ch != e.channel {
			if err := e.simplex.SetChannel(ctx, ch); err != nil {
				return fmt.Errorf("failed to set channel %d: %w", ch, err)
			}
			e.channel = ch
			if err := e.store.SetSimplexChannel(ctx, ch); err != nil {
				log.Warn().Err(err).Int("channel", ch).Msg("Failed to record simplex channel")
			}
		}
	}

	msg, err := e.store.SimplexMessage(ctx, packetID)
	if err != nil {
		return err
	}
	pkt, err := Encode(msg, loc)
	if err != nil {
		return err
	}

	repeats := sc.MaximumRepeats
	if repeats < 1 {
		repeats = 1
	}
	delay := time.Duration(sc.RepeatDelay * float64(time.Second))
	var sendErr error
	for i := 0; i < repeats; i++ {
		if i > 0 {
			if err := e.sleep(ctx, delay); err != nil {
				return err
			}
		}
		err := e.send(ctx, pkt)
		if err != nil {
			sendErr = err
			log.Warn().Err(err).Str("type", pkt.Type).Int("attempt", i+1).Msg("Beacon send failed")
		}
		if aerr := e.store.ArchiveBeacon(ctx, db.BeaconArchive{
			PacketType: pkt.Type,
			ASCII:      pkt.ASCII,
			Hex:        pkt.Hex(),
			Channel:    e.channel,
			Sent:       err == nil,
		}); aerr != nil {
			return aerr
		}
	}
	return sendErr
}

func (e *Emitter) send(ctx context.Context, pkt Packet) error {
	if pkt.IsBinary() {
		telemetry.BeaconTransmissionsTotal.With(pkt.Type, "binary").Inc()
		return e.simplex.MessageHex(ctx, pkt.Hex())
	}
	telemetry.BeaconTransmissionsTotal.With(pkt.Type, "ascii").Inc()
	return e.simplex.MessageASCII(ctx, pkt.ASCII)
}
