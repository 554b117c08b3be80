// Package radio defines the modem contracts the engine drives and a small
// AT-command line driver for them.
package radio

import (
	"context"
	"errors"

	"github.com/openqs/vms/db"
)

// ErrNotInstalled is returned by the placeholder devices used when a modem
// is not configured
var ErrNotInstalled = errors.New("radio not installed")

// Duplex is the two-way satellite modem
type Duplex interface {
	Status(ctx context.Context) (db.RadioState, error)
	Location(ctx context.Context) (db.Location, error)
	Call(ctx context.Context, number string) error
	Hangup(ctx context.Context) error
	Close() error
}

// Simplex is the one-way beacon transmitter
type Simplex interface {
	SetChannel(ctx context.Context, channel int) error
	MessageASCII(ctx context.Context, msg string) error
	MessageHex(ctx context.Context, hex string) error
	GPSMessage(ctx context.Context) error
	SetBurstTransmissions(ctx context.Context, n int) error
	SetCBTMin(ctx context.Context, seconds int) error
	SetCBTMax(ctx context.Context, seconds int) error
	// Geofence returns the channel licensed for the given position
	Geofence(lat, lon float64) int
	Close() error
}

// Geofence channels
const (
	ChannelAmericas = 0
	ChannelEMEA     = 1
	ChannelAPAC     = 2
)

// GeofenceChannel maps a position to a regional channel by longitude band
func GeofenceChannel(_, lon float64) int {
	for lon > 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	switch {
	case lon < -30:
		return ChannelAmericas
	case lon < 60:
		return ChannelEMEA
	default:
		return ChannelAPAC
	}
}

type noDuplex struct{}

// NoDuplex is the duplex device of a vehicle without one
func NoDuplex() Duplex { return noDuplex{} }

func (noDuplex) Status(context.Context) (db.RadioState, error) { return db.RadioState{}, ErrNotInstalled }
func (noDuplex) Location(context.Context) (db.Location, error) { return db.Location{}, ErrNotInstalled }
func (noDuplex) Call(context.Context, string) error             { return ErrNotInstalled }
func (noDuplex) Hangup(context.Context) error                   { return ErrNotInstalled }
func (noDuplex) Close() error                                   { return nil }

type noSimplex struct{}

// NoSimplex is the simplex device of a vehicle without one
func NoSimplex() Simplex { return noSimplex{} }

func (noSimplex) SetChannel(context.Context, int) error            { return ErrNotInstalled }
func (noSimplex) MessageASCII(context.Context, string) error       { return ErrNotInstalled }
func (noSimplex) MessageHex(context.Context, string) error         { return ErrNotInstalled }
func (noSimplex) GPSMessage(context.Context) error                 { return ErrNotInstalled }
func (noSimplex) SetBurstTransmissions(context.Context, int) error { return ErrNotInstalled }
func (noSimplex) SetCBTMin(context.Context, int) error             { return ErrNotInstalled }
func (noSimplex) SetCBTMax(context.Context, int) error             { return ErrNotInstalled }
func (noSimplex) Geofence(lat, lon float64) int                    { return GeofenceChannel(lat, lon) }
func (noSimplex) Close() error                                     { return nil }
