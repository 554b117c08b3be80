package radio

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/openqs/vms/cfg"
	"github.com/openqs/vms/db"
)

// ATDuplex drives the duplex modem over an AT line
type ATDuplex struct {
	line *Line
}

// NewATDuplex wraps an open line
func NewATDuplex(line *Line) *ATDuplex { return &ATDuplex{line: line} }

// OpenDuplex opens the configured duplex modem, or the placeholder when no
// device is configured
func OpenDuplex(rc cfg.RadioConfiguration) (Duplex, error) {
	if rc.DuplexDevice == "" {
		return NoDuplex(), nil
	}
	line, err := OpenLine(rc.DuplexDevice, time.Duration(rc.CommandTimeout)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	return NewATDuplex(line), nil
}

// Status samples registration, signal and call state
func (d *ATDuplex) Status(ctx context.Context) (db.RadioState, error) {
	var st db.RadioState

	creg, err := d.line.Query(ctx, "AT+CREG?", "+CREG")
	if err != nil {
		return st, err
	}
	fields := splitFields(creg)
	if len(fields) >= 2 {
		stat, _ := strconv.Atoi(fields[1])
		st.Registered = stat == 1 || stat == 5
	}

	csq, err := d.line.Query(ctx, "AT+CSQ", "+CSQ")
	if err != nil {
		return st, err
	}
	st.SignalStrength, _ = strconv.Atoi(splitFields(csq)[0])

	if cops, err := d.line.Query(ctx, "AT+COPS?", "+COPS"); err == nil {
		if f := splitFields(cops); len(f) >= 3 {
			st.Network = strings.Trim(f[2], `"`)
		}
	}

	calls, err := d.line.Command(ctx, "AT+CLCC")
	if err != nil {
		return st, err
	}
	st.CallState = "idle"
	for _, c := range calls {
		if strings.HasPrefix(c, "+CLCC:") {
			st.CallState = "active"
			break
		}
	}
	return st, nil
}

// Location reads the modem's GPS fix:
// +GPSLOC: <fix>,<lat>,<lon>,<alt m>,<speed kn>,"YYYY-MM-DD HH:MM:SS"
func (d *ATDuplex) Location(ctx context.Context) (db.Location, error) {
	v, err := d.line.Query(ctx, "AT+GPSLOC?", "+GPSLOC")
	if err != nil {
		return db.Location{}, err
	}
	return parseGPSLoc(v)
}

func parseGPSLoc(v string) (db.Location, error) {
	f := splitFields(v)
	if len(f) < 6 {
		return db.Location{}, fmt.Errorf("malformed GPS location %q", v)
	}
	loc := db.Location{Fix: f[0] == "1", Source: "duplex"}
	nums := make([]float64, 4)
	for i := range nums {
		n, err := strconv.ParseFloat(f[i+1], 64)
		if err != nil {
			return db.Location{}, fmt.Errorf("malformed GPS location %q: %w", v, err)
		}
		nums[i] = n
	}
	loc.Latitude, loc.Longitude, loc.Altitude, loc.Speed = nums[0], nums[1], nums[2], nums[3]
	if ts, err := time.Parse("2006-01-02 15:04:05", strings.Trim(f[5], `"`)); err == nil {
		loc.GPSTime.Time = ts.UTC()
		loc.GPSTime.Valid = true
	}
	return loc, nil
}

// Call dials number
func (d *ATDuplex) Call(ctx context.Context, number string) error {
	_, err := d.line.Command(ctx, "ATD"+number+";")
	return err
}

// Hangup ends the active call
func (d *ATDuplex) Hangup(ctx context.Context) error {
	_, err := d.line.Command(ctx, "ATH")
	return err
}

// Close closes the device
func (d *ATDuplex) Close() error { return d.line.Close() }

// ATSimplex drives the beacon transmitter over an AT line
type ATSimplex struct {
	line *Line
}

// NewATSimplex wraps an open line
func NewATSimplex(line *Line) *ATSimplex { return &ATSimplex{line: line} }

// OpenSimplex opens the configured simplex transmitter, or the placeholder
// when no device is configured
func OpenSimplex(rc cfg.RadioConfiguration) (Simplex, error) {
	if rc.SimplexDevice == "" {
		return NoSimplex(), nil
	}
	line, err := OpenLine(rc.SimplexDevice, time.Duration(rc.CommandTimeout)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	return NewATSimplex(line), nil
}

func (s *ATSimplex) set(ctx context.Context, format string, args ...interface{}) error {
	_, err := s.line.Command(ctx, fmt.Sprintf(format, args...))
	return err
}

// SetChannel selects the transmit channel
func (s *ATSimplex) SetChannel(ctx context.Context, channel int) error {
	return s.set(ctx, "AT+CHAN=%d", channel)
}

// MessageASCII transmits a text message
func (s *ATSimplex) MessageASCII(ctx context.Context, msg string) error {
	return s.set(ctx, "AT+MSG=%q", msg)
}

// MessageHex transmits a binary message given as hex
func (s *ATSimplex) MessageHex(ctx context.Context, hex string) error {
	return s.set(ctx, "AT+HEX=%s", hex)
}

// GPSMessage transmits the transmitter's own GPS report
func (s *ATSimplex) GPSMessage(ctx context.Context) error {
	return s.set(ctx, "AT+GPSMSG")
}

// SetBurstTransmissions sets how many times each message is repeated
func (s *ATSimplex) SetBurstTransmissions(ctx context.Context, n int) error {
	return s.set(ctx, "AT+BURST=%d", n)
}

// SetCBTMin sets the minimum interval between burst transmissions
func (s *ATSimplex) SetCBTMin(ctx context.Context, seconds int) error {
	return s.set(ctx, "AT+CBTMIN=%d", seconds)
}

// SetCBTMax sets the maximum interval between burst transmissions
func (s *ATSimplex) SetCBTMax(ctx context.Context, seconds int) error {
	return s.set(ctx, "AT+CBTMAX=%d", seconds)
}

// Geofence returns the regional channel for a position
func (s *ATSimplex) Geofence(lat, lon float64) int { return GeofenceChannel(lat, lon) }

// Close closes the device
func (s *ATSimplex) Close() error { return s.line.Close() }

func splitFields(v string) []string {
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
