// Package beacon builds simplex beacon packets and runs the routine emitter
// and the alarm monitor on top of the simplex modem.
package beacon

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/openqs/vms/db"
)

var (
	// ErrPacketType is returned for type tags with no encoding
	ErrPacketType = errors.New("unknown beacon packet type")

	// ErrPayload is returned when a payload cannot be encoded in its type
	ErrPayload = errors.New("beacon payload out of range")
)

const (
	geoScale     = 1 << 23
	geoMax       = 1<<24 - 1
	maxDataBytes = 5
)

// asciiTypes are handed to the modem verbatim
var asciiTypes = map[string]bool{
	"GS_GPS":       true,
	"GPS_SIMPLE":   true,
	"GPS_EXTENDED": true,
	"GPS_FULL":     true,
	"TEST":         true,
	"X":            true,
}

// Packet is one encoded beacon
type Packet struct {
	Type   string
	ASCII  string
	Binary []byte
}

// IsBinary reports whether the packet is sent through the hex path
func (p Packet) IsBinary() bool { return p.Binary != nil }

// Hex is the upper-case hex form of a binary packet
func (p Packet) Hex() string {
	return strings.ToUpper(hex.EncodeToString(p.Binary))
}

// Encode builds the packet for msg at loc
func Encode(msg db.SimplexMessage, loc db.Location) (Packet, error) {
	typ := strings.TrimSpace(msg.PacketType)
	if asciiTypes[typ] {
		return Packet{Type: typ, ASCII: msg.Payload}, nil
	}
	if len(typ) != 1 {
		return Packet{}, fmt.Errorf("%w: %q", ErrPacketType, typ)
	}

	data, err := encodeData(typ[0], msg.Payload, loc)
	if err != nil {
		return Packet{}, err
	}
	buf := make([]byte, 0, 7+len(data))
	buf = append(buf, typ[0])
	buf = appendUint24(buf, EncodeLatitude(loc.Latitude))
	buf = appendUint24(buf, EncodeLongitude(loc.Longitude))
	buf = append(buf, data...)
	return Packet{Type: typ, ASCII: msg.Payload, Binary: buf}, nil
}

func encodeData(tag byte, payload string, loc db.Location) ([]byte, error) {
	switch tag {
	case 'B', 'G':
		if len(payload) < 2 {
			return nil, fmt.Errorf("%w: type %c needs two payload bytes, got %q", ErrPayload, tag, payload)
		}
		return []byte(payload[:2]), nil
	case 'A':
		return encodeUint(loc.Altitude)
	case 'P':
		return encodeUint(loc.Altitude / 1000)
	case 'S':
		return encodeUint(loc.Speed)
	case 'I', '1', '2', '3', '4', '5':
		v, err := strconv.ParseFloat(strings.TrimSpace(payload), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: type %c payload %q is not a number", ErrPayload, tag, payload)
		}
		if tag != 'I' {
			v *= math.Pow10(int(tag - '0'))
		}
		return encodeUint(v)
	}
	return nil, fmt.Errorf("%w: %q", ErrPacketType, string(tag))
}

// encodeUint writes round(v) big-endian in as few bytes as hold it
func encodeUint(v float64) ([]byte, error) {
	r := math.Round(v)
	if r < 0 || r >= 1<<(8*maxDataBytes) || math.IsNaN(r) {
		return nil, fmt.Errorf("%w: %v", ErrPayload, v)
	}
	n := uint64(r)
	width := 1
	for width < maxDataBytes && n >= 1<<(8*width) {
		width++
	}
	out := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		out[i] = byte(n)
		n >>= 8
	}
	return out, nil
}

func appendUint24(dst []byte, v uint32) []byte {
	return append(dst, byte(v>>16), byte(v>>8), byte(v))
}

func geoCode(norm, span float64) uint32 {
	c := math.Round(norm / span * geoScale)
	if c < 0 {
		return 0
	}
	if c > geoMax {
		return geoMax
	}
	return uint32(c)
}

// EncodeLatitude maps [-90, 90] onto the 24-bit latitude code. Southern
// latitudes are folded into (90, 180).
func EncodeLatitude(lat float64) uint32 {
	if lat < 0 {
		lat += 180
	}
	return geoCode(lat, 90)
}

// EncodeLongitude maps [-180, 180] onto the 24-bit longitude code
func EncodeLongitude(lon float64) uint32 {
	if lon < 0 {
		lon += 360
	}
	return geoCode(lon, 180)
}

// DecodeLatitude inverts EncodeLatitude
func DecodeLatitude(code uint32) float64 {
	v := float64(code) / geoScale * 90
	if v > 90 {
		v -= 180
	}
	return v
}

// DecodeLongitude inverts EncodeLongitude
func DecodeLongitude(code uint32) float64 {
	v := float64(code) / geoScale * 180
	if v > 180 {
		v -= 360
	}
	return v
}
