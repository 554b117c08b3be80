package beacon

import (
	"math"
	"testing"

	"github.com/openqs/vms/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_Altitude(t *testing.T) {
	loc := db.Location{Latitude: -12.34, Longitude: 56.78, Altitude: 987}
	pkt, err := Encode(db.SimplexMessage{PacketID: 1, PacketType: "A"}, loc)
	require.NoError(t, err)
	require.True(t, pkt.IsBinary())

	lat := uint32(math.Round((180 - 12.34) / 90 * (1 << 23)))
	lon := uint32(math.Round(56.78 / 180 * (1 << 23)))
	assert.Equal(t, []byte{
		'A',
		byte(lat >> 16), byte(lat >> 8), byte(lat),
		byte(lon >> 16), byte(lon >> 8), byte(lon),
		0x03, 0xDB,
	}, pkt.Binary)
	assert.Equal(t, "41EE732528607C03DB", pkt.Hex())
}

func TestGeocodeRoundTrip(t *testing.T) {
	tolerance := 180.0 / (1 << 23)
	for _, lat := range []float64{-89.99, -45.5, -12.34, -0.001, 0, 12.34, 51.4778, 89.99} {
		assert.InDelta(t, lat, DecodeLatitude(EncodeLatitude(lat)), tolerance, "lat %v", lat)
	}
	for _, lon := range []float64{-179.99, -122.4194, -0.5, 0, 56.78, 139.6917, 179.99} {
		assert.InDelta(t, lon, DecodeLongitude(EncodeLongitude(lon)), tolerance, "lon %v", lon)
	}
	assert.Equal(t, uint32(1<<24-1), EncodeLatitude(-0.0000000001))
}

func TestEncode_PayloadTypes(t *testing.T) {
	loc := db.Location{Latitude: 10, Longitude: 20, Altitude: 12345, Speed: 40.4, Fix: true}
	cases := []struct {
		typ     string
		payload string
		data    []byte
	}{
		{typ: "B", payload: "OKAY", data: []byte("OK")},
		{typ: "G", payload: "42", data: []byte("42")},
		{typ: "P", data: []byte{0x0C}},
		{typ: "S", data: []byte{0x28}},
		{typ: "I", payload: "300", data: []byte{0x01, 0x2C}},
		{typ: "1", payload: "2.54", data: []byte{0x19}},
		{typ: "2", payload: "1.5", data: []byte{0x96}},
		{typ: "5", payload: "1", data: []byte{0x01, 0x86, 0xA0}},
		{typ: "I", payload: "1099511627775", data: []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}},
	}
	for _, c := range cases {
		pkt, err := Encode(db.SimplexMessage{PacketType: c.typ, Payload: c.payload}, loc)
		require.NoError(t, err, c.typ)
		require.Len(t, pkt.Binary, 7+len(c.data), c.typ)
		assert.Equal(t, c.typ[0], pkt.Binary[0])
		assert.Equal(t, c.data, pkt.Binary[7:], c.typ)
		assert.Equal(t, c.payload, pkt.ASCII)
	}
}

func TestEncode_ASCIITypes(t *testing.T) {
	for _, typ := range []string{"GS_GPS", "GPS_SIMPLE", "GPS_EXTENDED", "GPS_FULL", "TEST", "X"} {
		pkt, err := Encode(db.SimplexMessage{PacketType: typ, Payload: "VMS-7 OK"}, db.Location{})
		require.NoError(t, err)
		assert.False(t, pkt.IsBinary(), typ)
		assert.Equal(t, "VMS-7 OK", pkt.ASCII)
		assert.Empty(t, pkt.Hex())
	}
}

func TestEncode_Errors(t *testing.T) {
	loc := db.Location{Altitude: -20}
	_, err := Encode(db.SimplexMessage{PacketType: "A"}, loc)
	assert.ErrorIs(t, err, ErrPayload)

	_, err = Encode(db.SimplexMessage{PacketType: "B", Payload: "x"}, loc)
	assert.ErrorIs(t, err, ErrPayload)

	_, err = Encode(db.SimplexMessage{PacketType: "I", Payload: "many"}, loc)
	assert.ErrorIs(t, err, ErrPayload)

	_, err = Encode(db.SimplexMessage{PacketType: "I", Payload: "1099511627776"}, loc)
	assert.ErrorIs(t, err, ErrPayload)

	_, err = Encode(db.SimplexMessage{PacketType: "Q"}, loc)
	assert.ErrorIs(t, err, ErrPacketType)

	_, err = Encode(db.SimplexMessage{PacketType: "GPS_TINY"}, loc)
	assert.ErrorIs(t, err, ErrPacketType)
}
