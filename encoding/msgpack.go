// Package encoding provides the serialization used between the engine, its
// handler child processes and the event sinks. All msgpack and zstd work goes
// through here so every producer and consumer agrees on the wire shape.
//
// Thread Safety: every function is safe for concurrent use.
package encoding

import (
	"bytes"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding so strings
// decoded into interface{} stay strings.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}

// Stream writes and reads consecutive msgpack values over a byte stream.
// msgpack values are self-delimiting so no extra framing is needed.
type Stream struct {
	enc *msgpack.Encoder
	dec *msgpack.Decoder
}

// NewStream wraps a reader and/or writer. Either may be nil.
func NewStream(r io.Reader, w io.Writer) *Stream {
	s := &Stream{}
	if w != nil {
		s.enc = msgpack.NewEncoder(w)
	}
	if r != nil {
		s.dec = msgpack.NewDecoder(r)
		s.dec.UseLooseInterfaceDecoding(true)
	}
	return s
}

// Send encodes one value onto the stream
func (s *Stream) Send(v interface{}) error {
	return s.enc.Encode(v)
}

// Recv decodes the next value; io.EOF when the peer closed the stream
func (s *Stream) Recv(v interface{}) error {
	return s.dec.Decode(v)
}
