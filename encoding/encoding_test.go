package encoding

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Kind    string `msgpack:"kind"`
	Code    int    `msgpack:"code"`
	Message string `msgpack:"message"`
}

func TestStream_MultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	out := NewStream(nil, &buf)
	require.NoError(t, out.Send(frame{Kind: "pause"}))
	require.NoError(t, out.Send(frame{Kind: "resume"}))
	require.NoError(t, out.Send(frame{Kind: "result", Code: 4, Message: "boom"}))

	in := NewStream(&buf, nil)
	var got []frame
	for {
		var f frame
		err := in.Recv(&f)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, f)
	}

	require.Len(t, got, 3)
	assert.Equal(t, "pause", got[0].Kind)
	assert.Equal(t, "resume", got[1].Kind)
	assert.Equal(t, 4, got[2].Code)
	assert.Equal(t, "boom", got[2].Message)
}

func TestUnmarshal_InterfaceStringsStayStrings(t *testing.T) {
	data, err := Marshal(map[string]interface{}{"name": "CALL"})
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, Unmarshal(data, &out))
	_, isString := out["name"].(string)
	assert.True(t, isString)
}

func TestCompressor(t *testing.T) {
	assert.Nil(t, NewCompressor(0))

	c := NewCompressor(2)
	require.NotNil(t, c)

	payload := bytes.Repeat([]byte("Command_Log,"), 200)
	compressed, err := c.Compress(payload)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(payload))

	// Pooled encoder and decoder are reused on the second pass
	for i := 0; i < 2; i++ {
		out, err := c.Decompress(compressed)
		require.NoError(t, err)
		assert.Equal(t, payload, out)
	}
}
