package plist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripScalarDict(t *testing.T) {
	in := Dict{
		"deviceID":     "11:22:33:44:55:66",
		"sessionID":    int64(42),
		"isScreen":     false,
		"ekey":         []byte{0x01, 0x02, 0x03, 0x04},
		"streams":      []any{Dict{"type": int64(96), "channels": int64(2)}},
		"timingPort":   int64(0),
	}

	encoded, err := Marshal(in)
	require.NoError(t, err)
	require.True(t, len(encoded) > len(magic)+32)

	decoded, err := Unmarshal(encoded)
	require.NoError(t, err)

	out, ok := decoded.(Dict)
	require.True(t, ok)

	assert.Equal(t, "11:22:33:44:55:66", out["deviceID"])
	assert.Equal(t, int64(42), out["sessionID"])
	assert.Equal(t, false, out["isScreen"])
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, out["ekey"])

	streams, ok := out["streams"].([]any)
	require.True(t, ok)
	require.Len(t, streams, 1)
	stream, ok := streams[0].(Dict)
	require.True(t, ok)
	assert.Equal(t, int64(96), stream["type"])
}

func TestRoundTripLargeString(t *testing.T) {
	big := make([]byte, 0, 64)
	for i := 0; i < 64; i++ {
		big = append(big, byte('a'+i%26))
	}
	in := Dict{"blob": string(big)}

	encoded, err := Marshal(in)
	require.NoError(t, err)

	decoded, err := Unmarshal(encoded)
	require.NoError(t, err)
	out := decoded.(Dict)
	assert.Equal(t, string(big), out["blob"])
}

func TestRoundTripManyKeysUsesExtendedLength(t *testing.T) {
	in := Dict{}
	for i := 0; i < 20; i++ {
		in[string(rune('a'+i))] = int64(i)
	}

	encoded, err := Marshal(in)
	require.NoError(t, err)
	decoded, err := Unmarshal(encoded)
	require.NoError(t, err)
	out := decoded.(Dict)
	assert.Len(t, out, 20)
	assert.Equal(t, int64(5), out["f"])
}
