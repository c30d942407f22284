package ntptime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripBigEndian(t *testing.T) {
	s := Stamp{Seconds: 0xAABBCCDD, Fraction: 0x11223344}
	buf := make([]byte, 8)
	s.PutBigEndian(buf)

	require.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD, 0x11, 0x22, 0x33, 0x44}, buf)
	assert.Equal(t, s, StampFromBigEndian(buf))
}

func TestNowEpochOffset(t *testing.T) {
	ref := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	stamp := Now(ref)

	assert.Equal(t, uint32(ref.Unix()+EpochOffset), stamp.Seconds)
	assert.WithinDuration(t, ref, stamp.Time(), time.Millisecond)
}

func TestPureFunctionOfInputs(t *testing.T) {
	// Replaying the same wall-clock instant yields the same stamp: the
	// timing service's reply is a pure function of (request, recv, xmit).
	ref := time.Date(2030, 6, 15, 12, 30, 0, 500000000, time.UTC)
	assert.Equal(t, Now(ref), Now(ref))
}
