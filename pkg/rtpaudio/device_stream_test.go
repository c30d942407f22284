package rtpaudio

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-airplay/airplay2/pkg/pairing"
)

func newTestCipher(t *testing.T) *pairing.AudioCipher {
	t.Helper()
	secret := make([]byte, pairing.AudioKeyLen)
	for i := range secret {
		secret[i] = byte(i)
	}
	c, err := pairing.NewAudioCipher(secret)
	require.NoError(t, err)
	return c
}

func loopbackPair(t *testing.T) (*net.UDPConn, *net.UDPConn) {
	t.Helper()
	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	return server, client
}

func TestDeviceStreamDeliverWritesAndCaches(t *testing.T) {
	server, client := loopbackPair(t)
	defer server.Close()
	defer client.Close()

	cipher := newTestCipher(t)
	ds := NewDeviceStream(client, server.LocalAddr().(*net.UDPAddr), cipher, 0xAABBCCDD, 100, nil)

	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: PayloadType, SequenceNumber: 42, Timestamp: 1000, SSRC: 7},
		Payload: []byte("hello audio frame"),
	}
	ds.Deliver(pkt)

	server.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1500)
	n, err := server.Read(buf)
	require.NoError(t, err)

	cached, ok := ds.ring.Lookup(42)
	require.True(t, ok)
	assert.Equal(t, cached, buf[:n])
}

func TestDeviceStreamResendReplaysExactBytes(t *testing.T) {
	server, client := loopbackPair(t)
	defer server.Close()
	defer client.Close()

	cipher := newTestCipher(t)
	ds := NewDeviceStream(client, server.LocalAddr().(*net.UDPAddr), cipher, 1, 100, nil)

	for seq := uint16(10); seq < 13; seq++ {
		pkt := &rtp.Packet{
			Header:  rtp.Header{Version: 2, PayloadType: PayloadType, SequenceNumber: seq, Timestamp: uint32(seq) * 352, SSRC: 7},
			Payload: []byte("frame"),
		}
		ds.Deliver(pkt)
		server.SetReadDeadline(time.Now().Add(time.Second))
		buf := make([]byte, 1500)
		server.Read(buf)
	}

	require.NoError(t, ds.Resend(context.Background(), 10, 3))

	server.SetReadDeadline(time.Now().Add(time.Second))
	seen := map[uint16]bool{}
	for i := 0; i < 3; i++ {
		buf := make([]byte, 1500)
		n, err := server.Read(buf)
		require.NoError(t, err)
		var pkt rtp.Packet
		require.NoError(t, pkt.Unmarshal(buf[:n]))
		seen[pkt.SequenceNumber] = true
	}
	assert.True(t, seen[10])
	assert.True(t, seen[11])
	assert.True(t, seen[12])
}

func TestDeviceStreamDeliverSyncWritesWithoutCipherOrCache(t *testing.T) {
	server, client := loopbackPair(t)
	defer server.Close()
	defer client.Close()

	cipher := newTestCipher(t)
	ds := NewDeviceStream(client, server.LocalAddr().(*net.UDPAddr), cipher, 0xAABBCCDD, 100, nil)

	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, Marker: true, PayloadType: syncPayloadType, SequenceNumber: syncSeqNumber, Timestamp: 500, SSRC: 7},
		Payload: make([]byte, 16),
	}
	ds.DeliverSync(pkt)

	server.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1500)
	n, err := server.Read(buf)
	require.NoError(t, err)

	var got rtp.Packet
	require.NoError(t, got.Unmarshal(buf[:n]))
	assert.Equal(t, pkt.SequenceNumber, got.SequenceNumber)
	assert.Equal(t, pkt.Timestamp, got.Timestamp)
	assert.True(t, got.Marker)

	_, cached := ds.ring.Lookup(syncSeqNumber)
	assert.False(t, cached, "sync packets are never retransmit-cached")
}

func TestDeviceStreamResendErrorsWhenNothingCached(t *testing.T) {
	server, client := loopbackPair(t)
	defer server.Close()
	defer client.Close()

	cipher := newTestCipher(t)
	ds := NewDeviceStream(client, server.LocalAddr().(*net.UDPAddr), cipher, 1, 100, nil)

	err := ds.Resend(context.Background(), 500, 5)
	assert.Error(t, err)
}
