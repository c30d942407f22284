package control

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRetransmitter struct {
	mu       sync.Mutex
	requests [][2]uint16
}

func (f *fakeRetransmitter) Resend(ctx context.Context, seqStart, seqLen uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, [2]uint16{seqStart, seqLen})
	return nil
}

func (f *fakeRetransmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeLocator struct {
	session Retransmitter
}

func (f *fakeLocator) FindByAddr(addr net.Addr) (Retransmitter, bool) {
	if f.session == nil {
		return nil, false
	}
	return f.session, true
}

func TestServiceDispatchesRetransmitRequest(t *testing.T) {
	sess := &fakeRetransmitter{}
	locator := &fakeLocator{session: sess}

	svc, err := New(locator, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	client, err := net.Dial("udp", svc.conn.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	req := make([]byte, requestLen)
	req[0] = 0x80
	req[1] = requestMarker
	binary.BigEndian.PutUint16(req[4:6], 1000)
	binary.BigEndian.PutUint16(req[6:8], 5)

	_, err = client.Write(req)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sess.count() == 1
	}, time.Second, 10*time.Millisecond)

	sess.mu.Lock()
	got := sess.requests[0]
	sess.mu.Unlock()
	assert.Equal(t, uint16(1000), got[0])
	assert.Equal(t, uint16(5), got[1])
}

func TestServiceDropsUnknownPeer(t *testing.T) {
	locator := &fakeLocator{session: nil}
	svc, err := New(locator, nil)
	require.NoError(t, err)

	req := make([]byte, requestLen)
	req[0] = 0x80
	req[1] = requestMarker

	err = svc.handleRequest(context.Background(), req, &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 9000})
	assert.Error(t, err)
}

func TestServiceRejectsMalformedRequest(t *testing.T) {
	locator := &fakeLocator{session: &fakeRetransmitter{}}
	svc, err := New(locator, nil)
	require.NoError(t, err)

	err = svc.handleRequest(context.Background(), []byte{0x80, 0xFF}, &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 9000})
	assert.Error(t, err)
}
