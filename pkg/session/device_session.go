package session

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/looplab/fsm"

	"github.com/go-airplay/airplay2/pkg/airlog"
	"github.com/go-airplay/airplay2/pkg/device"
	"github.com/go-airplay/airplay2/pkg/pairing"
	"github.com/go-airplay/airplay2/pkg/rtpaudio"
	"github.com/go-airplay/airplay2/pkg/rtsp"
)

// authChallenge carries the realm/nonce pair some third-party
// speakers return on a SET_PARAMETER 401, restored from
// original_source/src/airplay2_client.c — recorded for diagnostics
// only; the authenticated retry itself runs inside pkg/rtsp.
type authChallenge struct {
	realm string
	nonce string
}

// DeviceSession is the per-(device, attempt) holder: the RTSP
// connection, the current protocol state, the pair context and
// ciphers it installs, the local RTP data socket, and the
// request-in-flight bookkeeping the Sequencer relies on.
type DeviceSession struct {
	deviceID device.ID
	naddr    *net.UDPAddr
	quality  device.Quality

	conn      *rtsp.Conn
	sequencer *rtsp.Sequencer
	sessionURI string

	// password is the legacy per-device password some third-party
	// receivers still gate SET_PARAMETER on, carried from device.Device
	// at session creation so the auth-challenge retry (pkg/session/auth.go)
	// never needs a Store round trip mid-sequence.
	password string

	controlCipher *pairing.ControlCipher
	audioCipher   *pairing.AudioCipher
	audioSalt     uint32

	dataSocket *net.UDPConn
	stream     *rtpaudio.DeviceStream
	master     *rtpaudio.MasterSession

	sm    *fsm.FSM
	state State

	// callbackID is swapped to -1 the moment it is reported, so a
	// second report attempt (invariant 5) is a silent no-op.
	callbackID int64

	pendingPair     *pendingPairing
	pendingChallenge *authChallenge

	// countedActive tracks whether this session's SessionsActive gauge
	// increment was ever applied, so cleanup decrements it at most once
	// and never for an attempt that failed before reaching CONNECTED.
	countedActive bool

	log airlog.Logger
}

// pendingPairing carries everything authorize(pin) needs to resume a
// PIN pairing attempt that pin_start suspended.
type pendingPairing struct {
	resume *rtsp.StartPlaybackArg
}

func newDeviceSession(deviceID device.ID, naddr *net.UDPAddr, quality device.Quality, password string, callbackID int64, log airlog.Logger) *DeviceSession {
	if log == nil {
		log = airlog.NoOp{}
	}
	s := &DeviceSession{
		deviceID:   deviceID,
		naddr:      naddr,
		quality:    quality,
		password:   password,
		callbackID: callbackID,
		log:        airlog.With(log, "device", deviceID),
	}
	s.sm = newStateMachine(func(st State) { s.state = st })
	return s
}

// State returns the session's current internal state.
func (s *DeviceSession) State() State { return s.state }

// DeviceID returns the device this session belongs to.
func (s *DeviceSession) DeviceID() device.ID { return s.deviceID }

// fire drives the state machine, logging (never panicking) on an
// illegal transition — a programming error, not a runtime fault.
func (s *DeviceSession) fire(ctx context.Context, event string) {
	if err := s.sm.Event(ctx, event); err != nil {
		s.log.Error("session illegal state transition", "event", event, "from", s.state.String(), "err", err)
	}
}

// reportOnce delivers exactly one outputs_cb per callback id,
// enforcing invariant 5: after the first successful delivery,
// callbackID reads back -1 forever.
func (s *DeviceSession) reportOnce(cb PlayerCallback, pub Public) {
	id := atomic.SwapInt64(&s.callbackID, -1)
	if id == -1 || cb == nil {
		return
	}
	cb.OutputsCB(id, s.deviceID, pub)
}

// fireFailIfPossible transitions to FAILED if the session is
// currently in one of the states invariant 6's graph allows fail from
// — a no-op (beyond a logged warning) from any other state, such as a
// dial failure before START was even fired.
func (s *DeviceSession) fireFailIfPossible(ctx context.Context) {
	switch s.state {
	case StateInfo, StateEncrypted, StateSetup, StateRecord, StateConnected, StateStreaming:
		s.fire(ctx, evFail)
	}
}

// Resend implements control.Retransmitter by delegating to the
// session's per-device retransmit cache.
func (s *DeviceSession) Resend(ctx context.Context, seqStart, seqLen uint16) error {
	if s.stream == nil {
		return fmt.Errorf("session: device %d has no active stream", s.deviceID)
	}
	return s.stream.Resend(ctx, seqStart, seqLen)
}

// cleanup releases every resource this session holds. Safe to call
// more than once.
func (s *DeviceSession) cleanup() {
	if s.master != nil {
		s.master.Unsubscribe(s.deviceID)
		s.master = nil
	}
	if s.stream != nil {
		s.stream.Close()
		s.stream = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}
