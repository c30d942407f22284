// Package timing implements the AirPlay timing service: a UDP socket
// that answers NTP-style timestamp requests so receivers can align
// playback, run process-wide for the lifetime of the engine.
package timing

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-airplay/airplay2/pkg/airlog"
	"github.com/go-airplay/airplay2/pkg/ntptime"
)

const (
	requestLen    = 32
	responseLen   = 32
	requestMarker = 0xD2
	replyMarker   = 0xD3
)

// Clock is injected so tests can supply deterministic receive/transmit
// timestamps instead of the wall clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Service owns one UDP socket bound to an ephemeral port and answers
// every well-formed timing request on it. It is a process-wide
// singleton: one Service instance is shared by every device session.
type Service struct {
	conn   *net.UDPConn
	clock  Clock
	log    airlog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active int32

	requestsServed  uint64
	requestsDropped uint64
}

// New binds the timing service's UDP socket. The socket is not
// serving until Start is called.
func New(clock Clock, log airlog.Logger) (*Service, error) {
	if clock == nil {
		clock = systemClock{}
	}
	if log == nil {
		log = airlog.NoOp{}
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("timing: binding socket: %w", err)
	}
	return &Service{conn: conn, clock: clock, log: log}, nil
}

// LocalPort returns the ephemeral port the service is bound to, for
// advertising in SETUP's timingPort field.
func (s *Service) LocalPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// Start launches the single serving goroutine. Replies are pure and
// cheap, so one goroutine handling requests serially is sufficient —
// there is no worker pool.
func (s *Service) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.active, 0, 1) {
		return fmt.Errorf("timing: service already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.serve(runCtx)
	return nil
}

// Stop cancels the serving goroutine and closes the socket.
func (s *Service) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.active, 1, 0) {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	return s.conn.Close()
}

func (s *Service) serve(ctx context.Context) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("timing service panic", "recover", r, "stack", string(debug.Stack()))
		}
	}()

	buf := make([]byte, 256)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("timing service read error", "err", err)
			continue
		}

		recv := s.clock.Now()
		reply, ok := s.buildReply(buf[:n], recv)
		if !ok {
			atomic.AddUint64(&s.requestsDropped, 1)
			s.log.Debug("timing service dropped malformed request", "len", n, "from", addr)
			continue
		}

		if _, err := s.conn.WriteToUDP(reply, addr); err != nil {
			s.log.Warn("timing service write error", "err", err, "to", addr)
			continue
		}
		atomic.AddUint64(&s.requestsServed, 1)
	}
}

// buildReply implements the wire format: 32-byte request with header
// 0x80 0xD2, originate timestamp at bytes 24-31; 32-byte reply with
// header 0x80 0xD3, echoing input byte 2, the client's timestamp
// copied to bytes 8-15, receive timestamp at 16-23, transmit
// timestamp at 24-31 (receive timestamp reused if transmit cannot be
// obtained).
func (s *Service) buildReply(req []byte, recv time.Time) ([]byte, bool) {
	if len(req) < requestLen || req[0] != 0x80 || req[1] != requestMarker {
		return nil, false
	}

	reply := make([]byte, responseLen)
	reply[0] = 0x80
	reply[1] = replyMarker
	reply[2] = req[2]

	copy(reply[8:16], req[24:32])

	recvStamp := ntptime.Now(recv)
	recvStamp.PutBigEndian(reply[16:24])

	xmit := s.clock.Now()
	xmitStamp := ntptime.Now(xmit)
	xmitStamp.PutBigEndian(reply[24:32])

	return reply, true
}

// Stats is a point-in-time snapshot for pkg/airmetrics.
type Stats struct {
	RequestsServed  uint64
	RequestsDropped uint64
}

func (s *Service) Stats() Stats {
	return Stats{
		RequestsServed:  atomic.LoadUint64(&s.requestsServed),
		RequestsDropped: atomic.LoadUint64(&s.requestsDropped),
	}
}
