// Package control implements the AirPlay control service: a UDP
// socket that receives retransmit requests from receivers and
// forwards them to whichever streaming session owns that peer
// address.
package control

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-airplay/airplay2/pkg/airlog"
)

const (
	requestLen    = 8
	requestMarker = 0xD5
)

// Retransmitter is implemented by a streaming session's retransmit
// cache. It is defined here, not in pkg/rtpaudio, so this package
// never imports the session layer — SessionLocator is the only seam
// between them.
type Retransmitter interface {
	Resend(ctx context.Context, seqStart uint16, seqLen uint16) error
}

// SessionLocator resolves the UDP peer address a retransmit request
// arrived from to the Retransmitter that owns it. Implementations
// must be safe for concurrent use.
type SessionLocator interface {
	FindByAddr(addr net.Addr) (Retransmitter, bool)
}

// Service owns the process-wide control socket.
type Service struct {
	conn    *net.UDPConn
	locator SessionLocator
	log     airlog.Logger
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	active  int32

	requestsServed  uint64
	requestsDropped uint64
}

// New binds the control service's UDP socket.
func New(locator SessionLocator, log airlog.Logger) (*Service, error) {
	if locator == nil {
		return nil, fmt.Errorf("control: locator is required")
	}
	if log == nil {
		log = airlog.NoOp{}
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("control: binding socket: %w", err)
	}
	return &Service{conn: conn, locator: locator, log: log}, nil
}

// LocalPort returns the ephemeral port the service is bound to, for
// advertising in SETUP's controlPort field.
func (s *Service) LocalPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// Start launches the serving goroutine.
func (s *Service) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.active, 0, 1) {
		return fmt.Errorf("control: service already started")
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
			s.log.Error("control service panic", "recover", r, "stack", string(debug.Stack()))
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
			s.log.Warn("control service read error", "err", err)
			continue
		}

		if err := s.handleRequest(ctx, buf[:n], addr); err != nil {
			atomic.AddUint64(&s.requestsDropped, 1)
			s.log.Debug("control service dropped request", "err", err, "from", addr)
			continue
		}
		atomic.AddUint64(&s.requestsServed, 1)
	}
}

// handleRequest implements the wire format: an 8-byte request with
// header byte 0x80 0xD5 followed by big-endian seq_start, seq_len.
// The peer address — normalized so a v4-mapped-v6 address matches a
// plain v4 one — selects which session's retransmit cache answers.
func (s *Service) handleRequest(ctx context.Context, req []byte, addr *net.UDPAddr) error {
	if len(req) < requestLen || req[0] != 0x80 || req[1] != requestMarker {
		return fmt.Errorf("control: malformed request (len=%d)", len(req))
	}

	seqStart := binary.BigEndian.Uint16(req[4:6])
	seqLen := binary.BigEndian.Uint16(req[6:8])

	session, ok := s.locator.FindByAddr(normalizeAddr(addr))
	if !ok {
		return fmt.Errorf("control: unknown peer %s", addr)
	}

	return session.Resend(ctx, seqStart, seqLen)
}

// normalizeAddr unwraps a v4-mapped-v6 address to its plain v4 form
// so FindByAddr implementations can index sessions by a single
// canonical key regardless of which family the socket negotiated.
func normalizeAddr(addr *net.UDPAddr) *net.UDPAddr {
	if v4 := addr.IP.To4(); v4 != nil {
		return &net.UDPAddr{IP: v4, Port: addr.Port, Zone: addr.Zone}
	}
	return addr
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
