// Package session implements the Session Engine: the process-wide
// handle that owns every device session, drives the RTSP Sequencer
// through each one, and fans audio out through the RTP streaming
// path.
package session

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-airplay/airplay2/pkg/airlog"
	"github.com/go-airplay/airplay2/pkg/airmetrics"
	"github.com/go-airplay/airplay2/pkg/alac"
	"github.com/go-airplay/airplay2/pkg/control"
	"github.com/go-airplay/airplay2/pkg/device"
	"github.com/go-airplay/airplay2/pkg/pairing"
	"github.com/go-airplay/airplay2/pkg/rtpaudio"
	"github.com/go-airplay/airplay2/pkg/rtsp"
	"github.com/go-airplay/airplay2/pkg/timing"
)

// rtspPort is the default TCP port AirPlay receivers listen for RTSP
// control on, used whenever a device record's address carries no
// explicit port.
const rtspPort = 7000

// streamTypeRealtimeAudio is the SETUP stream-description "type" for
// realtime ALAC audio, per AirTunes v2.
const streamTypeRealtimeAudio = 96

// keepAliveInterval matches the original's periodic progress
// keep-alive used to stop some receivers from timing the session out.
const keepAliveInterval = 25 * time.Second

// refcountedMaster pairs a MasterSession with the number of device
// sessions currently subscribed to it, so the Engine knows when it is
// safe to close the encoder.
type refcountedMaster struct {
	master *rtpaudio.MasterSession
	refs   int
}

// Engine is the process-wide Session Engine handle: it owns the
// Timing/Control services, the device-session table, and the
// master-session table.
type Engine struct {
	mu        sync.Mutex
	sessions  map[device.ID]*DeviceSession
	masters   map[device.Quality]*refcountedMaster
	v6Disabled map[device.ID]bool

	store    device.Store
	cb       PlayerCallback
	identity pairing.Identity
	encoders alac.EncoderFactory

	outputBufferSeconds float64

	timingSvc  *timing.Service
	controlSvc *control.Service
	metrics    *airmetrics.Metrics
	log        airlog.Logger

	keepAlive *time.Ticker
	stopKeepAlive chan struct{}
}

// Config bundles Engine construction parameters.
type Config struct {
	Store    device.Store
	Callback PlayerCallback
	Identity pairing.Identity
	Encoders alac.EncoderFactory
	Metrics  *airmetrics.Metrics
	Log      airlog.Logger

	// OutputBufferSeconds sets how far a sync packet's reported
	// timestamp trails the real stream, per master session. <= 0
	// falls back to rtpaudio.DefaultOutputBufferSeconds.
	OutputBufferSeconds float64
}

// NewEngine constructs an Engine and binds its Timing/Control
// services. Start must still be called to begin serving them.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Log == nil {
		cfg.Log = airlog.NoOp{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = airmetrics.NoOp()
	}

	e := &Engine{
		sessions:            make(map[device.ID]*DeviceSession),
		masters:             make(map[device.Quality]*refcountedMaster),
		v6Disabled:          make(map[device.ID]bool),
		store:               cfg.Store,
		cb:                  cfg.Callback,
		identity:            cfg.Identity,
		encoders:            cfg.Encoders,
		metrics:             cfg.Metrics,
		log:                 cfg.Log,
		outputBufferSeconds: cfg.OutputBufferSeconds,
	}

	timingSvc, err := timing.New(nil, airlog.With(cfg.Log, "component", "timing"))
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	e.timingSvc = timingSvc

	controlSvc, err := control.New(e, airlog.With(cfg.Log, "component", "control"))
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	e.controlSvc = controlSvc

	return e, nil
}

// Start launches the Timing/Control services and the keep-alive
// ticker.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.timingSvc.Start(ctx); err != nil {
		return err
	}
	if err := e.controlSvc.Start(ctx); err != nil {
		return err
	}
	e.keepAlive = time.NewTicker(keepAliveInterval)
	e.stopKeepAlive = make(chan struct{})
	go e.runKeepAlive(ctx)
	return nil
}

// Close stops every service and tears down every active session.
func (e *Engine) Close() error {
	if e.keepAlive != nil {
		e.keepAlive.Stop()
		close(e.stopKeepAlive)
	}
	e.mu.Lock()
	sessions := make([]*DeviceSession, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()
	for _, s := range sessions {
		e.Stop(context.Background(), s)
	}
	e.timingSvc.Stop()
	return e.controlSvc.Stop()
}

func (e *Engine) runKeepAlive(ctx context.Context) {
	for {
		select {
		case <-e.stopKeepAlive:
			return
		case <-ctx.Done():
			return
		case <-e.keepAlive.C:
			e.mu.Lock()
			sessions := make([]*DeviceSession, 0, len(e.sessions))
			for _, s := range e.sessions {
				if s.state == StateStreaming || s.state == StateConnected {
					sessions = append(sessions, s)
				}
			}
			e.mu.Unlock()
			for _, s := range sessions {
				if err := e.sendKeepAlive(ctx, s); err != nil {
					e.log.Warn("keep-alive failed", "device", s.deviceID, "err", err)
				} else if e.metrics != nil {
					e.metrics.KeepAlivesSent.Inc()
				}
			}
		}
	}
}

func (e *Engine) sendKeepAlive(ctx context.Context, s *DeviceSession) error {
	arg := buildParamArg(s, "text/parameters", []byte("progress: 0/0/0\r\n"))
	_, err := s.sequencer.Start(ctx, rtsp.KindSendProgress, s.conn, s.sessionURI, arg)
	return err
}

// FindByAddr implements control.SessionLocator: a control-channel
// retransmit request is routed to whichever session's chosen address
// has the peer's IP. Linear scan is deliberate — a process
// serves a handful of receivers, never thousands.
func (e *Engine) FindByAddr(addr net.Addr) (control.Retransmitter, bool) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.sessions {
		if s.naddr != nil && s.naddr.IP.Equal(udpAddr.IP) && s.stream != nil {
			return s, true
		}
	}
	return nil, false
}

// Session returns the active DeviceSession for id, if one is
// currently registered. This is the handle the player façade passes
// into Authorize, Flush, Stop, SetVolume, SendText, SendProgress,
// SendArtwork, and DeviceSession.PushPCM — DeviceStart/DeviceProbe
// themselves report only success or failure via the callback surface.
func (e *Engine) Session(id device.ID) (*DeviceSession, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[id]
	return sess, ok
}

func (e *Engine) isV6Disabled(id device.ID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.v6Disabled[id]
}

// setV6DisabledPermanently sets the in-memory flag that, per
// invariant 7, a later mDNS-sourced Device snapshot can never clear —
// the Device passed into DeviceStart is read-only input, so the
// authoritative flag lives here instead of trusting dev.V6Disabled.
func (e *Engine) setV6DisabledPermanently(id device.ID) {
	e.mu.Lock()
	e.v6Disabled[id] = true
	e.mu.Unlock()
	if e.store != nil {
		e.store.SetV6Disabled(id, true)
	}
}

func randomSessionID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func hostPort(addr *net.UDPAddr) string {
	port := addr.Port
	if port == 0 {
		port = rtspPort
	}
	return net.JoinHostPort(addr.IP.String(), fmt.Sprintf("%d", port))
}

func baseURIFor(conn *rtsp.Conn, sessionID uint32) string {
	local := conn.LocalAddr().(*net.TCPAddr)
	host := local.IP.String()
	if local.IP.To4() == nil {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("rtsp://%s/%08x", host, sessionID)
}

// masterFor returns the refcounted MasterSession for quality,
// building one (and the ALAC encoder behind it) on first use. Errors
// here are Capability failures per spec §7.
func (e *Engine) masterFor(quality device.Quality) (*rtpaudio.MasterSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rc, ok := e.masters[quality]; ok {
		rc.refs++
		return rc.master, nil
	}

	if e.encoders == nil {
		return nil, capabilityFailure(fmt.Errorf("session: no ALAC encoder factory configured"))
	}
	enc, err := e.encoders(quality, rtpaudio.SamplesPerPacket)
	if err != nil {
		return nil, capabilityFailure(fmt.Errorf("session: building ALAC encoder: %w", err))
	}
	master := rtpaudio.NewMasterSession(quality, enc, e.outputBufferSeconds, airlog.With(e.log, "quality", quality))
	e.masters[quality] = &refcountedMaster{master: master, refs: 1}
	if e.cb != nil {
		e.cb.OutputsQualitySubscribe(quality)
	}
	return master, nil
}

// releaseMaster drops one reference to quality's MasterSession,
// closing and removing it once the last subscriber is gone.
func (e *Engine) releaseMaster(quality device.Quality) {
	e.mu.Lock()
	rc, ok := e.masters[quality]
	if !ok {
		e.mu.Unlock()
		return
	}
	rc.refs--
	done := rc.refs <= 0
	if done {
		delete(e.masters, quality)
	}
	e.mu.Unlock()

	if done {
		rc.master.Close()
		if e.cb != nil {
			e.cb.OutputsQualityUnsubscribe(quality)
		}
	}
}

// cleanup removes a session from the table and releases every
// resource it held. Safe to call more than once.
func (e *Engine) cleanup(s *DeviceSession) {
	e.mu.Lock()
	_, existed := e.sessions[s.deviceID]
	delete(e.sessions, s.deviceID)
	e.mu.Unlock()

	quality := s.quality
	hadMaster := s.master != nil
	wasActive := s.countedActive
	s.cleanup()

	if existed {
		if wasActive && e.metrics != nil {
			e.metrics.SessionsActive.Dec()
		}
		if hadMaster {
			e.releaseMaster(quality)
		}
		if e.cb != nil {
			e.cb.OutputsDeviceSessionRemove(s.deviceID)
		}
	}
}
