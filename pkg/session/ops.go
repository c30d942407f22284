package session

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/go-airplay/airplay2/pkg/airlog"
	"github.com/go-airplay/airplay2/pkg/device"
	"github.com/go-airplay/airplay2/pkg/pairing"
	"github.com/go-airplay/airplay2/pkg/rtpaudio"
	"github.com/go-airplay/airplay2/pkg/rtsp"
	"github.com/go-airplay/airplay2/pkg/rtsp/plist"
)

// DeviceStart drives a device through START → pairing → START_PLAYBACK.
// On a v6 address whose failure was not a hard auth failure, it
// retries once on v4 and marks the device v6_disabled permanently —
// the retry policy from spec §4.F.
func (e *Engine) DeviceStart(ctx context.Context, dev *device.Device, callbackID int64) error {
	e.mu.Lock()
	_, exists := e.sessions[dev.ID]
	e.mu.Unlock()
	if exists {
		return fmt.Errorf("session: device %d already has an active session", dev.ID)
	}

	useV6 := dev.V6Addr != nil && !dev.V6Disabled && !e.isV6Disabled(dev.ID)
	addr := dev.V4Addr
	if useV6 {
		addr = dev.V6Addr
	}
	if addr == nil {
		return protocolFailure(fmt.Errorf("session: device %d has no usable address", dev.ID))
	}

	sess, pinRequired, err := e.runAttempt(ctx, dev, addr, callbackID)
	if err != nil {
		var f *Failure
		isHardAuth := errors.As(err, &f) && f.Category == CategoryAuth
		if useV6 && !isHardAuth {
			e.setV6DisabledPermanently(dev.ID)
			sess, pinRequired, err = e.runAttempt(ctx, dev, dev.V4Addr, callbackID)
		}
	}

	if err != nil {
		if sess != nil {
			sess.fireFailIfPossible(ctx)
			sess.reportOnce(e.cb, PublicFailed)
		}
		return err
	}

	if pinRequired {
		sess.reportOnce(e.cb, PublicPassword)
		return nil
	}

	sess.reportOnce(e.cb, PublicConnected)
	sess.countedActive = true
	if e.metrics != nil {
		e.metrics.SessionStarts.WithLabelValues("ok").Inc()
		e.metrics.SessionsActive.Inc()
	}
	return nil
}

// runAttempt builds one DeviceSession for a single address-family
// attempt, registering it for the duration of the attempt and
// unwinding registration (without reporting a callback — that is the
// caller's job once every retry is exhausted) if it fails.
func (e *Engine) runAttempt(ctx context.Context, dev *device.Device, addr *net.UDPAddr, callbackID int64) (*DeviceSession, bool, error) {
	sess := newDeviceSession(dev.ID, addr, dev.Quality, dev.Password, callbackID, e.log)

	e.mu.Lock()
	e.sessions[dev.ID] = sess
	e.mu.Unlock()
	if e.cb != nil {
		e.cb.OutputsDeviceSessionAdd(dev.ID)
	}

	pinRequired, err := e.driveStart(ctx, dev, sess)
	if err != nil {
		e.mu.Lock()
		delete(e.sessions, dev.ID)
		e.mu.Unlock()
		sess.cleanup()
		if e.cb != nil {
			e.cb.OutputsDeviceSessionRemove(dev.ID)
		}
		if e.metrics != nil {
			e.metrics.SessionStarts.WithLabelValues(metricsResult(err)).Inc()
		}
		return sess, false, err
	}
	return sess, pinRequired, nil
}

func metricsResult(err error) string {
	if errors.Is(err, ErrAuth) {
		return "auth"
	}
	return "failed"
}

// driveStart runs GET /info, picks a pairing ceremony, and drives it
// (which internally chains into START_PLAYBACK on success, per
// pkg/rtsp's table). pinRequired reports that the chain stopped at
// PIN_START and authorize(pin) is now expected.
func (e *Engine) driveStart(ctx context.Context, dev *device.Device, sess *DeviceSession) (bool, error) {
	conn, err := rtsp.Dial(ctx, hostPort(sess.naddr), airlog.With(e.log, "device", dev.ID))
	if err != nil {
		return false, transportFailure(err)
	}
	sess.conn = conn

	sessionID, err := randomSessionID()
	if err != nil {
		return false, transportFailure(err)
	}
	sess.sessionURI = baseURIFor(conn, sessionID)
	sess.sequencer = rtsp.NewSequencer(e.log)
	sess.fire(ctx, evStart)

	infoCtx, err := sess.sequencer.Start(ctx, rtsp.KindStart, conn, sess.sessionURI, nil)
	if err != nil {
		return false, protocolFailure(err)
	}
	caps := decodeCapabilities(infoCtx)
	if !caps.SupportsAirPlayAudio {
		return false, capabilityFailure(fmt.Errorf("session: device does not advertise AirPlay audio support"))
	}

	pairCtx, pairKind, err := e.choosePairing(dev)
	if err != nil {
		return false, err
	}

	startArg := e.buildStartArg(dev, sess)
	pairArg := rtsp.PairArg{
		Pair:   pairCtx,
		Resume: startArg,
		OnSecret: func(secret []byte) error {
			return e.installCiphers(ctx, sess, secret)
		},
	}

	resultCtx, err := sess.sequencer.Start(ctx, pairKind, conn, sess.sessionURI, pairArg)
	if err != nil {
		if errors.Is(err, pairing.ErrRejected) {
			if dev.AuthKey != nil && e.store != nil {
				e.store.ClearAuthKey(dev.ID)
				e.store.SetRequiresAuth(dev.ID, true)
			}
			sess.fire(ctx, evAuthRequired)
			return false, authFailure(err)
		}
		return false, protocolFailure(err)
	}

	if resultCtx.Kind == rtsp.KindPinStart {
		sess.pendingPair = &pendingPairing{resume: startArg}
		sess.fire(ctx, evAuthRequired)
		return true, nil
	}

	sess.fire(ctx, evSetupOK)
	sess.fire(ctx, evRecordOK)

	if err := e.attachStream(dev, sess, resultCtx); err != nil {
		return false, err
	}
	return false, nil
}

// Authorize resumes a pairing that pin_start suspended: it runs the
// three-step PAIR_SETUP ceremony with the user-supplied PIN, persists
// the accessory's long-term identity as the device's auth key on
// success, and resumes the START_PLAYBACK sequence PIN_START put on
// hold.
func (e *Engine) Authorize(ctx context.Context, dev *device.Device, sess *DeviceSession, pin string) error {
	if sess == nil || sess.pendingPair == nil {
		return protocolFailure(fmt.Errorf("session: no pending pairing for device %d", dev.ID))
	}

	setupCtx, err := pairing.NewSetup([]byte(pin), e.identity)
	if err != nil {
		return protocolFailure(err)
	}

	pairArg := rtsp.PairArg{
		Pair: setupCtx,
		OnSecret: func(secret []byte) error {
			return e.installCiphers(ctx, sess, secret)
		},
	}

	setupResult, err := sess.sequencer.Start(ctx, rtsp.KindPairSetup, sess.conn, sess.sessionURI, pairArg)
	if err != nil {
		// A rejected PIN ends this attempt outright; the caller restarts
		// via pin_start/device_start rather than retrying in place, since
		// the SRP exchange state pair-setup just consumed is spent.
		sess.reportOnce(e.cb, PublicFailed)
		e.cleanup(sess)
		return authFailure(err)
	}

	if identity, ok := setupResult.Vars["accessory_identity"].([]byte); ok && e.store != nil {
		e.store.SetAuthKey(dev.ID, identity)
		e.store.SetRequiresAuth(dev.ID, false)
	}

	resume := *sess.pendingPair.resume
	sess.pendingPair = nil

	// Wrapped the same way an auto-chained PAIR_* sequence hands off to
	// START_PLAYBACK (see stashResume in pkg/rtsp/table.go), so the
	// resumed sequence's setup-session step can recover the pairing
	// secret it seals into the SETUP request's ekey/eiv fields
	// regardless of which pairing path produced it.
	resumeArg := map[string]any{"start_playback": resume}
	if secret, ok := setupResult.Vars["secret"].([]byte); ok {
		resumeArg["secret"] = secret
	}

	finalCtx, err := sess.sequencer.Start(ctx, rtsp.KindStartPlayback, sess.conn, sess.sessionURI, resumeArg)
	if err != nil {
		sess.reportOnce(e.cb, PublicFailed)
		e.cleanup(sess)
		return protocolFailure(err)
	}

	sess.fire(ctx, evSetupOK)
	sess.fire(ctx, evRecordOK)

	if err := e.attachStream(dev, sess, finalCtx); err != nil {
		sess.reportOnce(e.cb, PublicFailed)
		e.cleanup(sess)
		return err
	}

	sess.reportOnce(e.cb, PublicConnected)
	sess.countedActive = true
	if e.metrics != nil {
		e.metrics.SessionStarts.WithLabelValues("ok").Inc()
		e.metrics.SessionsActive.Inc()
	}
	return nil
}

// DeviceProbe runs the PROBE sequence (a bare GET /info) to test
// reachability without building a lasting session.
func (e *Engine) DeviceProbe(ctx context.Context, dev *device.Device, callbackID int64) error {
	addr := dev.V4Addr
	if dev.V6Addr != nil && !dev.V6Disabled && !e.isV6Disabled(dev.ID) {
		addr = dev.V6Addr
	}
	if addr == nil {
		err := protocolFailure(fmt.Errorf("session: device %d has no usable address", dev.ID))
		if e.cb != nil {
			e.cb.OutputsCB(callbackID, dev.ID, PublicFailed)
		}
		return err
	}

	conn, err := rtsp.Dial(ctx, hostPort(addr), e.log)
	if err != nil {
		if e.cb != nil {
			e.cb.OutputsCB(callbackID, dev.ID, PublicFailed)
		}
		return transportFailure(err)
	}
	defer conn.Close()

	seq := rtsp.NewSequencer(e.log)
	_, err = seq.Start(ctx, rtsp.KindProbe, conn, fmt.Sprintf("rtsp://probe/%08x", uint32(dev.ID)), nil)

	pub := PublicConnected
	if err != nil {
		pub = PublicFailed
		err = transportFailure(err)
	}
	if e.cb != nil {
		e.cb.OutputsCB(callbackID, dev.ID, pub)
	}
	return err
}

// PinStart asks the receiver to display a pairing PIN ahead of a
// follow-up Authorize call.
func (e *Engine) PinStart(ctx context.Context, dev *device.Device) error {
	addr := dev.V4Addr
	if addr == nil {
		addr = dev.V6Addr
	}
	if addr == nil {
		return protocolFailure(fmt.Errorf("session: device %d has no usable address", dev.ID))
	}

	conn, err := rtsp.Dial(ctx, hostPort(addr), e.log)
	if err != nil {
		return transportFailure(err)
	}
	defer conn.Close()

	seq := rtsp.NewSequencer(e.log)
	_, err = seq.Start(ctx, rtsp.KindPinStart, conn, fmt.Sprintf("rtsp://pin/%08x", uint32(dev.ID)), nil)
	if err != nil {
		return protocolFailure(err)
	}
	return nil
}

// Flush moves a STREAMING session back to CONNECTED.
func (e *Engine) Flush(ctx context.Context, sess *DeviceSession) error {
	_, err := sess.sequencer.Start(ctx, rtsp.KindFlush, sess.conn, sess.sessionURI, nil)
	if err != nil {
		return transportFailure(err)
	}
	sess.fire(ctx, evFlush)
	return nil
}

// MarkStreaming transitions a CONNECTED session to STREAMING the
// first time the player pushes PCM into its master session.
func (s *DeviceSession) MarkStreaming(ctx context.Context) {
	if s.state == StateConnected {
		s.fire(ctx, evStream)
	}
}

// PushPCM feeds PCM audio into the shared MasterSession this session
// is subscribed to, marking the session STREAMING on first delivery.
// This is the player façade's entry point onto the RTP streaming path
// once DeviceStart (or Authorize) has reported PublicConnected.
func (s *DeviceSession) PushPCM(ctx context.Context, pcm []byte) error {
	if s.master == nil {
		return fmt.Errorf("session: device %d has no active stream", s.deviceID)
	}
	s.MarkStreaming(ctx)
	return s.master.PushPCM(pcm)
}

// Stop tears the session down. A second Stop on an already-STOPPED
// session is a no-op that still produces exactly one callback
// (invariant: STOP is idempotent).
func (e *Engine) Stop(ctx context.Context, sess *DeviceSession) error {
	if sess.state == StateStopped || sess.state == StateTeardown {
		sess.reportOnce(e.cb, PublicStopped)
		return nil
	}

	sess.fire(ctx, evStop)
	var err error
	if sess.conn != nil {
		_, err = sess.sequencer.Start(ctx, rtsp.KindStop, sess.conn, sess.sessionURI, nil)
	}
	sess.fire(ctx, evTeardownDone)
	sess.reportOnce(e.cb, PublicStopped)
	e.cleanup(sess)
	return err
}

// SetVolume acks a volume change; non-fatal per spec §7.
func (e *Engine) SetVolume(ctx context.Context, sess *DeviceSession, volumeDB float64) error {
	arg := buildParamArg(sess, "text/parameters", []byte(fmt.Sprintf("volume: %.6f\r\n", volumeDB)))
	_, err := sess.sequencer.Start(ctx, rtsp.KindSendVolume, sess.conn, sess.sessionURI, arg)
	return err
}

// SendText/SendProgress/SendArtwork push metadata side-channels.
// Failures here are logged and swallowed: spec §7 marks them
// non-fatal.
func (e *Engine) SendText(ctx context.Context, sess *DeviceSession, body []byte) error {
	return e.sendParameter(ctx, sess, rtsp.KindSendText, "text/plain", body)
}

func (e *Engine) SendProgress(ctx context.Context, sess *DeviceSession, body []byte) error {
	return e.sendParameter(ctx, sess, rtsp.KindSendProgress, "text/parameters", body)
}

func (e *Engine) SendArtwork(ctx context.Context, sess *DeviceSession, contentType string, body []byte) error {
	return e.sendParameter(ctx, sess, rtsp.KindSendArtwork, contentType, body)
}

func (e *Engine) sendParameter(ctx context.Context, sess *DeviceSession, kind rtsp.SeqKind, contentType string, body []byte) error {
	arg := buildParamArg(sess, contentType, body)
	if _, err := sess.sequencer.Start(ctx, kind, sess.conn, sess.sessionURI, arg); err != nil {
		e.log.Warn("metadata sequence failed", "kind", kind.String(), "device", sess.deviceID, "err", err)
	}
	return nil
}

func (e *Engine) choosePairing(dev *device.Device) (pairing.Context, rtsp.SeqKind, error) {
	if dev.AuthKey != nil && !dev.RequiresAuth {
		ctx, err := pairing.NewVerify(dev.AuthKey, e.identity)
		if err != nil {
			return nil, 0, protocolFailure(err)
		}
		return ctx, rtsp.KindPairVerify, nil
	}
	ctx, err := pairing.NewTransient()
	if err != nil {
		return nil, 0, protocolFailure(err)
	}
	return ctx, rtsp.KindPairTransient, nil
}

func (e *Engine) installCiphers(ctx context.Context, sess *DeviceSession, secret []byte) error {
	ctrl, err := pairing.NewControlCipher(secret)
	if err != nil {
		return err
	}
	audio, err := pairing.NewAudioCipher(secret)
	if err != nil {
		return err
	}
	sess.controlCipher = ctrl
	sess.audioCipher = audio
	sess.conn.SetCipher(ctrl)
	sess.fire(ctx, evPairSuccess)
	return nil
}

func (e *Engine) buildStartArg(dev *device.Device, sess *DeviceSession) *rtsp.StartPlaybackArg {
	local, _ := sess.conn.LocalAddr().(*net.TCPAddr)
	localIP := ""
	if local != nil {
		localIP = local.IP.String()
	}
	return &rtsp.StartPlaybackArg{
		SessionID:   sess.sessionURI,
		StreamType:  streamTypeRealtimeAudio,
		ClientID:    fmt.Sprintf("%016X", uint64(dev.ID)),
		LocalAddr:   localIP,
		ControlPort: e.controlSvc.LocalPort(),
		TimingPort:  e.timingSvc.LocalPort(),
		Volume:      volumeToDB(dev.Volume),
	}
}

func volumeToDB(v int) float64 {
	if v <= 0 {
		return -144.0
	}
	if v > 100 {
		v = 100
	}
	return -30.0 + (float64(v)/100.0)*30.0
}

// attachStream opens the session's RTP data socket, subscribes it to
// its quality's MasterSession, and wires a DeviceStream for
// encryption/retransmit. resultCtx is the completed START_PLAYBACK
// Ctx, consulted for the receiver's negotiated data port.
func (e *Engine) attachStream(dev *device.Device, sess *DeviceSession, resultCtx *rtsp.Ctx) error {
	master, err := e.masterFor(dev.Quality)
	if err != nil {
		return err
	}

	dataConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		e.releaseMaster(dev.Quality)
		return transportFailure(fmt.Errorf("session: opening RTP data socket: %w", err))
	}

	salt, err := randomSessionID()
	if err != nil {
		dataConn.Close()
		e.releaseMaster(dev.Quality)
		return transportFailure(err)
	}

	dest := remoteDataAddr(sess.naddr, resultCtx)
	stream := rtpaudio.NewDeviceStream(dataConn, dest, sess.audioCipher, salt, 0, airlog.With(e.log, "device", dev.ID))

	sess.dataSocket = dataConn
	sess.stream = stream
	sess.master = master
	sess.audioSalt = salt
	master.Subscribe(dev.ID, stream)
	return nil
}

func remoteDataAddr(naddr *net.UDPAddr, resultCtx *rtsp.Ctx) *net.UDPAddr {
	port := naddr.Port
	if resultCtx != nil {
		if info, ok := resultCtx.Vars["stream_info"].(plist.Dict); ok {
			if p, ok := info["dataPort"].(int64); ok && p > 0 {
				port = int(p)
			}
		}
	}
	return &net.UDPAddr{IP: naddr.IP, Port: port}
}

func decodeCapabilities(infoCtx *rtsp.Ctx) device.Capabilities {
	info, _ := infoCtx.Vars["info"].(plist.Dict)
	raw, _ := info["features"].(int64)
	return device.DecodeCapabilities(uint64(raw))
}
