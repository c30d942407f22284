// Package rtpaudio implements the RTP streaming path: one ALAC
// encode shared by every device session streaming the same quality,
// fanned out to each device's own encrypted socket with a per-device
// retransmit cache for exact-replay resends.
package rtpaudio

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/go-airplay/airplay2/pkg/airlog"
	"github.com/go-airplay/airplay2/pkg/alac"
	"github.com/go-airplay/airplay2/pkg/device"
	"github.com/go-airplay/airplay2/pkg/ntptime"
)

const (
	// PayloadType is the AirTunes v2 RTP payload type identifying
	// ALAC audio, per spec §4.C.
	PayloadType = 0x60

	// SamplesPerPacket is the fixed ALAC frame size AirPlay uses.
	SamplesPerPacket = 352

	// syncPayloadType marks a sync packet instead of an audio payload
	// packet: the RTP marker bit set on top of AirTunes v2's sync type.
	syncPayloadType = 0x54 | 0x80

	// syncSeqNumber is the fixed sequence number AirTunes v2 sync
	// packets carry — they ride outside the audio sequence space.
	syncSeqNumber = 7

	// syncPacketInterval is how many packetized audio frames pass
	// between sync packets, after an initial one fires immediately.
	syncPacketInterval = 126

	// DefaultOutputBufferSeconds is used when the session engine is
	// not configured with an explicit OutputBufferSeconds.
	DefaultOutputBufferSeconds = 2.0
)

// Sink receives every packet a MasterSession packetizes, in the order
// packetized, plus the periodic sync packets receivers align playback
// to. Implementations apply their own encryption key and write to
// their own socket — MasterSession holds no per-device secrets, and
// sync packets are never enciphered.
type Sink interface {
	Deliver(pkt *rtp.Packet)
	DeliverSync(pkt *rtp.Packet)
}

// MasterSession owns the single ALAC encoder and RTP sequence/
// timestamp counter space shared by every device session streaming
// the same device.Quality: one encode, many destinations.
type MasterSession struct {
	quality             device.Quality
	encoder             alac.Encoder
	log                 airlog.Logger
	outputBufferSeconds float64
	frameBytes          int

	ssrc           uint32
	sequenceNumber uint32
	timestamp      uint32

	inputMu sync.Mutex
	input   []byte

	mu    sync.RWMutex
	sinks map[device.ID]Sink

	packetsEncoded uint64
}

func randomUint32() uint32 {
	var b [4]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

func randomUint16() uint16 {
	var b [2]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint16(b[:])
}

// NewMasterSession builds a MasterSession wrapping an encoder already
// constructed for quality (the session engine builds it via
// alac.EncoderFactory before calling this, so a Capability failure
// surfaces there instead). outputBufferSeconds sets how far a sync
// packet's reported timestamp trails the real stream; <= 0 falls back
// to DefaultOutputBufferSeconds.
func NewMasterSession(quality device.Quality, encoder alac.Encoder, outputBufferSeconds float64, log airlog.Logger) *MasterSession {
	if log == nil {
		log = airlog.NoOp{}
	}
	if outputBufferSeconds <= 0 {
		outputBufferSeconds = DefaultOutputBufferSeconds
	}
	bytesPerSample := quality.BitsPerSample / 8
	return &MasterSession{
		quality:             quality,
		encoder:             encoder,
		log:                 log,
		outputBufferSeconds: outputBufferSeconds,
		frameBytes:          SamplesPerPacket * quality.Channels * bytesPerSample,
		ssrc:                randomUint32(),
		sequenceNumber:      uint32(randomUint16()),
		timestamp:           randomUint32(),
		sinks:               make(map[device.ID]Sink),
	}
}

// SSRC returns the synchronization source every packetized frame
// carries.
func (m *MasterSession) SSRC() uint32 { return m.ssrc }

// Quality reports the device.Quality this session encodes for.
func (m *MasterSession) Quality() device.Quality { return m.quality }

// Subscribe adds id's sink to the fan-out set; a device session
// subscribes once its RECORD step completes.
func (m *MasterSession) Subscribe(id device.ID, sink Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks[id] = sink
}

// Unsubscribe removes id, e.g. on STOP or TEARDOWN.
func (m *MasterSession) Unsubscribe(id device.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sinks, id)
}

// SubscriberCount reports how many device sessions this master
// session currently feeds, so the session engine knows when it is
// safe to Close and release the encoder.
func (m *MasterSession) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sinks)
}

// PushPCM accumulates interleaved PCM audio into the session's input
// buffer and packetizes every complete SamplesPerPacket-sized frame
// that becomes available, in order, delivering each to every current
// subscriber. The player is free to push PCM in whatever chunk sizes
// it has on hand; a short remainder carries over to the next call.
func (m *MasterSession) PushPCM(pcm []byte) error {
	for _, frame := range m.accumulate(pcm) {
		if err := m.encodeAndDeliver(frame); err != nil {
			return err
		}
	}
	return nil
}

// accumulate appends pcm to the input buffer and slices off every
// full frame now available, carrying any short remainder forward.
func (m *MasterSession) accumulate(pcm []byte) [][]byte {
	if m.frameBytes <= 0 {
		return nil
	}

	m.inputMu.Lock()
	defer m.inputMu.Unlock()

	m.input = append(m.input, pcm...)

	var frames [][]byte
	for len(m.input) >= m.frameBytes {
		frame := make([]byte, m.frameBytes)
		copy(frame, m.input[:m.frameBytes])
		frames = append(frames, frame)
		m.input = m.input[m.frameBytes:]
	}

	if len(m.input) == 0 {
		m.input = nil
	} else {
		remainder := make([]byte, len(m.input))
		copy(remainder, m.input)
		m.input = remainder
	}
	return frames
}

// encodeAndDeliver encodes one full frame, packetizes it with the next
// sequence number and RTP timestamp, fans it out to every subscriber,
// and — on the cadence sync packets follow — fans out a sync packet
// alongside it.
func (m *MasterSession) encodeAndDeliver(pcm []byte) error {
	frame, err := m.encoder.Encode(pcm)
	if err != nil {
		return fmt.Errorf("rtpaudio: encode: %w", err)
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    PayloadType,
			SequenceNumber: uint16(atomic.AddUint32(&m.sequenceNumber, 1)),
			Timestamp:      atomic.AddUint32(&m.timestamp, SamplesPerPacket),
			SSRC:           m.ssrc,
		},
		Payload: frame,
	}
	n := atomic.AddUint64(&m.packetsEncoded, 1)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, sink := range m.sinks {
		m.deliverSafely(id, sink, pkt)
	}

	if (n-1)%syncPacketInterval == 0 {
		sync := m.syncPacket(pkt.Timestamp)
		for id, sink := range m.sinks {
			m.deliverSyncSafely(id, sink, sync)
		}
	}
	return nil
}

// syncPacket builds the AirTunes v2 sync packet reporting currentTimestamp
// lagged by output_buffer_samples: the timestamp a receiver aligns its
// playback clock to, trailing the real stream so downstream buffering
// has headroom (spec §4.C point 4). The payload also carries the
// sender's current wall-clock time and the unlagged timestamp, so a
// receiver can reconstruct the mapping between its own clock and the
// audio timeline without re-deriving it from RTP alone.
func (m *MasterSession) syncPacket(currentTimestamp uint32) *rtp.Packet {
	lag := OutputBufferLag(m.outputBufferSeconds, m.quality.SampleRate)
	reported := currentTimestamp - lag

	payload := make([]byte, 16)
	binary.BigEndian.PutUint32(payload[0:4], reported)
	ntptime.Now(time.Now()).PutBigEndian(payload[4:12])
	binary.BigEndian.PutUint32(payload[12:16], currentTimestamp)

	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			PayloadType:    syncPayloadType,
			SequenceNumber: syncSeqNumber,
			Timestamp:      reported,
			SSRC:           m.ssrc,
		},
		Payload: payload,
	}
}

// deliverSafely isolates one subscriber's panic from the others and
// from the encode loop — a single bad Sink must not take down
// playback for every other receiver in the group.
func (m *MasterSession) deliverSafely(id device.ID, sink Sink, pkt *rtp.Packet) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("rtpaudio sink panic", "device", id, "recover", r, "stack", string(debug.Stack()))
		}
	}()
	sink.Deliver(pkt)
}

// deliverSyncSafely is deliverSafely's sync-packet counterpart.
func (m *MasterSession) deliverSyncSafely(id device.ID, sink Sink, pkt *rtp.Packet) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("rtpaudio sync sink panic", "device", id, "recover", r, "stack", string(debug.Stack()))
		}
	}()
	sink.DeliverSync(pkt)
}

// OutputBufferLag returns the sample count a sync packet's reported
// timestamp should trail the most recently packetized frame by:
// output_buffer_samples = outputBufferSeconds × sampleRate.
func OutputBufferLag(outputBufferSeconds float64, sampleRate int) uint32 {
	return uint32(outputBufferSeconds * float64(sampleRate))
}

// PacketsEncoded returns the running count of packets this session
// has packetized, for pkg/airmetrics.
func (m *MasterSession) PacketsEncoded() uint64 {
	return atomic.LoadUint64(&m.packetsEncoded)
}

// Close releases the encoder. The session engine calls this once
// SubscriberCount reaches zero.
func (m *MasterSession) Close() error {
	return m.encoder.Close()
}
