package rtpaudio

import (
	"context"
	"fmt"
	"net"

	"github.com/pion/rtp"

	"github.com/go-airplay/airplay2/pkg/airlog"
	"github.com/go-airplay/airplay2/pkg/pairing"
)

// DeviceStream is the per-device-session side of the RTP streaming
// path. It receives canonical packets from a MasterSession, encrypts
// each under its own pairing-derived audio key, writes the ciphertext
// to the device's data socket, and caches exactly what it sent so a
// later retransmit request can replay it byte for byte.
type DeviceStream struct {
	conn   *net.UDPConn
	dest   *net.UDPAddr
	cipher *pairing.AudioCipher
	salt   uint32
	ring   *RetransmitRing
	log    airlog.Logger
}

// NewDeviceStream builds a DeviceStream that writes to dest over conn.
// salt distinguishes this device's keystream from any other device
// sharing the same audio key (spec §4.D).
func NewDeviceStream(conn *net.UDPConn, dest *net.UDPAddr, cipher *pairing.AudioCipher, salt uint32, ringSize int, log airlog.Logger) *DeviceStream {
	if log == nil {
		log = airlog.NoOp{}
	}
	return &DeviceStream{
		conn:   conn,
		dest:   dest,
		cipher: cipher,
		salt:   salt,
		ring:   NewRetransmitRing(ringSize),
		log:    log,
	}
}

// Deliver implements Sink: it encrypts pkt's payload, marshals the
// wire packet, writes it to the device's data port, and stores the
// exact bytes sent for later retransmit.
func (d *DeviceStream) Deliver(pkt *rtp.Packet) {
	ciphertext := make([]byte, len(pkt.Payload))
	if err := d.cipher.XORKeyStream(ciphertext, pkt.Payload, uint32(pkt.SequenceNumber), d.salt); err != nil {
		d.log.Error("rtpaudio encrypt failed", "err", err, "seq", pkt.SequenceNumber)
		return
	}

	wirePkt := *pkt
	wirePkt.Payload = ciphertext
	wire, err := wirePkt.Marshal()
	if err != nil {
		d.log.Error("rtpaudio marshal failed", "err", err, "seq", pkt.SequenceNumber)
		return
	}

	if _, err := d.conn.WriteToUDP(wire, d.dest); err != nil {
		d.log.Warn("rtpaudio write failed", "err", err, "seq", pkt.SequenceNumber)
		return
	}

	d.ring.Store(pkt.SequenceNumber, wire)
}

// DeliverSync implements Sink: sync packets carry no audio payload
// cipher (spec §4.C point 4 describes them as timing metadata, not
// content) and are never retransmitted, so they bypass both the audio
// cipher and the retransmit ring and are simply written to the wire.
func (d *DeviceStream) DeliverSync(pkt *rtp.Packet) {
	wire, err := pkt.Marshal()
	if err != nil {
		d.log.Error("rtpaudio sync marshal failed", "err", err)
		return
	}
	if _, err := d.conn.WriteToUDP(wire, d.dest); err != nil {
		d.log.Warn("rtpaudio sync write failed", "err", err)
	}
}

// Resend implements control.Retransmitter: it replays exactly the
// wire bytes sent for each sequence number still cached, skipping —
// never fabricating — any that have aged out of the ring.
func (d *DeviceStream) Resend(ctx context.Context, seqStart uint16, seqLen uint16) error {
	packets := d.ring.Range(seqStart, seqLen)
	if len(packets) == 0 {
		return fmt.Errorf("rtpaudio: no cached packets for retransmit range [%d, %d)", seqStart, seqStart+seqLen)
	}
	for _, wire := range packets {
		if _, err := d.conn.WriteToUDP(wire, d.dest); err != nil {
			return fmt.Errorf("rtpaudio: retransmit write: %w", err)
		}
	}
	return nil
}

// Close releases the device's data socket.
func (d *DeviceStream) Close() error {
	return d.conn.Close()
}
