// Package pairing implements the three AirPlay 2 pairing ceremonies
// (transient, verify, setup) and the ciphers they provision: the AEAD
// envelope that wraps every subsequent RTSP body, and the ChaCha20
// stream cipher keyed for RTP audio payloads.
//
// A Context is the opaque pair state object the spec calls for:
// built at sequence start, driven one request/response at a time by
// the RTSP Sequencer, and discarded once the sequence ends.
package pairing

import "errors"

// AudioKeyLen is the constant length ChaCha20 always uses for the RTP
// audio payload cipher, even when the shared secret produced by
// pairing is 64 bytes (transient pairing).
const AudioKeyLen = 32

var (
	// ErrRejected is returned by ReadResponse when the receiver
	// rejects a persisted key during pair-verify. The caller must
	// clear the persisted key and fall back to PIN pairing.
	ErrRejected = errors.New("pairing: receiver rejected the pairing")

	// ErrPINRequired is returned when a receiver declines transient
	// pairing (HTTP 470) and expects the PIN ceremony instead.
	ErrPINRequired = errors.New("pairing: receiver requires PIN-based pair-setup")

	// ErrIncomplete is returned by Result before the handshake has
	// produced a shared secret.
	ErrIncomplete = errors.New("pairing: handshake not yet complete")
)

// Context is driven by the RTSP Sequencer: one MakeRequest/ReadResponse
// round trip per step of the owning sequence.
type Context interface {
	// MakeRequest returns the body for the next request in the
	// handshake. Called once per step, in order.
	MakeRequest() ([]byte, error)

	// ReadResponse processes the response body for the step that was
	// just sent.
	ReadResponse(body []byte) error

	// Result returns the shared secret once the handshake has
	// completed successfully. Its length is always 32 or 64
	// (AudioKeyLen, or twice that for transient pairing).
	Result() ([]byte, error)
}

// Identity is the client's long-term signing identity, established
// once and reused across pair-verify attempts. A real CLI driver
// would persist this alongside the device table; this module only
// consumes it.
type Identity struct {
	PublicKey  []byte // 32-byte Ed25519 public key
	PrivateKey []byte // 64-byte Ed25519 private key (seed||public)
}
