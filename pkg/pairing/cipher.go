package pairing

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	streamKeySalt = "AirPlay-Stream-Key-Salt"
	streamKeyInfo = "AirPlay-Stream-Key-Info"
)

// ControlCipher wraps every RTSP body exchanged after a pairing
// ceremony completes, per spec §4.D: each direction keeps its own
// monotonic nonce counter over a shared key, AEAD-sealed with
// ChaCha20-Poly1305.
type ControlCipher struct {
	aead       cipher.AEAD
	encryptSeq uint64
	decryptSeq uint64
}

// NewControlCipher derives a ControlCipher from a pairing Result. Only
// the first AudioKeyLen bytes of secret are used as the AEAD key,
// matching how the audio cipher is keyed from the same secret.
func NewControlCipher(secret []byte) (*ControlCipher, error) {
	if len(secret) < AudioKeyLen {
		return nil, fmt.Errorf("pairing: control cipher needs at least %d bytes of secret, got %d", AudioKeyLen, len(secret))
	}
	aead, err := chacha20poly1305.New(secret[:AudioKeyLen])
	if err != nil {
		return nil, fmt.Errorf("pairing: control cipher: %w", err)
	}
	return &ControlCipher{aead: aead}, nil
}

func nonceFromSeq(seq uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[chacha20poly1305.NonceSize-8:], seq)
	return nonce
}

// Seal encrypts an outbound RTSP body and advances the write counter.
func (c *ControlCipher) Seal(plaintext []byte) []byte {
	nonce := nonceFromSeq(c.encryptSeq)
	c.encryptSeq++
	return c.aead.Seal(nil, nonce, plaintext, nil)
}

// Open decrypts an inbound RTSP body and advances the read counter.
// A failure here (tampering, desync, or a stale key) surfaces as
// ErrRejected so the Session Engine routes the device back through
// pairing instead of retrying the same ciphertext.
func (c *ControlCipher) Open(ciphertext []byte) ([]byte, error) {
	nonce := nonceFromSeq(c.decryptSeq)
	c.decryptSeq++
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: control channel decrypt failed: %v", ErrRejected, err)
	}
	return plaintext, nil
}

// AudioCipher implements the raw ChaCha20 stream cipher (no AEAD, no
// authentication tag) AirPlay uses for RTP audio payloads: each packet
// is encrypted independently under a nonce built from its sequence
// number, so packet loss never desynchronizes the keystream.
type AudioCipher struct {
	key [chacha20.KeySize]byte
}

// NewAudioCipher derives an AudioCipher from a pairing Result.
func NewAudioCipher(secret []byte) (*AudioCipher, error) {
	if len(secret) < AudioKeyLen {
		return nil, fmt.Errorf("pairing: audio cipher needs at least %d bytes of secret, got %d", AudioKeyLen, len(secret))
	}
	var c AudioCipher
	copy(c.key[:], secret[:AudioKeyLen])
	return &c, nil
}

// SealStreamKey wraps the AudioKeyLen bytes of secret that
// NewAudioCipher keys the RTP payload cipher from, producing the
// ekey/eiv fields the SETUP request's stream description carries so
// the receiver can recover the exact key in use instead of being
// expected to re-derive it from the raw pairing secret itself. The
// wrapping key is a distinct HKDF-SHA512 derivation of secret, so
// recovering ekey's plaintext without the pairing secret is no easier
// than breaking the pairing handshake itself.
func SealStreamKey(secret []byte) (ekey, eiv []byte, err error) {
	if len(secret) < AudioKeyLen {
		return nil, nil, fmt.Errorf("pairing: stream key seal needs at least %d bytes of secret, got %d", AudioKeyLen, len(secret))
	}

	kdf := hkdf.New(sha512.New, secret, []byte(streamKeySalt), []byte(streamKeyInfo))
	wrapKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, wrapKey); err != nil {
		return nil, nil, fmt.Errorf("pairing: deriving stream key wrap key: %w", err)
	}
	aead, err := chacha20poly1305.New(wrapKey)
	if err != nil {
		return nil, nil, fmt.Errorf("pairing: stream key wrap cipher: %w", err)
	}

	eiv = make([]byte, aead.NonceSize())
	if _, err := rand.Read(eiv); err != nil {
		return nil, nil, fmt.Errorf("pairing: generating eiv: %w", err)
	}
	ekey = aead.Seal(nil, eiv, secret[:AudioKeyLen], nil)
	return ekey, eiv, nil
}

// audioNonce builds the per-packet nonce from the RTP sequence number
// and a fixed per-stream salt so that identical sequence numbers across
// distinct device streams never reuse a keystream.
func audioNonce(seq uint32, salt uint32) []byte {
	nonce := make([]byte, chacha20.NonceSize)
	binary.LittleEndian.PutUint32(nonce[0:4], salt)
	binary.LittleEndian.PutUint32(nonce[4:8], seq)
	return nonce
}

// XORKeyStream encrypts (and, symmetrically, decrypts) an RTP audio
// payload in place given its sequence number and device-stream salt.
func (c *AudioCipher) XORKeyStream(dst, src []byte, seq uint32, salt uint32) error {
	cs, err := chacha20.NewUnauthenticatedCipher(c.key[:], audioNonce(seq, salt))
	if err != nil {
		return fmt.Errorf("pairing: audio cipher: %w", err)
	}
	cs.XORKeyStream(dst, src)
	return nil
}
