package pairing

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	transientSalt = "Pair-Transient-Salt"
	transientInfo = "Pair-Transient-Info"
)

// transientContext implements the two-request transient pairing
// ceremony (spec §4.D): an ephemeral X25519 key exchange producing a
// 64-byte shared secret, of which the first 32 bytes are used as the
// ChaCha20 audio key.
type transientContext struct {
	step int

	clientPriv [32]byte
	clientPub  [32]byte

	secret []byte // 64 bytes once step 0's response has been read
}

// NewTransient starts a transient-pairing Context.
func NewTransient() (Context, error) {
	c := &transientContext{}
	if _, err := rand.Read(c.clientPriv[:]); err != nil {
		return nil, fmt.Errorf("pairing: generating transient keypair: %w", err)
	}
	curve25519.ScalarBaseMult(&c.clientPub, &c.clientPriv)
	return c, nil
}

func (c *transientContext) MakeRequest() ([]byte, error) {
	switch c.step {
	case 0:
		return append([]byte{}, c.clientPub[:]...), nil
	case 1:
		// Confirmation step: encrypt a fixed marker under the derived
		// secret so the receiver (and, symmetrically, us) can detect a
		// corrupted or wrong-party key exchange before it is trusted
		// for audio.
		aead, err := chacha20poly1305.New(c.secret[:chacha20poly1305.KeySize])
		if err != nil {
			return nil, err
		}
		nonce := make([]byte, chacha20poly1305.NonceSize)
		return aead.Seal(nil, nonce, []byte("transient-confirm"), nil), nil
	default:
		return nil, fmt.Errorf("pairing: transient pairing has only 2 steps")
	}
}

func (c *transientContext) ReadResponse(body []byte) error {
	switch c.step {
	case 0:
		if len(body) != 32 {
			return fmt.Errorf("pairing: transient step 0 response must be 32 bytes, got %d", len(body))
		}
		var serverPub [32]byte
		copy(serverPub[:], body)

		shared, err := curve25519.X25519(c.clientPriv[:], serverPub[:])
		if err != nil {
			return fmt.Errorf("pairing: transient X25519: %w", err)
		}

		kdf := hkdf.New(newSHA512, shared, []byte(transientSalt), []byte(transientInfo))
		secret := make([]byte, 64)
		if _, err := readFull(kdf, secret); err != nil {
			return fmt.Errorf("pairing: transient HKDF: %w", err)
		}
		c.secret = secret
		c.step++
		return nil

	case 1:
		aead, err := chacha20poly1305.New(c.secret[:chacha20poly1305.KeySize])
		if err != nil {
			return err
		}
		nonce := make([]byte, chacha20poly1305.NonceSize)
		nonce[len(nonce)-1] = 1
		if _, err := aead.Open(nil, nonce, body, nil); err != nil {
			return fmt.Errorf("%w: transient confirmation failed: %v", ErrRejected, err)
		}
		c.step++
		return nil

	default:
		return fmt.Errorf("pairing: transient pairing already complete")
	}
}

func (c *transientContext) Result() ([]byte, error) {
	if c.step < 2 || c.secret == nil {
		return nil, ErrIncomplete
	}
	return c.secret, nil
}
