package pairing

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	verifyEncryptSalt = "Pair-Verify-Encrypt-Salt"
	verifyEncryptInfo = "Pair-Verify-Encrypt-Info"
	verifyControlInfo = "Control-Write-Encryption-Key"
)

// verifyContext implements the two-request pair-verify ceremony (spec
// §4.D) against a persisted long-term accessory public key. If the
// accessory rejects the signature exchange, ReadResponse returns
// ErrRejected and the caller (the Session Engine) is responsible for
// clearing the persisted key.
type verifyContext struct {
	accessoryLongTermPub ed25519.PublicKey
	identity             Identity

	step int

	clientEphPriv [32]byte
	clientEphPub  [32]byte
	accEphPub     [32]byte

	sharedX    []byte
	sessionKey []byte
	secret     []byte
}

// NewVerify starts a pair-verify Context against a previously
// persisted accessory long-term public key, authenticating with the
// client's own long-term identity.
func NewVerify(accessoryLongTermPub []byte, identity Identity) (Context, error) {
	if len(accessoryLongTermPub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("pairing: accessory long-term key must be %d bytes, got %d", ed25519.PublicKeySize, len(accessoryLongTermPub))
	}
	if len(identity.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("pairing: client identity key must be %d bytes, got %d", ed25519.PrivateKeySize, len(identity.PrivateKey))
	}

	c := &verifyContext{
		accessoryLongTermPub: ed25519.PublicKey(append([]byte{}, accessoryLongTermPub...)),
		identity:             identity,
	}
	if _, err := rand.Read(c.clientEphPriv[:]); err != nil {
		return nil, fmt.Errorf("pairing: generating verify keypair: %w", err)
	}
	curve25519.ScalarBaseMult(&c.clientEphPub, &c.clientEphPriv)
	return c, nil
}

func (c *verifyContext) MakeRequest() ([]byte, error) {
	switch c.step {
	case 0:
		return append([]byte{}, c.clientEphPub[:]...), nil
	case 1:
		signed := append(append([]byte{}, c.clientEphPub[:]...), c.accEphPub[:]...)
		sig := ed25519.Sign(ed25519.PrivateKey(c.identity.PrivateKey), signed)

		aead, err := chacha20poly1305.New(c.sessionKey)
		if err != nil {
			return nil, err
		}
		nonce := make([]byte, chacha20poly1305.NonceSize)
		nonce[len(nonce)-1] = 1
		return aead.Seal(nil, nonce, sig, nil), nil
	default:
		return nil, fmt.Errorf("pairing: verify pairing has only 2 steps")
	}
}

func (c *verifyContext) ReadResponse(body []byte) error {
	switch c.step {
	case 0:
		if len(body) < 32 {
			return fmt.Errorf("pairing: verify step 0 response too short (%d bytes)", len(body))
		}
		copy(c.accEphPub[:], body[:32])
		encryptedSig := body[32:]

		shared, err := curve25519.X25519(c.clientEphPriv[:], c.accEphPub[:])
		if err != nil {
			return fmt.Errorf("pairing: verify X25519: %w", err)
		}
		c.sharedX = shared

		kdf := hkdf.New(newSHA512, shared, []byte(verifyEncryptSalt), []byte(verifyEncryptInfo))
		sessionKey := make([]byte, chacha20poly1305.KeySize)
		if _, err := readFull(kdf, sessionKey); err != nil {
			return fmt.Errorf("pairing: verify HKDF: %w", err)
		}
		c.sessionKey = sessionKey

		aead, err := chacha20poly1305.New(sessionKey)
		if err != nil {
			return err
		}
		nonce := make([]byte, chacha20poly1305.NonceSize)
		sig, err := aead.Open(nil, nonce, encryptedSig, nil)
		if err != nil {
			return fmt.Errorf("%w: could not decrypt accessory signature: %v", ErrRejected, err)
		}

		signed := append(append([]byte{}, c.accEphPub[:]...), c.clientEphPub[:]...)
		if !ed25519.Verify(c.accessoryLongTermPub, signed, sig) {
			return fmt.Errorf("%w: accessory signature does not verify", ErrRejected)
		}

		c.step++
		return nil

	case 1:
		// Accessory's ack; nothing further to validate, the RTSP
		// status code already confirms success or failure.
		c.step++

		kdf := hkdf.New(newSHA512, c.sharedX, nil, []byte(verifyControlInfo))
		secret := make([]byte, AudioKeyLen)
		if _, err := readFull(kdf, secret); err != nil {
			return fmt.Errorf("pairing: verify control-key HKDF: %w", err)
		}
		c.secret = secret
		return nil

	default:
		return fmt.Errorf("pairing: verify pairing already complete")
	}
}

func (c *verifyContext) Result() ([]byte, error) {
	if c.step < 2 || c.secret == nil {
		return nil, ErrIncomplete
	}
	return c.secret, nil
}
