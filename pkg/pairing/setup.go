package pairing

import (
	"crypto/ed25519"
	"crypto/subtle"
	"fmt"
	"math/big"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/go-airplay/airplay2/pkg/pairing/srp"
)

const (
	setupSRPIdentity = "Pair-Setup"
	setupSecretInfo  = "Pair-Setup-Encrypt-Info"
)

// setupContext implements the three-request PIN pair-setup ceremony
// (spec §4.D): an SRP-6a exchange keyed by the PIN the user was shown
// (via a preceding PIN_START sequence, not part of this Context),
// followed by an exchange of long-term Ed25519 identities.
//
// After Result() succeeds, AccessoryIdentity returns the accessory's
// long-term public key; the caller persists it as the device's
// AuthKey for future pair-verify attempts.
type setupContext struct {
	pin      []byte
	identity Identity

	step int

	client   *srp.ClientKeyPair
	salt     []byte
	serverB  *big.Int
	sessionK []byte

	accessoryIdentity []byte
	secret            []byte
}

// NewSetup starts a PIN pair-setup Context. pin is the code the
// receiver displayed in response to a prior PIN_START sequence.
func NewSetup(pin []byte, identity Identity) (Context, error) {
	if len(identity.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("pairing: client identity key must be %d bytes, got %d", ed25519.PrivateKeySize, len(identity.PrivateKey))
	}
	return &setupContext{pin: pin, identity: identity}, nil
}

func (c *setupContext) MakeRequest() ([]byte, error) {
	switch c.step {
	case 0:
		// M1: start SRP, identifying ourselves by the well-known SRP
		// identity AirPlay uses for PIN pairing.
		return []byte(setupSRPIdentity), nil

	case 1:
		// M3: client public value and proof.
		M1 := srp.ClientProof(c.client.PublicValue(), c.serverB, c.sessionK)
		return append(append([]byte{}, c.client.PublicBytes()...), M1...), nil

	case 2:
		// M5: exchange our long-term identity, encrypted under the
		// SRP session key, authenticated with our own signature over
		// it so the accessory can verify we hold the private half.
		sig := ed25519.Sign(ed25519.PrivateKey(c.identity.PrivateKey), c.identity.PublicKey)
		plaintext := append(append([]byte{}, c.identity.PublicKey...), sig...)

		aead, err := chacha20poly1305.New(c.sessionK[:chacha20poly1305.KeySize])
		if err != nil {
			return nil, err
		}
		nonce := make([]byte, chacha20poly1305.NonceSize)
		nonce[len(nonce)-1] = 2
		return aead.Seal(nil, nonce, plaintext, nil), nil

	default:
		return nil, fmt.Errorf("pairing: setup pairing has only 3 steps")
	}
}

func (c *setupContext) ReadResponse(body []byte) error {
	switch c.step {
	case 0:
		// M2: salt || B.
		const saltLen = 16
		if len(body) <= saltLen {
			return fmt.Errorf("pairing: setup step 0 response too short (%d bytes)", len(body))
		}
		c.salt = append([]byte{}, body[:saltLen]...)
		c.serverB = new(big.Int).SetBytes(body[saltLen:])

		client, err := srp.NewClientKeyPair()
		if err != nil {
			return fmt.Errorf("pairing: generating SRP keypair: %w", err)
		}
		c.client = client

		K, err := client.ClientSessionKey(c.serverB, c.salt, []byte(setupSRPIdentity), c.pin)
		if err != nil {
			return fmt.Errorf("%w: SRP key agreement failed: %v", ErrRejected, err)
		}
		c.sessionK = K

		c.step++
		return nil

	case 1:
		// M4: server proof || encrypted accessory identity.
		const proofLen = 64
		if len(body) <= proofLen {
			return fmt.Errorf("pairing: setup step 1 response too short (%d bytes)", len(body))
		}
		M2 := body[:proofLen]
		encIdentity := body[proofLen:]

		A := c.client.PublicValue()
		M1 := srp.ClientProof(A, c.serverB, c.sessionK)
		wantM2 := srp.ServerProof(A, M1, c.sessionK)
		if subtle.ConstantTimeCompare(M2, wantM2) != 1 {
			return fmt.Errorf("%w: incorrect PIN", ErrRejected)
		}

		aead, err := chacha20poly1305.New(c.sessionK[:chacha20poly1305.KeySize])
		if err != nil {
			return err
		}
		nonce := make([]byte, chacha20poly1305.NonceSize)
		nonce[len(nonce)-1] = 1
		plaintext, err := aead.Open(nil, nonce, encIdentity, nil)
		if err != nil {
			return fmt.Errorf("%w: could not decrypt accessory identity: %v", ErrRejected, err)
		}
		if len(plaintext) < ed25519.PublicKeySize {
			return fmt.Errorf("pairing: accessory identity payload too short")
		}
		c.accessoryIdentity = append([]byte{}, plaintext[:ed25519.PublicKeySize]...)

		c.step++
		return nil

	case 2:
		// Accessory's ack of our registration; nothing further to
		// validate beyond the RTSP status already checked.
		c.step++

		kdf := hkdf.New(newSHA512, c.sessionK, nil, []byte(setupSecretInfo))
		secret := make([]byte, AudioKeyLen)
		if _, err := readFull(kdf, secret); err != nil {
			return fmt.Errorf("pairing: setup secret HKDF: %w", err)
		}
		c.secret = secret
		return nil

	default:
		return fmt.Errorf("pairing: setup pairing already complete")
	}
}

func (c *setupContext) Result() ([]byte, error) {
	if c.step < 3 || c.secret == nil {
		return nil, ErrIncomplete
	}
	return c.secret, nil
}

// AccessoryIdentity returns the accessory's long-term Ed25519 public
// key learned during the handshake, to be persisted as the device's
// AuthKey. Only valid after step 1 (M4) has been processed.
func (c *setupContext) AccessoryIdentity() []byte {
	return c.accessoryIdentity
}

// SetupAccessoryIdentity extracts the accessory identity from a
// completed or in-progress setup Context, for callers that only hold
// the Context interface.
func SetupAccessoryIdentity(ctx Context) ([]byte, bool) {
	s, ok := ctx.(*setupContext)
	if !ok || s.accessoryIdentity == nil {
		return nil, false
	}
	return s.accessoryIdentity, true
}
