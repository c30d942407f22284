package pairing

import (
	"crypto/ed25519"
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/go-airplay/airplay2/pkg/pairing/srp"
)

// accessorySetup emulates the receiver side of PIN pair-setup: it
// holds a verifier derived from a known PIN (as if registered during
// a prior factory pairing) and its own long-term Ed25519 identity.
type accessorySetup struct {
	pin  []byte
	salt []byte

	longTermPub  ed25519.PublicKey
	longTermPriv ed25519.PrivateKey

	verifier *big.Int
	server   *srp.ServerKeyPair
	clientA  []byte
	sessionK []byte
}

func newAccessorySetup(t *testing.T, pin []byte) *accessorySetup {
	t.Helper()
	salt := make([]byte, 16)
	_, err := rand.Read(salt)
	require.NoError(t, err)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	return &accessorySetup{pin: pin, salt: salt, longTermPub: pub, longTermPriv: priv}
}

func (a *accessorySetup) respondStep0(identityReq []byte) ([]byte, error) {
	a.verifier = srp.ComputeVerifier(a.salt, identityReq, a.pin)
	server, err := srp.NewServerKeyPair(a.verifier)
	if err != nil {
		return nil, err
	}
	a.server = server
	return append(append([]byte{}, a.salt...), server.PublicBytes()...), nil
}

func (a *accessorySetup) respondStep1(req []byte) ([]byte, error) {
	const pubLen = 128 // RFC 5054 1024-bit group, padded
	A := new(big.Int).SetBytes(req[:pubLen])
	a.clientA = req[:pubLen]

	K, err := a.server.ServerSessionKey(A, a.verifier)
	if err != nil {
		return nil, err
	}
	a.sessionK = K

	M1 := req[pubLen:]
	M2 := srp.ServerProof(A, M1, K)

	aead, err := chacha20poly1305.New(K[:chacha20poly1305.KeySize])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	nonce[len(nonce)-1] = 1
	sig := ed25519.Sign(a.longTermPriv, a.longTermPub)
	encIdentity := aead.Seal(nil, nonce, append(append([]byte{}, a.longTermPub...), sig...), nil)

	return append(append([]byte{}, M2...), encIdentity...), nil
}

func (a *accessorySetup) respondStep2(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(a.sessionK[:chacha20poly1305.KeySize])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	nonce[len(nonce)-1] = 2
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, err
	}
	clientPub := ed25519.PublicKey(plaintext[:ed25519.PublicKeySize])
	sig := plaintext[ed25519.PublicKeySize:]
	if !ed25519.Verify(clientPub, clientPub, sig) {
		return nil, assertionError("client registration signature did not verify")
	}
	return []byte("ack"), nil
}

func TestSetupRoundTrip(t *testing.T) {
	pin := []byte("3939")
	accessory := newAccessorySetup(t, pin)

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	identity := Identity{PublicKey: clientPub, PrivateKey: clientPriv}

	client, err := NewSetup(pin, identity)
	require.NoError(t, err)

	req0, err := client.MakeRequest()
	require.NoError(t, err)
	resp0, err := accessory.respondStep0(req0)
	require.NoError(t, err)
	require.NoError(t, client.ReadResponse(resp0))

	req1, err := client.MakeRequest()
	require.NoError(t, err)
	resp1, err := accessory.respondStep1(req1)
	require.NoError(t, err)
	require.NoError(t, client.ReadResponse(resp1))

	req2, err := client.MakeRequest()
	require.NoError(t, err)
	resp2, err := accessory.respondStep2(req2)
	require.NoError(t, err)
	require.NoError(t, client.ReadResponse(resp2))

	secret, err := client.Result()
	require.NoError(t, err)
	assert.Len(t, secret, AudioKeyLen)

	learned, ok := SetupAccessoryIdentity(client)
	require.True(t, ok)
	assert.Equal(t, []byte(accessory.longTermPub), learned)
}

func TestSetupRejectsWrongPIN(t *testing.T) {
	accessory := newAccessorySetup(t, []byte("1234"))

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	identity := Identity{PublicKey: clientPub, PrivateKey: clientPriv}

	client, err := NewSetup([]byte("9999"), identity)
	require.NoError(t, err)

	req0, err := client.MakeRequest()
	require.NoError(t, err)
	resp0, err := accessory.respondStep0(req0)
	require.NoError(t, err)
	require.NoError(t, client.ReadResponse(resp0))

	req1, err := client.MakeRequest()
	require.NoError(t, err)
	resp1, err := accessory.respondStep1(req1)
	require.NoError(t, err)

	err = client.ReadResponse(resp1)
	assert.ErrorIs(t, err, ErrRejected)
}
