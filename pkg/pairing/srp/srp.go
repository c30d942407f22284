// Package srp implements the client (and, for tests, server) side of
// SRP-6a as used by AirPlay 2's PIN-based /pair-setup ceremony. The
// group parameters are the 1024-bit (N, g) test group published in
// RFC 5054 Appendix A.
//
// This module only ever plays the client role against a real
// receiver; the server-side helpers exist so tests can emulate a
// receiver without needing one.
package srp

import (
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"math/big"
)

// N and G are the RFC 5054 Appendix A 1024-bit group parameters.
var (
	N = mustHex(
		"EEAF0AB9ADB38DD69C33F80AFA8FC5E86072618775FF3C0B9EA2314C" +
			"9C256576D674DF7496EA81D3383B4813D692C6E0E0D5D8E250B98BE4" +
			"8E495C1D6089DAD15DC7D7B46154D6B6CE8EF4AD69B15D4982559B29" +
			"7BCF1885C529F566660E57EC68EDBC3C05726CC02FD4CBF4976EAA9A" +
			"FD5138FE8376435B9FC61D2FC0EB06E3",
	)
	G = big.NewInt(2)
)

func mustHex(s string) *big.Int {
	n := new(big.Int)
	// Every byte of s is a valid hex digit, so it is parsed as is.
	n.SetString(s, 16)
	return n
}

// H hashes its inputs (concatenated) with SHA-512 and returns the
// digest as a big.Int.
func H(parts ...[]byte) *big.Int {
	h := sha512.New()
	for _, p := range parts {
		h.Write(p)
	}
	return new(big.Int).SetBytes(h.Sum(nil))
}

// pad left-pads b with zeroes to match the byte length of N.
func pad(b []byte) []byte {
	size := (N.BitLen() + 7) / 8
	if len(b) >= size {
		return b
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}

// k is the SRP-6a multiplier, k = H(N, pad(g)).
func k() *big.Int {
	return new(big.Int).Mod(H(pad(N.Bytes()), pad(G.Bytes())), N)
}

// ComputeX derives the private SRP key x = H(salt, H(identity || ":" || password)).
func ComputeX(salt, identity, password []byte) *big.Int {
	inner := sha512.Sum512(append(append(append([]byte{}, identity...), ':'), password...))
	return new(big.Int).Mod(H(salt, inner[:]), N)
}

// ComputeVerifier computes v = g^x mod N, the value a receiver would
// have stored during initial registration. Test-only: this module
// never generates its own verifier against a real receiver.
func ComputeVerifier(salt, identity, password []byte) *big.Int {
	x := ComputeX(salt, identity, password)
	return new(big.Int).Exp(G, x, N)
}

// ClientKeyPair is the client's ephemeral SRP keypair (a, A).
type ClientKeyPair struct {
	a *big.Int
	A *big.Int
}

// NewClientKeyPair generates a fresh ephemeral client keypair.
func NewClientKeyPair() (*ClientKeyPair, error) {
	a, err := rand.Int(rand.Reader, N)
	if err != nil {
		return nil, err
	}
	A := new(big.Int).Exp(G, a, N)
	return &ClientKeyPair{a: a, A: A}, nil
}

// PublicBytes returns A, padded to the group's byte length.
func (c *ClientKeyPair) PublicBytes() []byte { return pad(c.A.Bytes()) }

// PublicValue returns A as a big.Int, for proof computations that need
// it alongside the server's B.
func (c *ClientKeyPair) PublicValue() *big.Int { return c.A }

func computeU(A, B *big.Int) *big.Int {
	return new(big.Int).Mod(H(pad(A.Bytes()), pad(B.Bytes())), N)
}

// ErrInvalidPublicKey is returned when the peer's public key is 0 mod N
// (an SRP safety check; accepting it would let an attacker force a
// known session key).
var ErrInvalidPublicKey = errors.New("srp: peer public key is invalid (zero mod N)")

// ClientSessionKey computes the client's view of the shared premaster
// secret S and the derived session key K = H(S), given the server's
// public value B, the salt, and the user's identity/password.
func (c *ClientKeyPair) ClientSessionKey(B *big.Int, salt, identity, password []byte) (K []byte, err error) {
	if new(big.Int).Mod(B, N).Sign() == 0 {
		return nil, ErrInvalidPublicKey
	}

	u := computeU(c.A, B)
	x := ComputeX(salt, identity, password)

	// S = (B - k*g^x) ^ (a + u*x) mod N
	kgx := new(big.Int).Mul(k(), new(big.Int).Exp(G, x, N))
	base := new(big.Int).Mod(new(big.Int).Sub(B, kgx), N)
	exp := new(big.Int).Add(c.a, new(big.Int).Mul(u, x))
	S := new(big.Int).Exp(base, exp, N)

	sum := sha512.Sum512(pad(S.Bytes()))
	return sum[:], nil
}

// ClientProof computes M1 = H(A, B, K), the client's proof of
// possession sent to the server.
func ClientProof(A, B *big.Int, K []byte) []byte {
	sum := H(pad(A.Bytes()), pad(B.Bytes()), K)
	return sum.FillBytes(make([]byte, sha512.Size))
}

// ServerProof computes M2 = H(A, M1, K), the server's proof sent back
// to the client to confirm it derived the same session key.
func ServerProof(A *big.Int, M1, K []byte) []byte {
	sum := H(pad(A.Bytes()), M1, K)
	return sum.FillBytes(make([]byte, sha512.Size))
}

// --- Server-side helpers, used only by tests to emulate a receiver ---

// ServerKeyPair is the server's ephemeral SRP keypair (b, B), computed
// from a stored verifier v.
type ServerKeyPair struct {
	b *big.Int
	B *big.Int
}

// NewServerKeyPair generates B = k*v + g^b mod N for a stored verifier v.
func NewServerKeyPair(v *big.Int) (*ServerKeyPair, error) {
	b, err := rand.Int(rand.Reader, N)
	if err != nil {
		return nil, err
	}
	kv := new(big.Int).Mul(k(), v)
	B := new(big.Int).Mod(new(big.Int).Add(kv, new(big.Int).Exp(G, b, N)), N)
	return &ServerKeyPair{b: b, B: B}, nil
}

// PublicBytes returns B, padded to the group's byte length.
func (s *ServerKeyPair) PublicBytes() []byte { return pad(s.B.Bytes()) }

// ServerSessionKey computes the server's view of K, given the
// client's public value A and the stored verifier v.
func (s *ServerKeyPair) ServerSessionKey(A, v *big.Int) (K []byte, err error) {
	if new(big.Int).Mod(A, N).Sign() == 0 {
		return nil, ErrInvalidPublicKey
	}

	u := computeU(A, s.B)
	// S = (A * v^u) ^ b mod N
	vu := new(big.Int).Exp(v, u, N)
	base := new(big.Int).Mod(new(big.Int).Mul(A, vu), N)
	S := new(big.Int).Exp(base, s.b, N)

	sum := sha512.Sum512(pad(S.Bytes()))
	return sum[:], nil
}
