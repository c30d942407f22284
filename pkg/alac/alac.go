// Package alac declares the opaque ALAC encoding interface the RTP
// streaming path calls into. The encoder implementation itself is out
// of scope (spec §1): a real binding would wrap libalac/ffmpeg, which
// this module does not vendor.
package alac

import "github.com/go-airplay/airplay2/pkg/device"

// Encoder turns PCM16 samples into ALAC frames. Implementations are
// not required to be safe for concurrent use; the RTP streaming path
// calls one encoder from a single goroutine per master session.
type Encoder interface {
	// Encode consumes exactly samplesPerPacket samples per channel of
	// interleaved PCM16 audio and returns one ALAC frame.
	Encode(pcm []byte) (frame []byte, err error)
	Close() error
}

// EncoderFactory builds an Encoder for a given quality. The session
// engine's master-session construction fails (Capability error, §7)
// if this returns an error — e.g. no compatible quality available.
type EncoderFactory func(q device.Quality, samplesPerPacket int) (Encoder, error)
