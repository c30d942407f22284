package rtsp

import "github.com/go-airplay/airplay2/pkg/pairing"

// PairArg is the Arg a caller passes to Sequencer.Start for any of the
// PAIR_* sequences. Resume, when set, is threaded through to the
// chained START_PLAYBACK sequence a successful pairing sequence
// triggers (spec §4.E: "pair-verify followed by a resume of
// START_PLAYBACK").
type PairArg struct {
	Pair   pairing.Context
	Resume *StartPlaybackArg

	// OnSecret, when set, is called with the shared secret the moment
	// the handshake produces one — before any chained sequence runs —
	// so the Session Engine can install the RTSP control cipher ahead
	// of the encrypted SETUP steps START_PLAYBACK is about to issue.
	// Returning an error aborts the sequence.
	OnSecret func(secret []byte) error
}

// StartPlaybackArg carries the stream parameters needed to drive the
// SETUP/SETPEERS/SETUP/RECORD/SET_PARAMETER chain.
type StartPlaybackArg struct {
	SessionID    string // the RTSP session URI, e.g. "rtsp://10.0.0.2/4a7bdc12"
	StreamType   int64  // 96 for realtime audio, per AirTunes v2
	ClientID     string
	LocalAddr    string
	ControlPort  int
	TimingPort   int
	EventPort    int
	Volume       float64
}

// ParameterArg carries a single SET_PARAMETER body, used by
// SEND_VOLUME/SEND_TEXT/SEND_PROGRESS/SEND_ARTWORK.
type ParameterArg struct {
	ContentType string
	Body        []byte

	// Password, when non-empty, lets the step retry once with a
	// computed Digest Authorization header if the receiver answers
	// the first attempt with 401 (spec §3: legacy password-protected
	// receivers).
	Password string

	// OnChallenge, when set, is called with the realm/nonce the
	// receiver returned on a 401 — before the authenticated retry is
	// sent — so the Session Engine can record it.
	OnChallenge func(realm, nonce string)
}
