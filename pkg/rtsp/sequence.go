package rtsp

// SeqKind identifies a named RTSP sequence. The zero value and
// positive values name real, table-registered sequences; the two
// sentinels (Continue, Abort) are returned by a Step's Handle
// function to drive the Sequencer rather than naming a table entry.
type SeqKind int

const (
	KindStart SeqKind = iota
	KindStartPlayback
	KindProbe
	KindFlush
	KindStop
	KindFailure
	KindPinStart
	KindSendVolume
	KindSendText
	KindSendProgress
	KindSendArtwork
	KindPairSetup
	KindPairVerify
	KindPairTransient
	KindFeedback

	// KindContinue is never a table entry: a Step's Handle returns it
	// to advance to the next step of the same sequence.
	KindContinue
)

// KindAbort is returned by Handle to terminate the running sequence
// immediately and invoke its OnError callback.
const KindAbort SeqKind = -1

var kindNames = [...]string{
	"START", "START_PLAYBACK", "PROBE", "FLUSH", "STOP", "FAILURE",
	"PIN_START", "SEND_VOLUME", "SEND_TEXT", "SEND_PROGRESS", "SEND_ARTWORK",
	"PAIR_SETUP", "PAIR_VERIFY", "PAIR_TRANSIENT", "FEEDBACK", "CONTINUE",
}

func (k SeqKind) String() string {
	if k == KindAbort {
		return "ABORT"
	}
	if int(k) < 0 || int(k) >= len(kindNames) {
		return "UNKNOWN"
	}
	return kindNames[k]
}

// Step is one RTSP request/response pair within a Sequence.
type Step struct {
	Name string
	Verb string

	// URI builds the request URI for this step.
	URI func(ctx *Ctx) string

	// Build fills the request content-type and body. May be nil for
	// steps with no body (GET, FLUSH, TEARDOWN, RECORD).
	Build func(ctx *Ctx) (contentType string, body []byte, err error)

	// Handle processes the response and decides what happens next:
	// KindContinue to advance, KindAbort to fail the sequence, or any
	// other SeqKind to end this sequence at this step (running its
	// OnSuccess, skipping any later steps) and chain into that
	// sequence. May be nil, equivalent to always returning
	// (KindContinue, nil).
	Handle func(ctx *Ctx, resp *Response) (SeqKind, error)

	// ProceedOnNotOK lets Handle see a non-2xx response instead of the
	// driver failing the sequence outright — used by the pairing steps
	// that must inspect a 470 or 401 themselves.
	ProceedOnNotOK bool

	// Headers returns extra request headers for this step, computed
	// after Build — used by the SET_PARAMETER steps to attach a
	// Digest Authorization header once a 401 challenge has been seen.
	// May be nil.
	Headers func(ctx *Ctx) map[string]string
}

// Sequence is a named, ordered list of Steps sharing success/error
// callbacks.
type Sequence struct {
	Kind      SeqKind
	Steps     []Step
	OnSuccess func(ctx *Ctx)
	OnError   func(ctx *Ctx, err error)
}

// Ctx is the per-run state threaded through a sequence's steps. Arg
// carries whatever the caller supplied to Sequencer.Start (a pairing
// Context, stream parameters, a volume level, ...); Vars is scratch
// space steps use to pass data forward (a session ID extracted from a
// SETUP response, say) within and across chained sequences.
type Ctx struct {
	Kind      SeqKind
	StepIndex int
	BaseURI   string
	Arg       any
	Vars      map[string]any
}
