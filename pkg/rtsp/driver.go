package rtsp

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-airplay/airplay2/pkg/airlog"
)

// ErrUnknownSequence is returned when Start is asked to run a SeqKind
// with no table entry.
var ErrUnknownSequence = errors.New("rtsp: unknown sequence kind")

// ErrAborted is the error passed to OnError when a Handle function
// returns KindAbort with a nil error; a non-nil error is passed as is.
var ErrAborted = errors.New("rtsp: sequence aborted by response handler")

// Sequencer drives the sequence table against a Conn: step n+1 is
// only ever issued from step n's response handler, satisfying the
// strict per-session serialization the spec requires even though the
// underlying Conn could support pipelining.
type Sequencer struct {
	table map[SeqKind]Sequence
	log   airlog.Logger
}

// NewSequencer builds a Sequencer over the standard AirPlay sequence
// table, validated once here rather than relying on a package init
// side effect.
func NewSequencer(log airlog.Logger) *Sequencer {
	if log == nil {
		log = airlog.NoOp{}
	}
	s := &Sequencer{table: standardTable(), log: log}
	if err := s.checkAlignment(); err != nil {
		panic(err) // a misregistered sequence is a programmer bug, per invariant 1
	}
	return s
}

// checkAlignment verifies every registered sequence's declared Kind
// matches the map key it is stored under, that every sequence has at
// least one step, and that every required kind is registered — the
// map-based analogue of the index-aligned-array check the original
// engine performed at startup.
func (s *Sequencer) checkAlignment() error {
	for key, seq := range s.table {
		if seq.Kind != key {
			return fmt.Errorf("rtsp: sequence table misaligned: key %v holds sequence declared as %v", key, seq.Kind)
		}
		if len(seq.Steps) == 0 {
			return fmt.Errorf("rtsp: sequence %v has no steps", key)
		}
	}
	for _, kind := range []SeqKind{
		KindStart, KindStartPlayback, KindProbe, KindFlush, KindStop, KindFailure,
		KindPinStart, KindSendVolume, KindSendText, KindSendProgress, KindSendArtwork,
		KindPairSetup, KindPairVerify, KindPairTransient, KindFeedback,
	} {
		if _, ok := s.table[kind]; !ok {
			return fmt.Errorf("rtsp: sequence table missing required kind %v", kind)
		}
	}
	return nil
}

// Start runs the named sequence to completion (including any chained
// sequence) on conn, returning the error of whichever sequence in the
// chain ultimately failed, or nil if the full chain succeeded.
func (s *Sequencer) Start(ctx context.Context, kind SeqKind, conn *Conn, baseURI string, arg any) (*Ctx, error) {
	seq, ok := s.table[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownSequence, kind)
	}

	sctx := &Ctx{Kind: kind, BaseURI: baseURI, Arg: arg, Vars: make(map[string]any)}

	for i := range seq.Steps {
		sctx.StepIndex = i
		step := &seq.Steps[i]

		uri := ""
		if step.URI != nil {
			uri = step.URI(sctx)
		}
		var contentType string
		var body []byte
		var err error
		if step.Build != nil {
			contentType, body, err = step.Build(sctx)
			if err != nil {
				s.fail(seq, sctx, err)
				return sctx, err
			}
		}

		req := &Request{Verb: step.Verb, URI: uri, ContentType: contentType, Body: body}
		if step.Headers != nil {
			req.Headers = step.Headers(sctx)
		}
		resp, err := conn.Do(ctx, req)
		if err != nil {
			s.fail(seq, sctx, err)
			return sctx, err
		}

		if !resp.OK() && !step.ProceedOnNotOK {
			statusErr := &ErrStatus{StatusCode: resp.StatusCode, Reason: resp.Reason}
			s.fail(seq, sctx, statusErr)
			return sctx, statusErr
		}

		next := KindContinue
		if step.Handle != nil {
			next, err = step.Handle(sctx, resp)
			if err != nil {
				s.fail(seq, sctx, err)
				return sctx, err
			}
		}

		switch next {
		case KindContinue:
			continue
		case KindAbort:
			s.fail(seq, sctx, ErrAborted)
			return sctx, ErrAborted
		default:
			if seq.OnSuccess != nil {
				seq.OnSuccess(sctx)
			}
			chained, err := s.Start(ctx, next, conn, sctx.BaseURI, sctx.Vars)
			return chained, err
		}
	}

	if seq.OnSuccess != nil {
		seq.OnSuccess(sctx)
	}
	return sctx, nil
}

func (s *Sequencer) fail(seq Sequence, ctx *Ctx, err error) {
	s.log.Error("rtsp sequence failed", "kind", seq.Kind.String(), "step", ctx.StepIndex, "err", err)
	if seq.OnError != nil {
		seq.OnError(ctx, err)
	}
}
