package rtsp

import (
	"fmt"

	"github.com/go-airplay/airplay2/pkg/pairing"
	"github.com/go-airplay/airplay2/pkg/rtsp/plist"
)

func standardTable() map[SeqKind]Sequence {
	return map[SeqKind]Sequence{
		KindStart:          startSequence(),
		KindStartPlayback:  startPlaybackSequence(),
		KindProbe:          probeSequence(),
		KindFlush:          flushSequence(),
		KindStop:           teardownSequence(KindStop),
		KindFailure:        teardownSequence(KindFailure),
		KindPinStart:       pinStartSequence(),
		KindSendVolume:     parameterSequence(KindSendVolume),
		KindSendText:       parameterSequence(KindSendText),
		KindSendProgress:   parameterSequence(KindSendProgress),
		KindSendArtwork:    parameterSequence(KindSendArtwork),
		KindPairSetup:      pairSetupSequence(),
		KindPairVerify:     pairVerifySequence(),
		KindPairTransient:  pairTransientSequence(),
		KindFeedback:       feedbackSequence(),
	}
}

func pairArg(ctx *Ctx) (pairing.Context, error) {
	arg, ok := ctx.Arg.(PairArg)
	if !ok {
		return nil, fmt.Errorf("rtsp: sequence %v requires a PairArg", ctx.Kind)
	}
	return arg.Pair, nil
}

// startSequence: GET /info, the first step of every connection
// attempt (spec §4.E request table).
func startSequence() Sequence {
	return Sequence{
		Kind: KindStart,
		Steps: []Step{
			{
				Name: "info",
				Verb: "GET",
				URI:  func(ctx *Ctx) string { return ctx.BaseURI + "/info" },
				Handle: func(ctx *Ctx, resp *Response) (SeqKind, error) {
					if len(resp.Body) > 0 {
						info, err := plist.Unmarshal(resp.Body)
						if err == nil {
							ctx.Vars["info"] = info
						}
					}
					return KindContinue, nil
				},
			},
		},
	}
}

// probeSequence: GET /info used only to test reachability.
func probeSequence() Sequence {
	return Sequence{
		Kind: KindProbe,
		Steps: []Step{
			{
				Name: "probe",
				Verb: "GET",
				URI:  func(ctx *Ctx) string { return ctx.BaseURI + "/info" },
			},
		},
	}
}

func flushSequence() Sequence {
	return Sequence{
		Kind: KindFlush,
		Steps: []Step{
			{Name: "flush", Verb: "FLUSH", URI: func(ctx *Ctx) string { return ctx.BaseURI }},
		},
	}
}

// teardownSequence implements both STOP and FAILURE: the step table
// is identical, only the callbacks attached by the Session Engine
// differ (spec: "differ only in callbacks").
func teardownSequence(kind SeqKind) Sequence {
	return Sequence{
		Kind: kind,
		Steps: []Step{
			{Name: "teardown", Verb: "TEARDOWN", URI: func(ctx *Ctx) string { return ctx.BaseURI }},
		},
	}
}

func pinStartSequence() Sequence {
	return Sequence{
		Kind: KindPinStart,
		Steps: []Step{
			{Name: "pair-pin-start", Verb: "POST", URI: func(ctx *Ctx) string { return ctx.BaseURI + "/pair-pin-start" }},
		},
	}
}

// parameterSequence covers SEND_VOLUME/SEND_TEXT/SEND_PROGRESS/
// SEND_ARTWORK: one SET_PARAMETER each, differing only in the
// content-type/body the caller supplies via ParameterArg. A 401 with a
// Password set on the arg is retried exactly once with a computed
// Digest Authorization header (spec §3).
func parameterSequence(kind SeqKind) Sequence {
	return Sequence{
		Kind: kind,
		Steps: []Step{
			{
				Name:           "set_parameter",
				Verb:           "SET_PARAMETER",
				URI:            func(ctx *Ctx) string { return ctx.BaseURI },
				ProceedOnNotOK: true,
				Build: func(ctx *Ctx) (string, []byte, error) {
					arg, ok := parameterArg(ctx)
					if !ok {
						return "", nil, fmt.Errorf("rtsp: sequence %v requires a ParameterArg", kind)
					}
					return arg.ContentType, arg.Body, nil
				},
				Headers: func(ctx *Ctx) map[string]string {
					arg, ok := parameterArg(ctx)
					challenge, hasChallenge := parameterChallenge(ctx)
					if !ok || !hasChallenge || arg.Password == "" {
						return nil
					}
					return map[string]string{"Authorization": challenge.Authorization("SET_PARAMETER", ctx.BaseURI, arg.Password)}
				},
				Handle: func(ctx *Ctx, resp *Response) (SeqKind, error) {
					if resp.OK() {
						return KindContinue, nil
					}
					if resp.StatusCode != 401 || parameterRetried(ctx) {
						return KindAbort, &ErrStatus{StatusCode: resp.StatusCode, Reason: resp.Reason}
					}
					arg, ok := parameterArg(ctx)
					if !ok || arg.Password == "" {
						return KindAbort, &ErrStatus{StatusCode: resp.StatusCode, Reason: resp.Reason}
					}
					challenge, err := ParseWWWAuthenticate(resp.Header("Www-Authenticate"))
					if err != nil {
						return KindAbort, err
					}
					if arg.OnChallenge != nil {
						arg.OnChallenge(challenge.Realm, challenge.Nonce)
					}
					ctx.Vars["param_arg"] = arg
					ctx.Vars["auth_challenge"] = challenge
					ctx.Vars["auth_retried"] = true
					return kind, nil
				},
			},
		},
	}
}

// parameterArg recovers the ParameterArg a SET_PARAMETER step needs,
// whether this is the first attempt (direct Arg) or the authenticated
// retry chained in from a 401 (stashed under "param_arg").
func parameterArg(ctx *Ctx) (ParameterArg, bool) {
	switch arg := ctx.Arg.(type) {
	case ParameterArg:
		return arg, true
	case map[string]any:
		if v, ok := arg["param_arg"].(ParameterArg); ok {
			return v, true
		}
	}
	return ParameterArg{}, false
}

func parameterChallenge(ctx *Ctx) (*Challenge, bool) {
	if v, ok := ctx.Vars["auth_challenge"].(*Challenge); ok {
		return v, true
	}
	if m, ok := ctx.Arg.(map[string]any); ok {
		if v, ok := m["auth_challenge"].(*Challenge); ok {
			return v, true
		}
	}
	return nil, false
}

func parameterRetried(ctx *Ctx) bool {
	if m, ok := ctx.Arg.(map[string]any); ok {
		if v, ok := m["auth_retried"].(bool); ok {
			return v
		}
	}
	return false
}

func feedbackSequence() Sequence {
	return Sequence{
		Kind: KindFeedback,
		Steps: []Step{
			{Name: "feedback", Verb: "POST", URI: func(ctx *Ctx) string { return ctx.BaseURI + "/feedback" }},
		},
	}
}

// pairTransientSequence: two POSTs to /pair-setup; a non-OK first
// response (470) routes to PIN_START instead of failing outright.
func pairTransientSequence() Sequence {
	return Sequence{
		Kind: KindPairTransient,
		Steps: []Step{
			{
				Name:           "transient-m1",
				Verb:           "POST",
				URI:            func(ctx *Ctx) string { return ctx.BaseURI + "/pair-setup" },
				ProceedOnNotOK: true,
				Build: func(ctx *Ctx) (string, []byte, error) {
					pair, err := pairArg(ctx)
					if err != nil {
						return "", nil, err
					}
					body, err := pair.MakeRequest()
					return "application/octet-stream", body, err
				},
				Handle: func(ctx *Ctx, resp *Response) (SeqKind, error) {
					if resp.StatusCode == 470 {
						return KindPinStart, nil
					}
					if !resp.OK() {
						return KindAbort, &ErrStatus{StatusCode: resp.StatusCode, Reason: resp.Reason}
					}
					pair, err := pairArg(ctx)
					if err != nil {
						return KindAbort, err
					}
					if err := pair.ReadResponse(resp.Body); err != nil {
						return KindAbort, err
					}
					return KindContinue, nil
				},
			},
			{
				Name: "transient-m2",
				Verb: "POST",
				URI:  func(ctx *Ctx) string { return ctx.BaseURI + "/pair-setup" },
				Build: func(ctx *Ctx) (string, []byte, error) {
					pair, err := pairArg(ctx)
					if err != nil {
						return "", nil, err
					}
					body, err := pair.MakeRequest()
					return "application/octet-stream", body, err
				},
				Handle: func(ctx *Ctx, resp *Response) (SeqKind, error) {
					pair, err := pairArg(ctx)
					if err != nil {
						return KindAbort, err
					}
					if err := pair.ReadResponse(resp.Body); err != nil {
						return KindAbort, err
					}
					secret, err := pair.Result()
					if err != nil {
						return KindAbort, err
					}
					ctx.Vars["secret"] = secret
					if err := installCipher(ctx, secret); err != nil {
						return KindAbort, err
					}
					stashResume(ctx)
					return KindStartPlayback, nil
				},
			},
		},
	}
}

// installCipher invokes the PairArg's OnSecret hook, if any, letting
// the Session Engine install the RTSP control cipher before the
// chained START_PLAYBACK sequence issues its encrypted SETUP steps.
func installCipher(ctx *Ctx, secret []byte) error {
	full, ok := ctx.Arg.(PairArg)
	if !ok || full.OnSecret == nil {
		return nil
	}
	return full.OnSecret(secret)
}

// stashResume copies the StartPlaybackArg a pairing PairArg was
// carrying into Vars, so the chained START_PLAYBACK sequence (which
// receives Vars as its Arg) can recover it.
func stashResume(ctx *Ctx) {
	if arg, ok := ctx.Arg.(PairArg); ok && arg.Resume != nil {
		ctx.Vars["start_playback"] = *arg.Resume
	}
}

// pairVerifySequence: two POSTs to /pair-verify; first allows non-OK
// so the handler can discard a stale persisted key.
func pairVerifySequence() Sequence {
	return Sequence{
		Kind: KindPairVerify,
		Steps: []Step{
			{
				Name:           "verify-m1",
				Verb:           "POST",
				URI:            func(ctx *Ctx) string { return ctx.BaseURI + "/pair-verify" },
				ProceedOnNotOK: true,
				Build: func(ctx *Ctx) (string, []byte, error) {
					pair, err := pairArg(ctx)
					if err != nil {
						return "", nil, err
					}
					body, err := pair.MakeRequest()
					return "application/octet-stream", body, err
				},
				Handle: func(ctx *Ctx, resp *Response) (SeqKind, error) {
					pair, err := pairArg(ctx)
					if err != nil {
						return KindAbort, err
					}
					if !resp.OK() {
						// The receiver refused the persisted key outright:
						// reported as ErrRejected so the key is cleared.
						return KindAbort, fmt.Errorf("%w: %v", pairing.ErrRejected, &ErrStatus{StatusCode: resp.StatusCode, Reason: resp.Reason})
					}
					if err := pair.ReadResponse(resp.Body); err != nil {
						// Rejection here means a stale persisted key: the
						// caller (Session Engine) observes ErrRejected via
						// the returned error and clears device.AuthKey.
						return KindAbort, err
					}
					return KindContinue, nil
				},
			},
			{
				Name: "verify-m2",
				Verb: "POST",
				URI:  func(ctx *Ctx) string { return ctx.BaseURI + "/pair-verify" },
				Build: func(ctx *Ctx) (string, []byte, error) {
					pair, err := pairArg(ctx)
					if err != nil {
						return "", nil, err
					}
					body, err := pair.MakeRequest()
					return "application/octet-stream", body, err
				},
				Handle: func(ctx *Ctx, resp *Response) (SeqKind, error) {
					pair, err := pairArg(ctx)
					if err != nil {
						return KindAbort, err
					}
					if err := pair.ReadResponse(resp.Body); err != nil {
						return KindAbort, err
					}
					secret, err := pair.Result()
					if err != nil {
						return KindAbort, err
					}
					ctx.Vars["secret"] = secret
					if err := installCipher(ctx, secret); err != nil {
						return KindAbort, err
					}
					stashResume(ctx)
					return KindStartPlayback, nil
				},
			},
		},
	}
}

// pairSetupSequence: three POSTs to /pair-setup, the PIN-based
// bootstrap ceremony.
func pairSetupSequence() Sequence {
	post := func(name string) Step {
		return Step{
			Name: name,
			Verb: "POST",
			URI:  func(ctx *Ctx) string { return ctx.BaseURI + "/pair-setup" },
			Build: func(ctx *Ctx) (string, []byte, error) {
				pair, err := pairArg(ctx)
				if err != nil {
					return "", nil, err
				}
				body, err := pair.MakeRequest()
				return "application/octet-stream", body, err
			},
		}
	}

	m1 := post("setup-m1")
	m2 := post("setup-m2")
	m3 := post("setup-m3")

	m1.Handle = func(ctx *Ctx, resp *Response) (SeqKind, error) {
		pair, err := pairArg(ctx)
		if err != nil {
			return KindAbort, err
		}
		if err := pair.ReadResponse(resp.Body); err != nil {
			return KindAbort, err
		}
		return KindContinue, nil
	}
	m2.Handle = m1.Handle
	m3.Handle = func(ctx *Ctx, resp *Response) (SeqKind, error) {
		pair, err := pairArg(ctx)
		if err != nil {
			return KindAbort, err
		}
		if err := pair.ReadResponse(resp.Body); err != nil {
			return KindAbort, err
		}
		secret, err := pair.Result()
		if err != nil {
			return KindAbort, err
		}
		ctx.Vars["secret"] = secret
		if err := installCipher(ctx, secret); err != nil {
			return KindAbort, err
		}
		if setup, ok := pair.(interface{ AccessoryIdentity() []byte }); ok {
			ctx.Vars["accessory_identity"] = setup.AccessoryIdentity()
		}
		return KindContinue, nil
	}

	return Sequence{Kind: KindPairSetup, Steps: []Step{m1, m2, m3}}
}

// startPlaybackSequence: SETUP (session) / SETPEERS / SETUP (stream)
// / RECORD / SET_PARAMETER(volume), volume deliberately last (spec:
// "some speakers silently drop earlier volume settings").
func startPlaybackSequence() Sequence {
	return Sequence{
		Kind: KindStartPlayback,
		Steps: []Step{
			{
				Name: "setup-session",
				Verb: "SETUP",
				URI:  func(ctx *Ctx) string { return ctx.BaseURI },
				Build: func(ctx *Ctx) (string, []byte, error) {
					arg, ok := startPlaybackArg(ctx)
					if !ok {
						return "", nil, fmt.Errorf("rtsp: SETUP requires a StartPlaybackArg")
					}
					ekey, eiv, err := streamKeyFields(ctx)
					if err != nil {
						return "", nil, err
					}
					body, err := plist.Marshal(plist.Dict{
						"timingProtocol": "None",
						"ekey":           ekey,
						"eiv":            eiv,
						"deviceID":       arg.ClientID,
					})
					return "application/x-apple-binary-plist", body, err
				},
				Handle: func(ctx *Ctx, resp *Response) (SeqKind, error) {
					if len(resp.Body) > 0 {
						info, err := plist.Unmarshal(resp.Body)
						if err == nil {
							ctx.Vars["session_info"] = info
						}
					}
					return KindContinue, nil
				},
			},
			{
				Name: "setpeers",
				Verb: "SETPEERS",
				URI:  func(ctx *Ctx) string { return ctx.BaseURI },
				Build: func(ctx *Ctx) (string, []byte, error) {
					arg, ok := startPlaybackArg(ctx)
					if !ok {
						return "", nil, fmt.Errorf("rtsp: SETPEERS requires a StartPlaybackArg")
					}
					body, err := plist.Marshal([]any{arg.LocalAddr})
					return "application/x-apple-binary-plist", body, err
				},
			},
			{
				Name: "setup-stream",
				Verb: "SETUP",
				URI:  func(ctx *Ctx) string { return ctx.BaseURI },
				Build: func(ctx *Ctx) (string, []byte, error) {
					arg, ok := startPlaybackArg(ctx)
					if !ok {
						return "", nil, fmt.Errorf("rtsp: SETUP requires a StartPlaybackArg")
					}
					body, err := plist.Marshal(plist.Dict{
						"streams": []any{
							plist.Dict{
								"type":        arg.StreamType,
								"controlPort": int64(arg.ControlPort),
								"timingPort":  int64(arg.TimingPort),
							},
						},
					})
					return "application/x-apple-binary-plist", body, err
				},
				Handle: func(ctx *Ctx, resp *Response) (SeqKind, error) {
					if len(resp.Body) > 0 {
						info, err := plist.Unmarshal(resp.Body)
						if err == nil {
							ctx.Vars["stream_info"] = info
						}
					}
					return KindContinue, nil
				},
			},
			{
				Name: "record",
				Verb: "RECORD",
				URI:  func(ctx *Ctx) string { return ctx.BaseURI },
			},
			{
				Name: "volume",
				Verb: "SET_PARAMETER",
				URI:  func(ctx *Ctx) string { return ctx.BaseURI },
				Build: func(ctx *Ctx) (string, []byte, error) {
					arg, ok := startPlaybackArg(ctx)
					if !ok {
						return "", nil, fmt.Errorf("rtsp: SET_PARAMETER(volume) requires a StartPlaybackArg")
					}
					return "text/parameters", []byte(fmt.Sprintf("volume: %.6f\r\n", arg.Volume)), nil
				},
			},
		},
	}
}

// streamKeyFields seals the pairing secret stashed alongside this
// sequence's StartPlaybackArg into the ekey/eiv fields the setup-session
// request carries, so the receiver recovers the exact key the audio
// cipher uses instead of being expected to re-derive it. The secret is
// only present in ctx.Arg's map form — true whether START_PLAYBACK was
// auto-chained from a PAIR_* sequence (pkg/rtsp/table.go's stashResume)
// or manually resumed by Authorize after a PIN pairing.
func streamKeyFields(ctx *Ctx) (ekey, eiv []byte, err error) {
	m, ok := ctx.Arg.(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf("rtsp: SETUP requires the pairing secret to seal the stream key")
	}
	secret, ok := m["secret"].([]byte)
	if !ok {
		return nil, nil, fmt.Errorf("rtsp: SETUP requires the pairing secret to seal the stream key")
	}
	return pairing.SealStreamKey(secret)
}

func startPlaybackArg(ctx *Ctx) (StartPlaybackArg, bool) {
	switch arg := ctx.Arg.(type) {
	case StartPlaybackArg:
		return arg, true
	case map[string]any:
		// Chained in from a preceding PAIR_* sequence: the pairing
		// secret lives alongside whatever StartPlaybackArg the caller
		// originally supplied, stashed by the Session Engine before
		// pairing began.
		if v, ok := arg["start_playback"].(StartPlaybackArg); ok {
			return v, true
		}
	}
	return StartPlaybackArg{}, false
}
