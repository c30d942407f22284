package session

import "github.com/go-airplay/airplay2/pkg/rtsp"

// recordChallenge stashes the realm/nonce a SET_PARAMETER 401 returned
// onto the session, restored from original_source/src/
// airplay2_client.c (rs->realm, rs->nonce) for diagnostics — the
// authenticated retry itself runs entirely inside pkg/rtsp's
// parameterSequence, keyed off DeviceSession.password.
func (s *DeviceSession) recordChallenge(realm, nonce string) {
	s.pendingChallenge = &authChallenge{realm: realm, nonce: nonce}
}

// buildParamArg builds a ParameterArg carrying sess's legacy password
// and the challenge-recording hook, so any of the SEND_VOLUME/
// SEND_TEXT/SEND_PROGRESS/SEND_ARTWORK sequences can survive a 401
// from a password-protected receiver.
func buildParamArg(sess *DeviceSession, contentType string, body []byte) rtsp.ParameterArg {
	return rtsp.ParameterArg{
		ContentType: contentType,
		Body:        body,
		Password:    sess.password,
		OnChallenge: sess.recordChallenge,
	}
}
