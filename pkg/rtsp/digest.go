package rtsp

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

// Challenge is the realm/nonce pair some third-party speakers return
// on a SET_PARAMETER 401 instead of accepting an unauthenticated
// request, restored from original_source/src/airplay2_client.c
// (rs->realm, rs->nonce) — seen only on legacy password-protected
// receivers, never during pairing.
type Challenge struct {
	Realm string
	Nonce string
}

// ParseWWWAuthenticate parses a "WWW-Authenticate: Digest realm="...",
// nonce="..."" header value. Only the two fields AirPlay's password
// scheme uses are extracted; any other Digest directive is ignored.
func ParseWWWAuthenticate(header string) (*Challenge, error) {
	if !strings.HasPrefix(strings.TrimSpace(header), "Digest") {
		return nil, fmt.Errorf("rtsp: unsupported auth scheme %q", header)
	}
	ch := &Challenge{}
	for _, field := range strings.Split(header, ",") {
		field = strings.TrimSpace(field)
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		v = strings.Trim(strings.TrimSpace(v), `"`)
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "realm":
			ch.Realm = v
		case "nonce":
			ch.Nonce = v
		}
	}
	if ch.Realm == "" || ch.Nonce == "" {
		return nil, fmt.Errorf("rtsp: malformed Digest challenge %q", header)
	}
	return ch, nil
}

// Authorization computes the "Authorization: Digest ..." header value
// for method/uri under password, per RFC 2617's unqualified (no qop)
// digest scheme — the variant AirPlay's legacy password auth uses.
// The username field is always empty: the protocol authenticates the
// stream, not a user account.
func (c *Challenge) Authorization(method, uri, password string) string {
	ha1 := md5Hex(":" + c.Realm + ":" + password)
	ha2 := md5Hex(method + ":" + uri)
	response := md5Hex(ha1 + ":" + c.Nonce + ":" + ha2)
	return fmt.Sprintf(`Digest username="", realm=%q, nonce=%q, uri=%q, response=%q`, c.Realm, c.Nonce, uri, response)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
