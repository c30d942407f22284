// Package rtsp implements a minimal RTSP/1.0 client connection and the
// sequence-driven request/response state machine AirPlay uses to
// negotiate and control a streaming session.
package rtsp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-airplay/airplay2/pkg/airlog"
	"github.com/go-airplay/airplay2/pkg/pairing"
)

const userAgent = "AirPlay2Client/1.0"

// Conn is a single-in-flight RTSP/1.0 client connection: requests are
// strictly request-then-response, matching the serialization rule the
// Sequencer relies on (a step's request is only sent from the
// previous step's response handler).
type Conn struct {
	mu     sync.Mutex
	nc     net.Conn
	reader *textproto.Reader
	log    airlog.Logger

	cseq      int
	sessionID string

	closeArmed   bool
	onIdleClose  func()
	reqsInFlight int32

	cipher *pairing.ControlCipher
}

// LocalAddr returns the connection's local endpoint, used to build
// the rtsp:// session URI and the SETPEERS plist.
func (c *Conn) LocalAddr() net.Addr {
	return c.nc.LocalAddr()
}

// SetCipher installs the control-channel cipher negotiated by a
// pairing ceremony. From this point every request body is sealed and
// every response body opened, per spec §4.D; the session transitions
// to ENCRYPTED once this call succeeds.
func (c *Conn) SetCipher(cipher *pairing.ControlCipher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cipher = cipher
}

// Dial opens a TCP connection to an AirPlay receiver's RTSP control
// port.
func Dial(ctx context.Context, addr string, log airlog.Logger) (*Conn, error) {
	if log == nil {
		log = airlog.NoOp{}
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rtsp: dial %s: %w", addr, err)
	}
	return NewConn(nc, log), nil
}

// NewConn wraps an already-established connection (or, in tests, an
// in-memory net.Pipe half) as an RTSP client connection.
func NewConn(nc net.Conn, log airlog.Logger) *Conn {
	if log == nil {
		log = airlog.NoOp{}
	}
	return &Conn{
		nc:     nc,
		reader: textproto.NewReader(bufio.NewReader(nc)),
		cseq:   1,
		log:    log,
	}
}

// SetOnIdleClose registers the callback invoked when the connection
// becomes eligible for closing (no requests in flight) after having
// been disarmed. Mirrors invariant 2 of the source protocol engine.
func (c *Conn) SetOnIdleClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onIdleClose = fn
}

// InFlight reports the number of requests currently awaiting a
// response on this connection.
func (c *Conn) InFlight() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reqsInFlight
}

// CloseArmed reports whether the connection is currently idle and
// eligible to be closed (invariant 2: disarmed while any request is
// in flight).
func (c *Conn) CloseArmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeArmed
}

// Do sends req and blocks for its response. Callers must not call Do
// concurrently on the same Conn; the Sequencer never does.
func (c *Conn) Do(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	c.reqsInFlight++
	c.closeArmed = false
	seq := c.cseq
	c.cseq++
	session := c.sessionID
	c.mu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		c.nc.SetDeadline(dl)
	} else {
		c.nc.SetDeadline(time.Time{})
	}

	c.mu.Lock()
	cipher := c.cipher
	c.mu.Unlock()

	outBody := req.Body
	if cipher != nil && len(outBody) > 0 {
		outBody = cipher.Seal(outBody)
	}
	sealed := *req
	sealed.Body = outBody

	if err := c.writeRequest(&sealed, seq, session); err != nil {
		c.afterResponse()
		return nil, &ErrTransport{Err: err}
	}

	resp, err := c.readResponse()
	c.afterResponse()
	if err != nil {
		return nil, &ErrTransport{Err: err}
	}

	if cipher != nil && len(resp.Body) > 0 {
		plain, err := cipher.Open(resp.Body)
		if err != nil {
			return nil, err
		}
		resp.Body = plain
	}

	if sess := resp.Header("Session"); sess != "" {
		c.mu.Lock()
		c.sessionID = strings.SplitN(sess, ";", 2)[0]
		c.mu.Unlock()
	}

	return resp, nil
}

func (c *Conn) afterResponse() {
	c.mu.Lock()
	c.reqsInFlight--
	idle := c.reqsInFlight == 0
	cb := c.onIdleClose
	if idle {
		c.closeArmed = true
	}
	c.mu.Unlock()
	if idle && cb != nil {
		cb()
	}
}

func (c *Conn) writeRequest(req *Request, seq int, session string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s RTSP/1.0\r\n", req.Verb, req.URI)
	fmt.Fprintf(&b, "CSeq: %d\r\n", seq)
	fmt.Fprintf(&b, "User-Agent: %s\r\n", userAgent)
	if session != "" {
		fmt.Fprintf(&b, "Session: %s\r\n", session)
	}
	for k, v := range req.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	if len(req.Body) > 0 {
		contentType := req.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(req.Body))
	}
	b.WriteString("\r\n")

	if _, err := c.nc.Write([]byte(b.String())); err != nil {
		return err
	}
	if len(req.Body) > 0 {
		if _, err := c.nc.Write(req.Body); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) readResponse() (*Response, error) {
	statusLine, err := c.reader.ReadLine()
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "RTSP/") {
		return nil, fmt.Errorf("rtsp: malformed status line %q", statusLine)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("rtsp: malformed status code %q", parts[1])
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}

	mimeHeader, err := c.reader.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("rtsp: reading headers: %w", err)
	}
	headers := make(map[string]string, len(mimeHeader))
	for k, v := range mimeHeader {
		if len(v) > 0 {
			headers[canonicalHeader(k)] = v[0]
		}
	}

	var body []byte
	if cl := headers["Content-Length"]; cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil {
			return nil, fmt.Errorf("rtsp: malformed Content-Length %q", cl)
		}
		body = make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(c.reader.R, body); err != nil {
				return nil, fmt.Errorf("rtsp: reading body: %w", err)
			}
		}
	}

	return &Response{StatusCode: code, Reason: reason, Headers: headers, Body: body}, nil
}

func canonicalHeader(name string) string {
	return textproto.CanonicalMIMEHeaderKey(name)
}

// Close closes the underlying transport connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}
