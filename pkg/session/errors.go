package session

import (
	"errors"
	"fmt"
)

// Category classifies a session failure into the taxonomy every error
// funnels through on its way to session_failure → session_status →
// session_cleanup.
type Category string

const (
	CategoryTransport  Category = "transport"
	CategoryProtocol   Category = "protocol"
	CategoryAuth       Category = "auth"
	CategoryCapability Category = "capability"
)

var (
	// ErrTransport is matched via errors.Is against a Failure whose
	// Category is CategoryTransport (connection closed, dial failed).
	ErrTransport = errors.New("session: transport failure")
	// ErrProtocol matches an unexpected RTSP status, malformed plist,
	// or sequence-table alignment assertion.
	ErrProtocol = errors.New("session: protocol failure")
	// ErrAuth matches a 401, a pair-verify rejection, or a 470 on
	// transient pairing.
	ErrAuth = errors.New("session: authentication failure")
	// ErrCapability matches a missing ALAC encoder or no compatible
	// quality — the master session never gets built.
	ErrCapability = errors.New("session: capability unavailable")
)

// Failure wraps an underlying error with the taxonomy category the
// caller routes cleanup on. It implements Is so callers can write
// errors.Is(err, session.ErrAuth) without knowing about Failure.
type Failure struct {
	Category Category
	Err      error
}

func (f *Failure) Error() string { return fmt.Sprintf("%s: %v", f.Category, f.Err) }
func (f *Failure) Unwrap() error { return f.Err }

func (f *Failure) Is(target error) bool {
	switch target {
	case ErrTransport:
		return f.Category == CategoryTransport
	case ErrProtocol:
		return f.Category == CategoryProtocol
	case ErrAuth:
		return f.Category == CategoryAuth
	case ErrCapability:
		return f.Category == CategoryCapability
	}
	return false
}

func transportFailure(err error) *Failure  { return &Failure{Category: CategoryTransport, Err: err} }
func protocolFailure(err error) *Failure   { return &Failure{Category: CategoryProtocol, Err: err} }
func authFailure(err error) *Failure       { return &Failure{Category: CategoryAuth, Err: err} }
func capabilityFailure(err error) *Failure { return &Failure{Category: CategoryCapability, Err: err} }
