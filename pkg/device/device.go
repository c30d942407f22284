// Package device defines the external device record the session
// engine reads from. It is owned by the player façade; the session
// engine only ever holds a stable ID and reads fields off it.
package device

import "net"

// ID stably identifies a device record across mDNS updates.
type ID uint64

// Quality keys a master session: all device sessions sharing the same
// Quality share one ALAC encoder and one RTP sequence/timestamp
// counter space.
type Quality struct {
	SampleRate     int
	BitsPerSample  int
	Channels       int
}

// Type mirrors the original's airplay_devtype enum — used for
// logging/metrics labels only, it never changes protocol behavior.
type Type int

const (
	TypeAirPortExpress2 Type = iota
	TypeAirPortExpress3
	TypeAppleTV
	TypeAppleTV4
	TypeHomePod
	TypeOther
)

func (t Type) String() string {
	switch t {
	case TypeAirPortExpress2:
		return "AirPort Express 2 - 802.11n"
	case TypeAirPortExpress3:
		return "AirPort Express 3 - 802.11n"
	case TypeAppleTV:
		return "AppleTV"
	case TypeAppleTV4:
		return "AppleTV4"
	case TypeHomePod:
		return "HomePod"
	default:
		return "Other"
	}
}

// Extra holds information about the device that the player façade
// does not need, only the session engine.
type Extra struct {
	DevType                   Type
	MDNSName                  string
	WantedMetadataMask        MetadataMask
	SupportsAuthSetup         bool
	SupportsPairingTransient  bool
}

// MetadataMask is the bitmask of metadata side-channels a receiver
// has asked for, decoded from its mDNS TXT record.
type MetadataMask uint16

const (
	MetadataWantsText MetadataMask = 1 << iota
	MetadataWantsArtwork
	MetadataWantsProgress
)

func (m MetadataMask) WantsText() bool     { return m&MetadataWantsText != 0 }
func (m MetadataMask) WantsArtwork() bool  { return m&MetadataWantsArtwork != 0 }
func (m MetadataMask) WantsProgress() bool { return m&MetadataWantsProgress != 0 }

// Device is the external record the player façade owns. The session
// engine never mutates it except for the three persisted fields
// (AuthKey, RequiresAuth, V6Disabled), which it writes back through
// the Store interface supplied at construction time.
type Device struct {
	ID       ID
	Name     string
	V4Addr   *net.UDPAddr // nil if the device has no v4 address
	V6Addr   *net.UDPAddr // nil if the device has no v6 address
	Password string       // optional
	Quality  Quality

	// Persisted state, see spec §6.
	AuthKey      []byte // nil if never paired
	RequiresAuth bool
	V6Disabled   bool

	Volume int

	Capabilities Capabilities

	Extra Extra
}

// Store is how the session engine persists the three device fields it
// is allowed to mutate. Implemented by the player façade (e.g. backed
// by a config file or database); the session engine never assumes a
// particular storage medium.
type Store interface {
	SetAuthKey(id ID, key []byte) error
	ClearAuthKey(id ID) error
	SetRequiresAuth(id ID, v bool) error
	SetV6Disabled(id ID, v bool) error
}
