// Package ntptime converts between Go's monotonic-stripped wall clock
// and the 64-bit NTP timestamp format used by AirTunes v2 (32-bit
// seconds since the NTP epoch, 32-bit binary fraction of a second).
package ntptime

import "time"

// EpochOffset is the number of seconds between the NTP epoch
// (1900-01-01) and the UNIX epoch (1970-01-01).
const EpochOffset = 2208988800

// Stamp is a 64-bit NTP timestamp: Seconds since 1900 in the upper
// half, a binary fraction of a second in the lower half.
type Stamp struct {
	Seconds  uint32
	Fraction uint32
}

// Now converts t into an NTP Stamp.
func Now(t time.Time) Stamp {
	sec := t.Unix() + EpochOffset
	frac := uint32((float64(t.Nanosecond()) / 1e9) * (1 << 32))
	return Stamp{Seconds: uint32(sec), Fraction: frac}
}

// Time converts an NTP Stamp back to a time.Time.
func (s Stamp) Time() time.Time {
	sec := int64(s.Seconds) - EpochOffset
	nsec := int64((float64(s.Fraction) / (1 << 32)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// PutBigEndian writes the stamp big-endian into b, which must be at
// least 8 bytes.
func (s Stamp) PutBigEndian(b []byte) {
	b[0] = byte(s.Seconds >> 24)
	b[1] = byte(s.Seconds >> 16)
	b[2] = byte(s.Seconds >> 8)
	b[3] = byte(s.Seconds)
	b[4] = byte(s.Fraction >> 24)
	b[5] = byte(s.Fraction >> 16)
	b[6] = byte(s.Fraction >> 8)
	b[7] = byte(s.Fraction)
}

// StampFromBigEndian reads a big-endian NTP stamp from b, which must
// be at least 8 bytes.
func StampFromBigEndian(b []byte) Stamp {
	return Stamp{
		Seconds:  uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]),
		Fraction: uint32(b[4])<<24 | uint32(b[5])<<16 | uint32(b[6])<<8 | uint32(b[7]),
	}
}
