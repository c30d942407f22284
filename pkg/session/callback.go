package session

import "github.com/go-airplay/airplay2/pkg/device"

// PlayerCallback is the callback surface the Session Engine drives;
// implemented by the (external, not-in-scope) player façade.
type PlayerCallback interface {
	// OutputsCB reports a coarse state change for callbackID. Invoked
	// at most once per callback id (invariant 5).
	OutputsCB(callbackID int64, deviceID device.ID, state Public)

	// OutputsDeviceSessionAdd/Remove track the lifetime of a
	// DeviceSession so the façade can e.g. update a UI list.
	OutputsDeviceSessionAdd(deviceID device.ID)
	OutputsDeviceSessionRemove(deviceID device.ID)

	// OutputsQualitySubscribe/Unsubscribe tell the façade when it
	// should start or stop pushing PCM for a given quality.
	OutputsQualitySubscribe(q device.Quality)
	OutputsQualityUnsubscribe(q device.Quality)

	// OutputsDeviceGet asks the façade for the current device record,
	// e.g. to pick up fields an mDNS update changed since device_start
	// was called.
	OutputsDeviceGet(deviceID device.ID) (*device.Device, bool)
}
