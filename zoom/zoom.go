// Package zoom drives the motorized zoom changers: a demo device, an
// encoder servo, a Mitutoyo style revolver and a PI rotation turret.
//
// Every variant except the turret implements Device directly. The turret
// only exposes rotation primitives; rotating it safely needs the focus stage
// as well, and the interlock package combines the two into a Device.
package zoom

import "errors"

var (
	// ErrUnknownZoomLabel is returned for labels absent from the table.
	ErrUnknownZoomLabel = errors.New("zoom label not in configuration")
	// ErrProtocol is returned when a device answers something unexpected.
	ErrProtocol = errors.New("device protocol error")
	// ErrInvalidPosition is returned for targets the device cannot represent.
	ErrInvalidPosition = errors.New("invalid device position")
	// ErrUnavailable is returned by a device whose connection failed.
	ErrUnavailable = errors.New("device unavailable")
)

// Device changes the zoom.
type Device interface {
	// SetZoom moves to the target configured for label. If wait is true it
	// returns once the motion has completed.
	SetZoom(label string, wait bool) error
	Close() error
}
