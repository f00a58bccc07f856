package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a device, measurement or the network state
// has not been stored.
var ErrNotFound = errors.New("not found")

// Store persists the device table, the last reading of every measured
// quantity and the coordinator's network identity.
type Store interface {
	SaveDevice(dev *Device) error
	GetDevice(ieee string) (*Device, error)
	DeleteDevice(ieee string) error
	ListDevices() ([]*Device, error)
	// UpdateDevice applies fn to the stored device in one transaction.
	UpdateDevice(ieee string, fn func(dev *Device) error) error

	// RecordMeasurements merges readings into the device's table and sets
	// its last-seen time and link quality.
	RecordMeasurements(ieee string, seen time.Time, lqi uint8, readings map[string]Measurement) error
	// Measurement returns the last reading of name from the device.
	Measurement(ieee, name string) (Measurement, error)
	// MeasuredDevices returns the devices still on the network that have
	// reported at least one measurement.
	MeasuredDevices() ([]*Device, error)

	SaveNetworkState(state *NetworkState) error
	GetNetworkState() (*NetworkState, error)

	Close() error
}
