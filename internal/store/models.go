package store

import "time"

// Device is a node that joined the coordinator's network.
type Device struct {
	IEEEAddress  string                 `json:"ieee_address"`
	ShortAddress uint16                 `json:"short_address"`
	Capability   uint8                  `json:"capability"`
	FriendlyName string                 `json:"friendly_name,omitempty"`
	JoinedAt     time.Time              `json:"joined_at"`
	LastSeen     time.Time              `json:"last_seen"`
	LQI          uint8                  `json:"lqi,omitempty"`
	Bindings     []uint16               `json:"bindings,omitempty"`
	Measurements map[string]Measurement `json:"measurements,omitempty"`
	Left         bool                   `json:"left,omitempty"`
}

// Measurement is the last scaled value reported for one quantity.
type Measurement struct {
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Endpoint  uint8     `json:"endpoint"`
	ClusterID uint16    `json:"cluster_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasBinding reports whether clusterID is already bound to the coordinator.
func (d *Device) HasBinding(clusterID uint16) bool {
	for _, c := range d.Bindings {
		if c == clusterID {
			return true
		}
	}
	return false
}

// NetworkState is the coordinator identity and radio settings of the last
// successful startup. NetworkKey is hidden from API/JSON serialization.
type NetworkState struct {
	IEEEAddress  string    `json:"ieee_address"`
	ShortAddress uint16    `json:"short_address"`
	Channel      uint8     `json:"channel"`
	PanID        uint16    `json:"pan_id"`
	NetworkKey   string    `json:"-"`
	Formed       bool      `json:"formed"`
	StartedAt    time.Time `json:"started_at"`
}

// networkStateStorage is the on-disk form of NetworkState, keeping the key.
type networkStateStorage struct {
	IEEEAddress  string    `json:"ieee_address"`
	ShortAddress uint16    `json:"short_address"`
	Channel      uint8     `json:"channel"`
	PanID        uint16    `json:"pan_id"`
	NetworkKey   string    `json:"network_key,omitempty"`
	Formed       bool      `json:"formed"`
	StartedAt    time.Time `json:"started_at"`
}
