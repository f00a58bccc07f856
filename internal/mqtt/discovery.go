//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"sort"
	"strings"

	"zstack-go-home/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/zstack_00124B.../temperature/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers []string `json:"identifiers"`
	Name        string   `json:"name"`
	ViaDevice   string   `json:"via_device,omitempty"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	Device            haDevice `json:"device"`
}

// sensorKind describes how a measurement shows up in Home Assistant.
type sensorKind struct {
	label       string
	deviceClass string
}

var sensorKinds = map[string]sensorKind{
	"temperature":     {"Temperature", "temperature"},
	"humidity":        {"Humidity", "humidity"},
	"battery":         {"Battery", "battery"},
	"battery_voltage": {"Battery Voltage", "voltage"},
	"soil_moisture":   {"Soil Moisture", "moisture"},
}

// deviceDisplayName returns a display name for the device.
func deviceDisplayName(dev *store.Device) string {
	if dev.FriendlyName != "" {
		return dev.FriendlyName
	}
	return dev.IEEEAddress
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(ieee string) string {
	return "zstack_" + ieee
}

// deviceTopicName returns the topic name for a device (friendly name or IEEE).
func deviceTopicName(dev *store.Device) string {
	if dev.FriendlyName != "" {
		// Sanitize: lowercase and keep only safe chars for MQTT topics.
		name := strings.ToLower(dev.FriendlyName)
		name = strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
				return r
			}
			return '_'
		}, name)
		return name
	}
	return dev.IEEEAddress
}

// sensorLabel turns "soil_moisture" into "Soil Moisture" for measurements
// without a known kind.
func sensorLabel(name string) string {
	if k, ok := sensorKinds[name]; ok {
		return k.label
	}
	words := strings.Split(name, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// buildSensor generates the discovery message of one measurement.
func buildSensor(dev *store.Device, prefix, measurement, unit string) discoveryMsg {
	nodeID := deviceIdentifier(dev.IEEEAddress)
	displayName := deviceDisplayName(dev)
	payload := haDiscovery{
		Name:              displayName + " " + sensorLabel(measurement),
		UniqueID:          nodeID + "_" + measurement,
		StateTopic:        prefix + "/" + deviceTopicName(dev),
		AvailabilityTopic: prefix + "/bridge/state",
		ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", measurement),
		UnitOfMeasurement: unit,
		DeviceClass:       sensorKinds[measurement].deviceClass,
		StateClass:        "measurement",
		Device: haDevice{
			Identifiers: []string{nodeID},
			Name:        displayName,
			ViaDevice:   prefix + "_bridge",
		},
	}
	return discoveryMsg{
		Topic:   fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, measurement),
		Payload: mustJSON(payload),
	}
}

// buildDiscovery generates HA discovery messages for every measurement the
// device has reported, plus link quality.
func buildDiscovery(dev *store.Device, prefix string) []discoveryMsg {
	names := make([]string, 0, len(dev.Measurements))
	for name := range dev.Measurements {
		names = append(names, name)
	}
	sort.Strings(names)

	msgs := make([]discoveryMsg, 0, len(names)+1)
	for _, name := range names {
		msgs = append(msgs, buildSensor(dev, prefix, name, dev.Measurements[name].Unit))
	}
	// No device_class: "signal_strength" requires dB/dBm units, but LQI is unitless.
	msgs = append(msgs, buildSensor(dev, prefix, "linkquality", "lqi"))
	return msgs
}

// buildRemoveDiscovery generates empty retained messages removing the given
// measurements of a device from HA.
func buildRemoveDiscovery(ieee string, measurements []string) []discoveryMsg {
	nodeID := deviceIdentifier(ieee)
	names := append([]string{"linkquality"}, measurements...)
	msgs := make([]discoveryMsg, 0, len(names))
	for _, name := range names {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, name),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}
