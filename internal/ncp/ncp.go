// Package ncp drives a Zigbee network co-processor over its serial protocol.
// Backend: TI Z-Stack (MT protocol over UART).
package ncp

import (
	"errors"
	"fmt"
)

// NCP is the abstract interface for a Zigbee NCP device.
type NCP interface {
	// Lifecycle
	Start() error
	Close() error

	// Network management
	Reset() error
	Clear() error
	PermitJoin(enabled bool) error
	LocalIEEE() [8]byte

	// Requests. Completions arrive as events.
	DataRequest(req DataRequest) error
	BindRequest(req BindRequest) error
}

// Transport is the byte stream to the radio. Read must return within a
// bounded time; (0, nil) means no data arrived before the timeout.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// HardwareResetter is implemented by transports that can pulse the radio's
// reset line. Without it, or when HardwareReset returns ErrNoResetLine, the
// driver falls back to SYS_RESET_REQ.
type HardwareResetter interface {
	HardwareReset() error
}

var (
	// ErrClosed is returned by operations on a closed driver.
	ErrClosed = errors.New("ncp: closed")
	// ErrNoResetLine reports a transport without a usable reset line.
	ErrNoResetLine = errors.New("ncp: no reset line")
)

// EventKind identifies a driver event. The set is closed.
type EventKind uint8

const (
	EventResetDetected EventKind = iota + 1
	EventConfigurationMismatch
	EventConfigurationFailed
	EventConfigurationUpdated
	EventCoordinatorStarting
	EventCoordinatorReady
	EventCoordinatorFailed
	EventStatusChanged
	EventPermitJoinChanged
	EventPermitJoinFailed
	EventRequestEnqueued
	EventRequestFailed
	EventRequestFinished
	EventBindEnqueued
	EventBindFailed
	EventBindFinished
	EventDeviceJoinedNetwork
	EventDeviceLeftNetwork
	EventMessageReceived
)

var eventKindNames = map[EventKind]string{
	EventResetDetected:         "reset_detected",
	EventConfigurationMismatch: "configuration_mismatch",
	EventConfigurationFailed:   "configuration_failed",
	EventConfigurationUpdated:  "configuration_updated",
	EventCoordinatorStarting:   "coordinator_starting",
	EventCoordinatorReady:      "coordinator_ready",
	EventCoordinatorFailed:     "coordinator_failed",
	EventStatusChanged:         "status_changed",
	EventPermitJoinChanged:     "permit_join_changed",
	EventPermitJoinFailed:      "permit_join_failed",
	EventRequestEnqueued:       "request_enqueued",
	EventRequestFailed:         "request_failed",
	EventRequestFinished:       "request_finished",
	EventBindEnqueued:          "bind_enqueued",
	EventBindFailed:            "bind_failed",
	EventBindFinished:          "bind_finished",
	EventDeviceJoinedNetwork:   "device_joined_network",
	EventDeviceLeftNetwork:     "device_left_network",
	EventMessageReceived:       "message_received",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// Event is delivered to the EventSink. Data holds the payload type listed
// next to each kind:
//
//	ResetDetected               ResetInfo
//	ConfigurationMismatch       ConfigItem
//	ConfigurationFailed         ConfigItem
//	ConfigurationUpdated        nil
//	CoordinatorStarting         nil
//	CoordinatorReady            CoordinatorInfo
//	CoordinatorFailed           StartupFailure
//	StatusChanged               uint8 (device state)
//	PermitJoinChanged/Failed    PermitJoinResult
//	RequestEnqueued/Failed      RequestStatus
//	RequestFinished             DataConfirm
//	BindEnqueued/Failed         RequestStatus
//	BindFinished                BindResponse
//	DeviceJoinedNetwork         DeviceAnnounce
//	DeviceLeftNetwork           DeviceLeave
//	MessageReceived             IncomingMessage
type Event struct {
	Kind EventKind
	Data interface{}
}

// EventSink receives driver events synchronously on the read goroutine.
// It must not block for long.
type EventSink interface {
	HandleEvent(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// HandleEvent calls f(e).
func (f EventSinkFunc) HandleEvent(e Event) { f(e) }

// ResetInfo is the SYS_RESET_IND payload.
type ResetInfo struct {
	Reason       uint8 `json:"reason"`
	TransportRev uint8 `json:"transport_rev"`
	ProductID    uint8 `json:"product_id"`
	MajorRel     uint8 `json:"major_rel"`
	MinorRel     uint8 `json:"minor_rel"`
	HwRev        uint8 `json:"hw_rev"`
}

// ConfigItem names the NV item a provisioning event refers to.
type ConfigItem struct {
	ID     uint16 `json:"id"`
	Status uint8  `json:"status"`
}

// CoordinatorInfo is reported when the network is up.
type CoordinatorInfo struct {
	IEEEAddr  [8]byte `json:"ieee_addr"`
	ShortAddr uint16  `json:"short_addr"`
}

// StartupFailure reports which startup step failed.
type StartupFailure struct {
	Command uint16 `json:"command"`
	Status  uint8  `json:"status"`
}

// PermitJoinResult is the acknowledgement of a permit-join request.
type PermitJoinResult struct {
	Enabled bool  `json:"enabled"`
	Status  uint8 `json:"status"`
}

// RequestStatus is the local-queuing acknowledgement of a data or bind request.
type RequestStatus struct {
	Status uint8 `json:"status"`
}

// DataConfirm is the final outcome of a data request.
type DataConfirm struct {
	Status        uint8 `json:"status"`
	Endpoint      uint8 `json:"endpoint"`
	TransactionID uint8 `json:"transaction_id"`
}

// BindResponse is the final outcome of a bind request.
type BindResponse struct {
	ShortAddr uint16 `json:"short_addr"`
	Status    uint8  `json:"status"`
}

// DeviceAnnounce is emitted when a device joins or rejoins.
type DeviceAnnounce struct {
	SrcAddr    uint16  `json:"src_addr"`
	ShortAddr  uint16  `json:"short_addr"`
	IEEEAddr   [8]byte `json:"ieee_addr"`
	Capability uint8   `json:"capability"`
}

// DeviceLeave is emitted when a device leaves.
type DeviceLeave struct {
	ShortAddr uint16  `json:"short_addr"`
	IEEEAddr  [8]byte `json:"ieee_addr"`
	Request   bool    `json:"request"`
	Remove    bool    `json:"remove"`
	Rejoin    bool    `json:"rejoin"`
}

// IncomingMessage is an application frame received by the coordinator endpoint.
type IncomingMessage struct {
	GroupID       uint16 `json:"group_id"`
	ClusterID     uint16 `json:"cluster_id"`
	SrcAddr       uint16 `json:"src_addr"`
	SrcEndpoint   uint8  `json:"src_endpoint"`
	DstEndpoint   uint8  `json:"dst_endpoint"`
	WasBroadcast  bool   `json:"was_broadcast"`
	LinkQuality   uint8  `json:"link_quality"`
	SecurityUse   bool   `json:"security_use"`
	Timestamp     uint32 `json:"timestamp"`
	TransactionID uint8  `json:"transaction_id"`
	Data          []byte `json:"data"`
}

// DataRequest is a unicast AF data request.
type DataRequest struct {
	TransactionID uint8
	DstAddr       uint16
	DstEndpoint   uint8
	ClusterID     uint16
	Payload       []byte
}

// BindRequest binds a remote cluster to the coordinator endpoint.
type BindRequest struct {
	TargetShortAddr uint16
	SrcIEEE         [8]byte
	SrcEndpoint     uint8
	ClusterID       uint16
}
