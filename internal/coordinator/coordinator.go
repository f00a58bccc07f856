package coordinator

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"zstack-go-home/internal/ncp"
	"zstack-go-home/internal/store"
	"zstack-go-home/internal/zcl"
)

// Coordinator states reported in network_state events.
const (
	StateIdle         = "idle"
	StateProvisioning = "provisioning"
	StateStarting     = "starting"
	StateReady        = "ready"
	StateFailed       = "failed"
)

// ErrNotReady is returned by requests issued before the network is up.
var ErrNotReady = errors.New("coordinator: network not ready")

// Config holds coordinator configuration.
type Config struct {
	Channel           uint8
	PanID             uint16
	NetworkKey        [16]byte
	PermitJoinOnStart bool
	// MaxConfigRetries bounds the resets issued after provisioning failures.
	MaxConfigRetries int
	Profile          Profile
}

// ParseIEEE parses "DD:DD:DD:DD:DD:DD:DD:DD" or "DDDDDDDDDDDDDDDD", written
// most significant byte first, into over-the-air (little-endian) order.
func ParseIEEE(s string) ([8]byte, error) {
	var result [8]byte
	s = strings.ReplaceAll(s, ":", "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return result, fmt.Errorf("parse ieee address: %w", err)
	}
	if len(b) != 8 {
		return result, fmt.Errorf("ieee address must be 8 bytes, got %d", len(b))
	}
	for i := range b {
		result[7-i] = b[i]
	}
	return result, nil
}

// FormatIEEE is the inverse of ParseIEEE.
func FormatIEEE(addr [8]byte) string {
	var b [8]byte
	for i := range addr {
		b[7-i] = addr[i]
	}
	return strings.ToUpper(hex.EncodeToString(b[:]))
}

// Coordinator turns driver events into device bookkeeping and application
// events, and provisions devices as they join.
type Coordinator struct {
	ncp      ncp.NCP
	store    store.Store
	registry *zcl.Registry
	decoder  *zcl.Decoder
	events   *EventBus
	devices  *DeviceManager
	logger   *slog.Logger
	config   Config

	mu         sync.RWMutex
	state      string
	netState   uint8
	localIEEE  [8]byte
	shortAddr  uint16
	permitJoin bool
	// Network formed by an earlier run, nil if none was saved.
	lastNetwork *store.NetworkState

	retries  atomic.Int32
	transSeq atomic.Uint32
	zclSeq   atomic.Uint32

	bindMu       sync.Mutex
	pendingBinds map[uint16][]pendingBind
}

// New creates a Coordinator driving backend. The backend's event sink must
// forward to HandleEvent.
func New(backend ncp.NCP, st store.Store, registry *zcl.Registry, events *EventBus, cfg Config, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		ncp:          backend,
		store:        st,
		registry:     registry,
		decoder:      zcl.NewDecoder(registry),
		events:       events,
		logger:       logger,
		config:       cfg,
		state:        StateIdle,
		pendingBinds: make(map[uint16][]pendingBind),
	}
	c.devices = NewDeviceManager(c)
	c.devices.RebuildAddrIndex()
	return c
}

// Start opens the driver: the radio is reset and provisioning begins.
// Readiness is reported asynchronously by a network_state event.
func (c *Coordinator) Start() error {
	c.logger.Info("starting coordinator", "channel", c.config.Channel, "panID", fmt.Sprintf("0x%04X", c.config.PanID))
	c.loadLastNetwork()
	c.setState(StateProvisioning)
	if err := c.ncp.Start(); err != nil {
		c.setState(StateFailed)
		return fmt.Errorf("ncp start: %w", err)
	}
	return nil
}

// Stop closes the driver and waits for running device provisioning.
func (c *Coordinator) Stop() error {
	c.devices.Shutdown()
	return c.ncp.Close()
}

// Clear erases the radio's network configuration and provisions it again.
func (c *Coordinator) Clear() error {
	c.logger.Warn("clearing radio configuration")
	c.retries.Store(0)
	if err := c.ncp.Clear(); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	c.setState(StateProvisioning)
	return nil
}

// HandleEvent implements ncp.EventSink.
func (c *Coordinator) HandleEvent(e ncp.Event) {
	switch e.Kind {
	case ncp.EventResetDetected:
		info, _ := e.Data.(ncp.ResetInfo)
		c.logger.Info("radio reset", "reason", info.Reason,
			"version", fmt.Sprintf("%d.%d", info.MajorRel, info.MinorRel), "product", info.ProductID)
		c.mu.Lock()
		c.netState = 0
		c.mu.Unlock()
		c.setState(StateProvisioning)

	case ncp.EventConfigurationMismatch:
		item, _ := e.Data.(ncp.ConfigItem)
		c.logger.Info("radio configuration differs", "item", fmt.Sprintf("0x%04X", item.ID))

	case ncp.EventConfigurationUpdated:
		c.logger.Info("radio configuration written")

	case ncp.EventConfigurationFailed:
		item, _ := e.Data.(ncp.ConfigItem)
		n := int(c.retries.Add(1))
		if n > c.config.MaxConfigRetries {
			c.logger.Error("radio configuration failed, giving up",
				"item", fmt.Sprintf("0x%04X", item.ID), "status", item.Status, "attempts", n)
			c.setState(StateFailed)
			return
		}
		c.logger.Warn("radio configuration failed, resetting",
			"item", fmt.Sprintf("0x%04X", item.ID), "status", item.Status, "attempt", n)
		if err := c.ncp.Reset(); err != nil {
			c.logger.Error("reset after configuration failure", "err", err)
			c.setState(StateFailed)
		}

	case ncp.EventCoordinatorStarting:
		c.setState(StateStarting)

	case ncp.EventCoordinatorReady:
		info, _ := e.Data.(ncp.CoordinatorInfo)
		c.onReady(info)

	case ncp.EventCoordinatorFailed:
		f, _ := e.Data.(ncp.StartupFailure)
		c.logger.Error("coordinator startup failed", "command", fmt.Sprintf("0x%04X", f.Command), "status", f.Status)
		c.setState(StateFailed)

	case ncp.EventStatusChanged:
		st, _ := e.Data.(uint8)
		c.mu.Lock()
		c.netState = st
		c.mu.Unlock()
		c.logger.Debug("radio state changed", "state", st)
		c.emitNetworkState()

	case ncp.EventPermitJoinChanged, ncp.EventPermitJoinFailed:
		r, _ := e.Data.(ncp.PermitJoinResult)
		ok := e.Kind == ncp.EventPermitJoinChanged
		if ok {
			c.mu.Lock()
			c.permitJoin = r.Enabled
			c.mu.Unlock()
			c.logger.Info("permit join", "enabled", r.Enabled)
		} else {
			c.logger.Warn("permit join rejected", "enabled", r.Enabled, "status", r.Status)
		}
		c.events.Emit(Event{Type: EventPermitJoin, Data: map[string]interface{}{
			"enabled": r.Enabled,
			"ok":      ok,
			"status":  r.Status,
		}})

	case ncp.EventRequestEnqueued, ncp.EventRequestFailed:
		s, _ := e.Data.(ncp.RequestStatus)
		stage := "enqueued"
		if e.Kind == ncp.EventRequestFailed {
			stage = "failed"
			c.logger.Warn("data request rejected", "status", s.Status)
		}
		c.events.Emit(Event{Type: EventRequest, Data: map[string]interface{}{"stage": stage, "status": s.Status}})

	case ncp.EventRequestFinished:
		dc, _ := e.Data.(ncp.DataConfirm)
		if dc.Status != 0 {
			c.logger.Warn("data request not delivered", "transaction", dc.TransactionID, "status", dc.Status)
		}
		c.events.Emit(Event{Type: EventRequest, Data: map[string]interface{}{
			"stage":       "finished",
			"status":      dc.Status,
			"endpoint":    dc.Endpoint,
			"transaction": dc.TransactionID,
		}})

	case ncp.EventBindEnqueued:
		c.logger.Debug("bind request enqueued")

	case ncp.EventBindFailed:
		s, _ := e.Data.(ncp.RequestStatus)
		c.logger.Warn("bind request rejected", "status", s.Status)
		c.events.Emit(Event{Type: EventBind, Data: map[string]interface{}{"ok": false, "status": s.Status}})

	case ncp.EventBindFinished:
		r, _ := e.Data.(ncp.BindResponse)
		c.onBindResponse(r)

	case ncp.EventDeviceJoinedNetwork:
		a, _ := e.Data.(ncp.DeviceAnnounce)
		c.devices.HandleAnnounce(a)

	case ncp.EventDeviceLeftNetwork:
		l, _ := e.Data.(ncp.DeviceLeave)
		c.devices.HandleLeave(l)

	case ncp.EventMessageReceived:
		m, _ := e.Data.(ncp.IncomingMessage)
		c.devices.HandleMessage(m)

	default:
		c.logger.Debug("unhandled driver event", "kind", e.Kind.String())
	}
}

func (c *Coordinator) onReady(info ncp.CoordinatorInfo) {
	c.retries.Store(0)
	c.mu.Lock()
	c.localIEEE = info.IEEEAddr
	c.shortAddr = info.ShortAddr
	c.mu.Unlock()

	ieee := FormatIEEE(info.IEEEAddr)
	c.logger.Info("coordinator ready", "ieee", ieee, "short", fmt.Sprintf("0x%04X", info.ShortAddr))
	ns := &store.NetworkState{
		IEEEAddress:  ieee,
		ShortAddress: info.ShortAddr,
		Channel:      c.config.Channel,
		PanID:        c.config.PanID,
		NetworkKey:   hex.EncodeToString(c.config.NetworkKey[:]),
		Formed:       true,
		StartedAt:    time.Now(),
	}
	if err := c.store.SaveNetworkState(ns); err != nil {
		c.logger.Error("save network state", "err", err)
	}
	c.mu.Lock()
	c.lastNetwork = ns
	c.mu.Unlock()
	c.setState(StateReady)

	if c.config.PermitJoinOnStart {
		if err := c.ncp.PermitJoin(true); err != nil {
			c.logger.Error("permit join on start", "err", err)
		}
	}
}

// loadLastNetwork reads the network saved by the previous startup. The radio
// restores that network from its own storage, so new channel, PAN or key
// settings take effect only after a clear.
func (c *Coordinator) loadLastNetwork() {
	ns, err := c.store.GetNetworkState()
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		c.logger.Warn("load network state", "err", err)
		return
	}
	c.mu.Lock()
	c.lastNetwork = ns
	c.mu.Unlock()

	if diff := c.networkDiff(ns); len(diff) > 0 {
		c.logger.Warn("configured network differs from the one the radio formed; run clear to apply it",
			"changed", strings.Join(diff, ","),
			"stored_channel", ns.Channel, "stored_pan_id", fmt.Sprintf("0x%04X", ns.PanID))
	}
}

// networkDiff names the radio settings that changed since ns was saved.
func (c *Coordinator) networkDiff(ns *store.NetworkState) []string {
	var diff []string
	if ns.Channel != c.config.Channel {
		diff = append(diff, "channel")
	}
	if ns.PanID != c.config.PanID {
		diff = append(diff, "pan_id")
	}
	if ns.NetworkKey != "" && ns.NetworkKey != hex.EncodeToString(c.config.NetworkKey[:]) {
		diff = append(diff, "network_key")
	}
	return diff
}

func (c *Coordinator) setState(s string) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.emitNetworkState()
	}
}

func (c *Coordinator) emitNetworkState() {
	c.mu.RLock()
	data := map[string]interface{}{"state": c.state, "device_state": c.netState}
	c.mu.RUnlock()
	c.events.Emit(Event{Type: EventNetworkState, Data: data})
}

// State returns the coordinator state.
func (c *Coordinator) State() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Ready reports whether the network is up.
func (c *Coordinator) Ready() bool {
	return c.State() == StateReady
}

// PermitJoin opens or closes the network for device joining. The outcome is
// reported by a permit_join event.
func (c *Coordinator) PermitJoin(enabled bool) error {
	if !c.Ready() {
		return ErrNotReady
	}
	if err := c.ncp.PermitJoin(enabled); err != nil {
		return fmt.Errorf("permit join: %w", err)
	}
	return nil
}

// PermitJoinEnabled reports the last acknowledged permit-join state.
func (c *Coordinator) PermitJoinEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.permitJoin
}

// LocalIEEE returns the coordinator's own IEEE address.
func (c *Coordinator) LocalIEEE() [8]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.localIEEE
}

// NetworkInfo returns current network information.
func (c *Coordinator) NetworkInfo() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info := map[string]interface{}{
		"state":            c.state,
		"device_state":     c.netState,
		"channel":          c.config.Channel,
		"pan_id":           fmt.Sprintf("0x%04X", c.config.PanID),
		"coordinator_ieee": FormatIEEE(c.localIEEE),
		"short_addr":       fmt.Sprintf("0x%04X", c.shortAddr),
		"permit_join":      c.permitJoin,
	}
	if ns := c.lastNetwork; ns != nil {
		info["last_network"] = map[string]interface{}{
			"ieee":       ns.IEEEAddress,
			"channel":    ns.Channel,
			"pan_id":     fmt.Sprintf("0x%04X", ns.PanID),
			"started_at": ns.StartedAt,
		}
		info["config_changed"] = len(c.networkDiff(ns)) > 0
		// Until startup reads it back, the saved address is the best known.
		if c.state != StateReady {
			info["coordinator_ieee"] = ns.IEEEAddress
			info["short_addr"] = fmt.Sprintf("0x%04X", ns.ShortAddress)
		}
	}
	return info
}

func (c *Coordinator) nextTransaction() uint8 {
	return uint8(c.transSeq.Add(1))
}

func (c *Coordinator) nextZCLSeq() uint8 {
	return uint8(c.zclSeq.Add(1))
}

// NCP returns the underlying NCP backend.
func (c *Coordinator) NCP() ncp.NCP {
	return c.ncp
}

// Store returns the store.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// Registry returns the ZCL registry.
func (c *Coordinator) Registry() *zcl.Registry {
	return c.registry
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Devices returns the device manager.
func (c *Coordinator) Devices() *DeviceManager {
	return c.devices
}
