package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zstack-go-home/internal/ncp"
	"zstack-go-home/internal/store"
	"zstack-go-home/internal/zcl"
)

// announceDebounce drops repeated announces of one device, which Z-Stack
// sends for both the unsecured and the secured join.
const announceDebounce = 3 * time.Second

// unknownAddrRetry is how long a short address missing from the store is
// answered from the miss cache before the store is scanned again.
const unknownAddrRetry = time.Minute

// DeviceManager handles device lifecycle (join, leave, provisioning) and
// turns incoming application frames into attribute and measurement events.
type DeviceManager struct {
	coord  *Coordinator
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lastJoinMu sync.Mutex
	lastJoin   map[string]time.Time

	// In-memory short address -> IEEE index for fast lookup.
	addrMu    sync.RWMutex
	addrIndex map[uint16]string
	misses    map[uint16]time.Time
}

// NewDeviceManager creates a new device manager.
func NewDeviceManager(coord *Coordinator) *DeviceManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &DeviceManager{
		coord:     coord,
		logger:    coord.logger.With("component", "device_manager"),
		ctx:       ctx,
		cancel:    cancel,
		lastJoin:  make(map[string]time.Time),
		addrIndex: make(map[uint16]string),
		misses:    make(map[uint16]time.Time),
	}
}

// Shutdown cancels running provisioning and waits for it.
func (dm *DeviceManager) Shutdown() {
	dm.cancel()
	dm.wg.Wait()
}

// Wait blocks until running provisioning finishes.
func (dm *DeviceManager) Wait() {
	dm.wg.Wait()
}

func (dm *DeviceManager) updateAddrIndex(ieee string, shortAddr uint16) {
	dm.addrMu.Lock()
	for addr, stored := range dm.addrIndex {
		if stored == ieee && addr != shortAddr {
			delete(dm.addrIndex, addr)
		}
	}
	dm.addrIndex[shortAddr] = ieee
	delete(dm.misses, shortAddr)
	dm.addrMu.Unlock()
}

func (dm *DeviceManager) removeFromAddrIndex(ieee string) {
	dm.addrMu.Lock()
	for addr, stored := range dm.addrIndex {
		if stored == ieee {
			delete(dm.addrIndex, addr)
		}
	}
	dm.addrMu.Unlock()
}

func (dm *DeviceManager) lookupIEEE(shortAddr uint16) string {
	dm.addrMu.RLock()
	defer dm.addrMu.RUnlock()
	return dm.addrIndex[shortAddr]
}

// RebuildAddrIndex loads all devices from store and populates the index.
func (dm *DeviceManager) RebuildAddrIndex() {
	devices, err := dm.coord.Store().ListDevices()
	if err != nil {
		dm.logger.Error("rebuild addr index", "err", err)
		return
	}
	dm.addrMu.Lock()
	clear(dm.addrIndex)
	clear(dm.misses)
	for _, d := range devices {
		if d.Left {
			continue
		}
		dm.addrIndex[d.ShortAddress] = d.IEEEAddress
	}
	dm.addrMu.Unlock()
}

// lookupOrRebuild looks up an IEEE address by short address, reloading the
// index from the store on a miss. Addresses still unknown after a reload are
// not reloaded again for unknownAddrRetry, or until the device announces.
func (dm *DeviceManager) lookupOrRebuild(shortAddr uint16) string {
	dm.addrMu.RLock()
	ieee := dm.addrIndex[shortAddr]
	missed, seen := dm.misses[shortAddr]
	dm.addrMu.RUnlock()
	if ieee != "" {
		return ieee
	}
	if seen && time.Since(missed) < unknownAddrRetry {
		return ""
	}

	dm.RebuildAddrIndex()
	ieee = dm.lookupIEEE(shortAddr)
	if ieee == "" {
		dm.addrMu.Lock()
		dm.misses[shortAddr] = time.Now()
		dm.addrMu.Unlock()
	}
	return ieee
}

// HandleAnnounce records a joined or rejoined device and provisions it.
func (dm *DeviceManager) HandleAnnounce(evt ncp.DeviceAnnounce) {
	ieee := FormatIEEE(evt.IEEEAddr)
	now := time.Now()

	dev, err := dm.coord.Store().GetDevice(ieee)
	rejoin := err == nil
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			dm.logger.Error("get device on announce", "err", err, "ieee", ieee)
			return
		}
		dev = &store.Device{IEEEAddress: ieee, JoinedAt: now}
	}
	dev.ShortAddress = evt.ShortAddr
	dev.Capability = evt.Capability
	dev.LastSeen = now
	dev.Left = false

	dm.updateAddrIndex(ieee, evt.ShortAddr)
	if err := dm.coord.Store().SaveDevice(dev); err != nil {
		dm.logger.Error("save device on announce", "err", err, "ieee", ieee)
		return
	}

	dm.logger.Info("device joined", "ieee", ieee, "short", fmt.Sprintf("0x%04X", evt.ShortAddr), "rejoin", rejoin)
	dm.coord.Events().Emit(Event{
		Type: EventDeviceJoined,
		Data: map[string]interface{}{
			"ieee":       ieee,
			"short_addr": evt.ShortAddr,
			"capability": evt.Capability,
			"rejoin":     rejoin,
		},
	})

	dm.lastJoinMu.Lock()
	if last, ok := dm.lastJoin[ieee]; ok && now.Sub(last) < announceDebounce {
		dm.lastJoinMu.Unlock()
		dm.logger.Debug("duplicate announce, provisioning already started", "ieee", ieee)
		return
	}
	dm.lastJoin[ieee] = now
	if len(dm.lastJoin) > 50 {
		for k, t := range dm.lastJoin {
			if now.Sub(t) > time.Minute {
				delete(dm.lastJoin, k)
			}
		}
	}
	dm.lastJoinMu.Unlock()

	dm.wg.Add(1)
	go dm.provision(ieee)
}

// provision binds the profile's clusters to the coordinator and configures
// reporting on them.
func (dm *DeviceManager) provision(ieee string) {
	defer dm.wg.Done()
	profile := dm.coord.config.Profile
	clusters := profile.Clusters()
	if len(clusters) == 0 {
		return
	}

	for _, cluster := range clusters {
		if dm.ctx.Err() != nil {
			return
		}
		ep := profile.EndpointFor(cluster)
		if err := dm.coord.Bind(ieee, ep, cluster); err != nil {
			dm.logger.Warn("provision: bind", "err", err, "ieee", ieee, "ep", ep, "cluster", fmt.Sprintf("0x%04X", cluster))
		}
	}

	for _, cluster := range clusters {
		if dm.ctx.Err() != nil {
			return
		}
		entries := profile.ReportingFor(cluster)
		if len(entries) == 0 {
			continue
		}
		records := make([]zcl.ConfigureReporting, len(entries))
		for i, e := range entries {
			records[i] = e.Record()
		}
		ep := profile.EndpointFor(cluster)
		if err := dm.coord.ConfigureReporting(ieee, ep, cluster, records...); err != nil {
			dm.logger.Warn("provision: reporting", "err", err, "ieee", ieee, "ep", ep, "cluster", fmt.Sprintf("0x%04X", cluster))
			continue
		}
		dm.logger.Info("reporting requested", "ieee", ieee, "ep", ep, "cluster", fmt.Sprintf("0x%04X", cluster), "attributes", len(records))
	}
}

// HandleLeave processes a leave indication. A device leaving to rejoin keeps
// its record; otherwise it is removed from the store.
func (dm *DeviceManager) HandleLeave(evt ncp.DeviceLeave) {
	ieee := FormatIEEE(evt.IEEEAddr)
	dm.logger.Info("device left", "ieee", ieee, "short", fmt.Sprintf("0x%04X", evt.ShortAddr), "rejoin", evt.Rejoin)

	dm.lastJoinMu.Lock()
	delete(dm.lastJoin, ieee)
	dm.lastJoinMu.Unlock()

	dm.removeFromAddrIndex(ieee)

	if evt.Rejoin {
		err := dm.coord.Store().UpdateDevice(ieee, func(dev *store.Device) error {
			dev.Left = true
			return nil
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			dm.logger.Error("mark device left", "err", err, "ieee", ieee)
		}
	} else if err := dm.coord.Store().DeleteDevice(ieee); err != nil {
		dm.logger.Error("delete device on leave", "err", err, "ieee", ieee)
	}

	dm.coord.Events().Emit(Event{
		Type: EventDeviceLeft,
		Data: map[string]interface{}{"ieee": ieee, "short_addr": evt.ShortAddr, "rejoin": evt.Rejoin},
	})
}

// HandleMessage decodes an incoming application frame and emits one
// attribute_report per reported attribute plus a measurement for each
// attribute with a known scale.
func (dm *DeviceManager) HandleMessage(msg ncp.IncomingMessage) {
	ieee := dm.lookupOrRebuild(msg.SrcAddr)

	zmsg, err := dm.coord.decoder.Decode(msg.SrcEndpoint, msg.ClusterID, msg.Data)
	if zmsg == nil {
		dm.logger.Debug("undecodable frame", "err", err, "short", fmt.Sprintf("0x%04X", msg.SrcAddr),
			"cluster", fmt.Sprintf("0x%04X", msg.ClusterID), "data", fmt.Sprintf("%X", msg.Data))
		return
	}
	if err != nil {
		dm.logger.Warn("report partially decoded", "err", err, "ieee", ieee, "cluster", fmt.Sprintf("0x%04X", msg.ClusterID))
	}

	now := time.Now()
	if ieee != "" {
		readings := make(map[string]store.Measurement)
		for _, a := range zmsg.Attributes {
			if a.Measured == nil {
				continue
			}
			readings[a.Measured.Name] = store.Measurement{
				Value:     a.Measured.Value,
				Unit:      a.Measured.Unit,
				Endpoint:  msg.SrcEndpoint,
				ClusterID: msg.ClusterID,
				UpdatedAt: now,
			}
		}
		if err := dm.coord.Store().RecordMeasurements(ieee, now, msg.LinkQuality, readings); err != nil {
			dm.logger.Error("record measurements", "err", err, "ieee", ieee)
		}
	} else {
		dm.logger.Debug("message from unknown device", "short", fmt.Sprintf("0x%04X", msg.SrcAddr))
	}

	clusterName := fmt.Sprintf("0x%04X", msg.ClusterID)
	if c := dm.coord.Registry().Get(msg.ClusterID); c != nil {
		clusterName = c.Name
	}

	for _, a := range zmsg.Attributes {
		attrName := a.Name
		if attrName == "" {
			attrName = fmt.Sprintf("0x%04X", a.ID)
		}
		dm.logger.Debug("attribute report", "ieee", ieee, "cluster", clusterName, "attr", attrName, "value", a.Value)
		dm.coord.Events().Emit(Event{
			Type: EventAttributeReport,
			Data: map[string]interface{}{
				"ieee":         ieee,
				"short_addr":   msg.SrcAddr,
				"endpoint":     msg.SrcEndpoint,
				"cluster":      msg.ClusterID,
				"cluster_name": clusterName,
				"attribute":    a.ID,
				"attr_name":    attrName,
				"type":         a.Type,
				"value":        a.Value,
			},
		})
		if a.Measured == nil {
			continue
		}
		dm.logger.Info("measurement", "ieee", ieee, "name", a.Measured.Name, "value", a.Measured.Value, "unit", a.Measured.Unit)
		dm.coord.Events().Emit(Event{
			Type: EventMeasurement,
			Data: map[string]interface{}{
				"ieee":     ieee,
				"endpoint": msg.SrcEndpoint,
				"cluster":  msg.ClusterID,
				"name":     a.Measured.Name,
				"value":    a.Measured.Value,
				"unit":     a.Measured.Unit,
			},
		})
	}

	if len(zmsg.ReportingStatus) > 0 {
		ok := true
		for _, s := range zmsg.ReportingStatus {
			if s.Status != zcl.ZCLStatusSuccess {
				ok = false
				dm.logger.Warn("reporting not configured", "ieee", ieee, "cluster", clusterName,
					"attr", fmt.Sprintf("0x%04X", s.AttrID), "status", s.Status)
			}
		}
		dm.coord.Events().Emit(Event{
			Type: EventReporting,
			Data: map[string]interface{}{
				"ieee":    ieee,
				"cluster": msg.ClusterID,
				"ok":      ok,
				"records": zmsg.ReportingStatus,
			},
		})
	}
}

// ListDevices returns all known devices.
func (dm *DeviceManager) ListDevices() ([]*store.Device, error) {
	return dm.coord.Store().ListDevices()
}

// GetDevice returns a device by IEEE address.
func (dm *DeviceManager) GetDevice(ieee string) (*store.Device, error) {
	return dm.coord.Store().GetDevice(ieee)
}

// Measurement returns the last reading of name from a device.
func (dm *DeviceManager) Measurement(ieee, name string) (store.Measurement, error) {
	return dm.coord.Store().Measurement(ieee, name)
}

// MeasuredDevices returns the devices on the network that report measurements.
func (dm *DeviceManager) MeasuredDevices() ([]*store.Device, error) {
	return dm.coord.Store().MeasuredDevices()
}

// RenameDevice sets a device's friendly name.
func (dm *DeviceManager) RenameDevice(ieee, name string) error {
	return dm.coord.Store().UpdateDevice(ieee, func(dev *store.Device) error {
		dev.FriendlyName = name
		return nil
	})
}

// RemoveDevice forgets a device. The device itself is not told to leave.
func (dm *DeviceManager) RemoveDevice(ieee string) error {
	if _, err := dm.coord.Store().GetDevice(ieee); err != nil {
		return err
	}
	dm.removeFromAddrIndex(ieee)
	if err := dm.coord.Store().DeleteDevice(ieee); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	dm.coord.Events().Emit(Event{Type: EventDeviceLeft, Data: map[string]interface{}{"ieee": ieee}})
	return nil
}
