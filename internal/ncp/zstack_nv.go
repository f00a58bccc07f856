package ncp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// NV item ids (ZCD_NV_*).
const (
	nvStartupOption    uint16 = 0x0003
	nvMarker           uint16 = 0x0060
	nvPreCfgKey        uint16 = 0x0062
	nvPreCfgKeysEnable uint16 = 0x0063
	nvPanID            uint16 = 0x0083
	nvChanList         uint16 = 0x0084
	nvLogicalType      uint16 = 0x0087
	nvZDODirectCB      uint16 = 0x008F
)

const (
	nvMarkerValue        = 0x42
	nvMaxItemLen         = 16
	nvLogicalCoordinator = 0x00
	// clear config and network state on next boot
	nvStartupClearAll    = 0x03
)

// DefaultNetworkKey is the pre-configured key used when none is configured.
var DefaultNetworkKey = [16]byte{
	0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07,
	0x08, 0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F,
}

// NVItem is one entry of the configuration table.
type NVItem struct {
	ID    uint16
	Value []byte
}

// ConfigTable is the ordered list of NV items provisioned on the radio. The
// marker item comes first. A zero ID terminates the table.
type ConfigTable []NVItem

// DefaultConfigTable builds the coordinator configuration for a channel
// (11-26) and PAN id.
func DefaultConfigTable(channel uint8, panID uint16, key [16]byte) (ConfigTable, error) {
	if channel < 11 || channel > 26 {
		return nil, fmt.Errorf("ncp: channel %d out of range 11-26", channel)
	}
	pan := make([]byte, 2)
	binary.LittleEndian.PutUint16(pan, panID)
	mask := make([]byte, 4)
	binary.LittleEndian.PutUint32(mask, 1<<channel)

	return ConfigTable{
		{ID: nvMarker, Value: []byte{nvMarkerValue}},
		{ID: nvPreCfgKey, Value: key[:]},
		{ID: nvPreCfgKeysEnable, Value: []byte{0x01}},
		{ID: nvPanID, Value: pan},
		{ID: nvChanList, Value: mask},
		{ID: nvLogicalType, Value: []byte{nvLogicalCoordinator}},
		{ID: nvZDODirectCB, Value: []byte{0x01}},
		{ID: 0},
	}, nil
}

// validate checks the table shape: non-empty, terminated, items within 16 bytes.
func (t ConfigTable) validate() error {
	if len(t) == 0 || t[len(t)-1].ID != 0 {
		return fmt.Errorf("ncp: config table must end with a zero id")
	}
	for i, item := range t[:len(t)-1] {
		if item.ID == 0 {
			return fmt.Errorf("ncp: config table item %d has zero id", i)
		}
		if len(item.Value) == 0 || len(item.Value) > nvMaxItemLen {
			return fmt.Errorf("ncp: nv item 0x%04X length %d not in 1-%d", item.ID, len(item.Value), nvMaxItemLen)
		}
	}
	return nil
}

// clone deep-copies the table so callers cannot mutate the driver's copy.
func (t ConfigTable) clone() ConfigTable {
	out := make(ConfigTable, len(t))
	for i, item := range t {
		out[i] = NVItem{ID: item.ID, Value: append([]byte(nil), item.Value...)}
	}
	return out
}

// --- Payload builders ---

// encodeNVItemInit: id(2) itemLen(2) initLen(1) initData.
func encodeNVItemInit(id uint16, itemLen uint16, init []byte) []byte {
	buf := make([]byte, 5, 5+len(init))
	binary.LittleEndian.PutUint16(buf[0:2], id)
	binary.LittleEndian.PutUint16(buf[2:4], itemLen)
	buf[4] = byte(len(init))
	return append(buf, init...)
}

// encodeNVRead: id(2) offset(1).
func encodeNVRead(id uint16) []byte {
	buf := make([]byte, 3)
	binary.LittleEndian.PutUint16(buf[0:2], id)
	return buf
}

// encodeNVWrite: id(2) offset(1) len(1) value.
func encodeNVWrite(id uint16, value []byte) []byte {
	buf := make([]byte, 4, 4+len(value))
	binary.LittleEndian.PutUint16(buf[0:2], id)
	buf[3] = byte(len(value))
	return append(buf, value...)
}

// --- NV provisioning state machine (read goroutine only) ---

// onResetInd starts provisioning over from the first item.
func (z *ZStack) onResetInd(payload []byte) {
	var info ResetInfo
	if len(payload) >= 6 {
		info = ResetInfo{
			Reason:       payload[0],
			TransportRev: payload[1],
			ProductID:    payload[2],
			MajorRel:     payload[3],
			MinorRel:     payload[4],
			HwRev:        payload[5],
		}
	}
	z.logger.Info("zstack reset detected", "reason", info.Reason,
		"version", fmt.Sprintf("%d.%d", info.MajorRel, info.MinorRel))

	z.cursor = 0
	z.stage = stageProvisioning
	z.netState = 0
	z.earlyBDB = false
	z.dropNVWrites()
	z.emit(EventResetDetected, info)

	if z.clearFlag.CompareAndSwap(true, false) {
		z.logger.Info("zstack recreating nv marker")
		z.send(mtSysOsalNVItemInit, encodeNVItemInit(nvMarker, 1, []byte{nvMarkerValue}))
		return
	}
	z.readCurrentItem()
}

func (z *ZStack) onNVItemInit(payload []byte) {
	status := statusByte(payload)
	if status != mtStatusSuccess && status != mtStatusNVItemCreated {
		z.logger.Error("zstack nv item init failed", "item", fmt.Sprintf("0x%04X", nvMarker), "status", status)
		z.emit(EventConfigurationFailed, ConfigItem{ID: nvMarker, Status: status})
		return
	}
	z.logger.Info("zstack nv storage initialised, resetting")
	z.hardReset()
}

func (z *ZStack) onNVRead(payload []byte) {
	if z.stage != stageProvisioning || z.cursor >= len(z.table)-1 {
		return
	}
	item := z.table[z.cursor]

	if !nvReadMatches(payload, item.Value) {
		z.logger.Warn("zstack nv item mismatch", "item", fmt.Sprintf("0x%04X", item.ID), "payload", fmt.Sprintf("%X", payload))
		z.emit(EventConfigurationMismatch, ConfigItem{ID: item.ID, Status: statusByte(payload)})
		z.writing = true
		z.sendNVWrite(item.ID, item.Value)
		return
	}

	z.cursor++
	if z.table[z.cursor].ID == 0 {
		z.logger.Info("zstack nv configuration verified", "items", z.cursor)
		z.startCoordinator()
		return
	}
	z.readCurrentItem()
}

// nvReadMatches compares a read response status(1) len(1) value to want.
func nvReadMatches(payload, want []byte) bool {
	if len(payload) < 2 || payload[0] != mtStatusSuccess {
		return false
	}
	n := int(payload[1])
	if n != len(want) || len(payload) < 2+n {
		return false
	}
	return bytes.Equal(payload[2:2+n], want)
}

func (z *ZStack) onNVWrite(payload []byte) {
	status := statusByte(payload)
	byClear, clearQueued := z.nextNVAck()

	if byClear {
		z.writing = false
		if status != mtStatusSuccess {
			z.clearFlag.Store(false)
			z.logger.Error("zstack clear failed", "status", status)
			z.emit(EventConfigurationFailed, ConfigItem{ID: nvStartupOption, Status: status})
			return
		}
		z.logger.Info("zstack startup option cleared, resetting")
		z.hardReset()
		return
	}

	if !z.writing || z.cursor >= len(z.table)-1 {
		return
	}
	item := z.table[z.cursor]
	if status != mtStatusSuccess {
		z.logger.Error("zstack nv write failed", "item", fmt.Sprintf("0x%04X", item.ID), "status", status)
		z.emit(EventConfigurationFailed, ConfigItem{ID: item.ID, Status: status})
		return
	}
	if clearQueued {
		// The clear write resets the radio when it is acknowledged.
		z.writing = false
		z.logger.Info("zstack nv writes stopped for clear", "item", fmt.Sprintf("0x%04X", item.ID))
		return
	}

	z.cursor++
	if z.table[z.cursor].ID == 0 {
		z.writing = false
		z.logger.Info("zstack nv configuration updated, resetting")
		z.emit(EventConfigurationUpdated, nil)
		z.hardReset()
		return
	}
	next := z.table[z.cursor]
	z.sendNVWrite(next.ID, next.Value)
}

// writeNV writes an item and queues the owner of its acknowledgement.
func (z *ZStack) writeNV(id uint16, value []byte, byClear bool) error {
	z.nvMu.Lock()
	defer z.nvMu.Unlock()
	if err := z.writeFrame(mtSysOsalNVWrite, encodeNVWrite(id, value)); err != nil {
		return err
	}
	z.nvWrites = append(z.nvWrites, byClear)
	return nil
}

func (z *ZStack) sendNVWrite(id uint16, value []byte) {
	if err := z.writeNV(id, value, false); err != nil && !errors.Is(err, ErrClosed) {
		z.logger.Error("zstack send failed", "cmd", mtCmdName(mtSysOsalNVWrite), "err", err)
	}
}

// nextNVAck pops the oldest outstanding write. clearQueued reports whether
// a write issued by Clear is still waiting behind it.
func (z *ZStack) nextNVAck() (byClear, clearQueued bool) {
	z.nvMu.Lock()
	defer z.nvMu.Unlock()
	if len(z.nvWrites) == 0 {
		return false, false
	}
	byClear = z.nvWrites[0]
	z.nvWrites = z.nvWrites[1:]
	for _, c := range z.nvWrites {
		clearQueued = clearQueued || c
	}
	return byClear, clearQueued
}

// dropNVWrites forgets writes a reset has discarded.
func (z *ZStack) dropNVWrites() {
	z.nvMu.Lock()
	z.nvWrites = nil
	z.nvMu.Unlock()
}

func (z *ZStack) readCurrentItem() {
	z.writing = false
	z.send(mtSysOsalNVRead, encodeNVRead(z.table[z.cursor].ID))
}

func statusByte(payload []byte) uint8 {
	if len(payload) == 0 {
		return mtStatusFailure
	}
	return payload[0]
}
