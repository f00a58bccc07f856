package ncp

import (
	"encoding/binary"
	"fmt"
)

// Coordinator endpoint (Home Automation profile, configuration tool device).
const (
	coordEndpoint  uint8  = 0x01
	coordProfileID uint16 = 0x0104
	coordDeviceID  uint16 = 0x0005
	coordDeviceVer uint8  = 0x00
	coordLatency   uint8  = 0x00
)

const (
	startupRestored   uint8 = 0x00
	startupNewNetwork uint8 = 0x01
	startupNotStarted uint8 = 0x02

	// devStateZBCoord: started as Zigbee coordinator.
	devStateZBCoord uint8 = 0x09

	bdbStatusSuccess    uint8 = 0x00
	bdbStatusInProgress uint8 = 0x01
	// BDB_COMMISSIONING_INITIALIZATION
	bdbModeInitialization uint8 = 0x00
)

// encodeAFRegister: ep(1) profile(2) device(2) ver(1) latency(1) inCount(1) outCount(1).
func encodeAFRegister() []byte {
	buf := make([]byte, 9)
	buf[0] = coordEndpoint
	binary.LittleEndian.PutUint16(buf[1:3], coordProfileID)
	binary.LittleEndian.PutUint16(buf[3:5], coordDeviceID)
	buf[5] = coordDeviceVer
	buf[6] = coordLatency
	return buf
}

// startCoordinator runs once provisioning has verified every item.
func (z *ZStack) startCoordinator() {
	z.stage = stageRegistering
	z.logger.Info("zstack coordinator starting")
	z.emit(EventCoordinatorStarting, nil)
	z.send(mtAFRegister, encodeAFRegister())
}

func (z *ZStack) fail(cmd uint16, status uint8) {
	z.stage = stageFailed
	z.logger.Error("zstack coordinator failed", "cmd", mtCmdName(cmd), "status", fmt.Sprintf("0x%02X", status))
	z.emit(EventCoordinatorFailed, StartupFailure{Command: cmd, Status: status})
}

func (z *ZStack) onAFRegister(payload []byte) {
	if z.stage != stageRegistering {
		return
	}
	status := statusByte(payload)
	if status != mtStatusSuccess && status != mtStatusDuplicateEntry {
		z.fail(mtAFRegister, status)
		return
	}
	z.stage = stageStarting
	z.send(mtZDOStartupFromApp, []byte{0x00, 0x00})
}

func (z *ZStack) onStartupFromApp(payload []byte) {
	if z.stage != stageStarting {
		return
	}
	status := statusByte(payload)
	switch status {
	case startupRestored:
		z.logger.Info("zstack network restored")
	case startupNewNetwork:
		z.logger.Info("zstack new network")
	default:
		z.fail(mtZDOStartupFromApp, status)
		return
	}
	z.stage = stageDeviceInfo
	z.send(mtUtilGetDeviceInfo, nil)
}

// onDeviceInfo: status(1) ieee(8) short(2) type(1) state(1) ...
func (z *ZStack) onDeviceInfo(payload []byte) {
	if z.stage != stageDeviceInfo {
		return
	}
	if len(payload) < 11 || payload[0] != mtStatusSuccess {
		z.fail(mtUtilGetDeviceInfo, statusByte(payload))
		return
	}
	var ieee [8]byte
	copy(ieee[:], payload[1:9])
	short := binary.LittleEndian.Uint16(payload[9:11])
	z.setLocalAddr(ieee, short)
	z.logger.Info("zstack device info", "ieee", formatIEEE(ieee), "short", fmt.Sprintf("0x%04X", short))
	z.stage = stageCommissioning

	if z.earlyBDB {
		z.earlyBDB = false
		z.commissioned(z.earlyBDBStatus)
	}
}

func (z *ZStack) onStateChange(payload []byte) {
	if len(payload) < 1 {
		return
	}
	z.netState = payload[0]
	z.logger.Info("zstack state changed", "state", z.netState)
	z.emit(EventStatusChanged, z.netState)
}

// onCommissioningNotification: status(1) mode(1) remaining(1).
func (z *ZStack) onCommissioningNotification(payload []byte) {
	if len(payload) < 2 {
		return
	}
	status, mode := payload[0], payload[1]
	z.logger.Debug("zstack commissioning notification", "status", status, "mode", mode, "state", z.netState)

	if mode != bdbModeInitialization || z.netState != devStateZBCoord {
		return
	}
	switch z.stage {
	case stageStarting, stageDeviceInfo:
		// The local address is not known yet. Held until onDeviceInfo.
		if status != bdbStatusInProgress {
			z.earlyBDB = true
			z.earlyBDBStatus = status
		}
	case stageCommissioning:
		z.commissioned(status)
	}
}

func (z *ZStack) commissioned(status uint8) {
	switch status {
	case bdbStatusSuccess:
		z.stage = stageReady
		info := z.localInfo()
		z.logger.Info("zstack coordinator ready", "ieee", formatIEEE(info.IEEEAddr))
		z.emit(EventCoordinatorReady, info)
	case bdbStatusInProgress:
	default:
		z.fail(mtAppCnfBDBCommissioningNotification, status)
	}
}

// formatIEEE renders an address most-significant byte first.
func formatIEEE(addr [8]byte) string {
	return fmt.Sprintf("%02X%02X%02X%02X%02X%02X%02X%02X",
		addr[7], addr[6], addr[5], addr[4], addr[3], addr[2], addr[1], addr[0])
}
