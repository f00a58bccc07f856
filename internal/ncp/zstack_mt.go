package ncp

// Z-Stack MT (Monitor/Test) serial protocol: frame codec and command codes.
// Frame: SOF(0xFE) | len | cmd0 | cmd1 | payload[len] | FCS
// FCS is the XOR of len, cmd0, cmd1 and every payload byte.

import (
	"errors"
	"fmt"
)

const (
	mtSOF           = 0xFE
	mtHeaderSize    = 4 // SOF + len + cmd(2)
	mtFrameOverhead = 5 // header + FCS
	mtMaxPayload    = 0xFF
)

// mtDirectionBit is toggled on SRSP codes (0x6xxx) to fold them onto the SREQ
// code (0x2xxx). AREQ codes (0x4xxx) are left alone.
const (
	mtSyncBit      uint16 = 0x2000
	mtDirectionBit uint16 = 0x4000
)

// --- Command codes (big-endian on the wire) ---

const (
	// SYS
	mtSysResetReq       uint16 = 0x4100
	mtSysResetInd       uint16 = 0x4180
	mtSysOsalNVItemInit uint16 = 0x2107
	mtSysOsalNVRead     uint16 = 0x2108
	mtSysOsalNVWrite    uint16 = 0x2109

	// AF
	mtAFRegister    uint16 = 0x2400
	mtAFDataRequest uint16 = 0x2401
	mtAFDataConfirm uint16 = 0x4480
	mtAFIncomingMsg uint16 = 0x4481

	// ZDO
	mtZDOBindReq           uint16 = 0x2521
	mtZDOMgmtPermitJoinReq uint16 = 0x2536
	mtZDOStartupFromApp    uint16 = 0x2540
	mtZDOBindRsp           uint16 = 0x45A1
	mtZDOMgmtPermitJoinRsp uint16 = 0x45B6
	mtZDOStateChangeInd    uint16 = 0x45C0
	mtZDOEndDeviceAnnceInd uint16 = 0x45C1
	mtZDOLeaveInd          uint16 = 0x45C9

	// UTIL
	mtUtilGetDeviceInfo uint16 = 0x2700

	// APP_CNF
	mtAppCnfBDBCommissioningNotification uint16 = 0x4F80
)

// --- Status codes ---

const (
	mtStatusSuccess        uint8 = 0x00
	mtStatusFailure        uint8 = 0x01
	mtStatusNVItemCreated  uint8 = 0x09 // NV_ITEM_UNINIT: item did not exist and was created
	mtStatusDuplicateEntry uint8 = 0xB8 // AF endpoint already registered
)

var (
	// ErrPayloadTooLong is returned when a payload does not fit the MT length byte.
	ErrPayloadTooLong = errors.New("ncp: payload exceeds 255 bytes")
)

// normalizeCommand folds a response code onto its request code so one
// handler serves both directions.
func normalizeCommand(cmd uint16) uint16 {
	if cmd&mtSyncBit != 0 {
		return cmd ^ mtDirectionBit
	}
	return cmd
}

// mtFCS computes the XOR frame check sequence over the given bytes.
func mtFCS(data []byte) uint8 {
	var fcs uint8
	for _, b := range data {
		fcs ^= b
	}
	return fcs
}

// EncodeFrame builds a complete MT frame for the command and payload.
func EncodeFrame(cmd uint16, payload []byte) ([]byte, error) {
	if len(payload) > mtMaxPayload {
		return nil, fmt.Errorf("encode 0x%04X (%d bytes): %w", cmd, len(payload), ErrPayloadTooLong)
	}
	buf := make([]byte, 0, len(payload)+mtFrameOverhead)
	buf = append(buf, mtSOF, byte(len(payload)), byte(cmd>>8), byte(cmd))
	buf = append(buf, payload...)
	buf = append(buf, mtFCS(buf[1:]))
	return buf, nil
}

// Frame is one checksum-validated MT frame.
type Frame struct {
	Command uint16
	Payload []byte
}

// FrameDecoder splits a byte stream into MT frames. Bytes of an incomplete
// frame are kept and completed by the next Feed call.
type FrameDecoder struct {
	buf []byte
}

// Feed appends data to the decoder and returns every complete frame with a
// valid FCS. Garbage and corrupted frames are skipped silently.
func (d *FrameDecoder) Feed(data []byte) []Frame {
	d.buf = append(d.buf, data...)

	var frames []Frame
	i := 0
	for i < len(d.buf) {
		if d.buf[i] != mtSOF {
			i++
			continue
		}
		if len(d.buf)-i < 2 {
			break
		}
		n := int(d.buf[i+1])
		if len(d.buf)-i < n+mtFrameOverhead {
			break
		}
		body := d.buf[i+1 : i+mtHeaderSize+n]
		if mtFCS(body) != d.buf[i+mtHeaderSize+n] {
			// Resync on the byte after this marker; a real frame may start inside.
			i++
			continue
		}
		payload := make([]byte, n)
		copy(payload, d.buf[i+mtHeaderSize:i+mtHeaderSize+n])
		frames = append(frames, Frame{
			Command: uint16(d.buf[i+2])<<8 | uint16(d.buf[i+3]),
			Payload: payload,
		})
		i += n + mtFrameOverhead
	}

	rest := copy(d.buf, d.buf[i:])
	d.buf = d.buf[:rest]
	return frames
}

// Buffered reports how many bytes are waiting for the rest of a frame.
func (d *FrameDecoder) Buffered() int { return len(d.buf) }

// Reset drops any partially received frame.
func (d *FrameDecoder) Reset() { d.buf = d.buf[:0] }

// mtCmdName returns a human-readable name for an MT command code.
func mtCmdName(cmd uint16) string {
	switch normalizeCommand(cmd) {
	case mtSysResetReq:
		return "SYS_RESET_REQ"
	case mtSysResetInd:
		return "SYS_RESET_IND"
	case mtSysOsalNVItemInit:
		return "SYS_OSAL_NV_ITEM_INIT"
	case mtSysOsalNVRead:
		return "SYS_OSAL_NV_READ"
	case mtSysOsalNVWrite:
		return "SYS_OSAL_NV_WRITE"
	case mtAFRegister:
		return "AF_REGISTER"
	case mtAFDataRequest:
		return "AF_DATA_REQUEST"
	case mtAFDataConfirm:
		return "AF_DATA_CONFIRM"
	case mtAFIncomingMsg:
		return "AF_INCOMING_MSG"
	case mtZDOBindReq:
		return "ZDO_BIND_REQ"
	case mtZDOMgmtPermitJoinReq:
		return "ZDO_MGMT_PERMIT_JOIN_REQ"
	case mtZDOStartupFromApp:
		return "ZDO_STARTUP_FROM_APP"
	case mtZDOBindRsp:
		return "ZDO_BIND_RSP"
	case mtZDOMgmtPermitJoinRsp:
		return "ZDO_MGMT_PERMIT_JOIN_RSP"
	case mtZDOStateChangeInd:
		return "ZDO_STATE_CHANGE_IND"
	case mtZDOEndDeviceAnnceInd:
		return "ZDO_END_DEVICE_ANNCE_IND"
	case mtZDOLeaveInd:
		return "ZDO_LEAVE_IND"
	case mtUtilGetDeviceInfo:
		return "UTIL_GET_DEVICE_INFO"
	case mtAppCnfBDBCommissioningNotification:
		return "APP_CNF_BDB_COMMISSIONING_NOTIFICATION"
	default:
		return fmt.Sprintf("0x%04X", cmd)
	}
}
