package zcl

import (
	"encoding/binary"
	"fmt"
)

// Foundation ZCL command IDs (global, not cluster-specific).
const (
	FoundationConfigReporting     uint8 = 0x06
	FoundationConfigReportingResp uint8 = 0x07
	FoundationReportAttributes    uint8 = 0x0A
	FoundationDefaultResponse     uint8 = 0x0B
)

// ZCL status codes
const (
	ZCLStatusSuccess         uint8 = 0x00
	ZCLStatusFailure         uint8 = 0x01
	ZCLStatusUnsupportedAttr uint8 = 0x86
	ZCLStatusInvalidDataType uint8 = 0x8D
	ZCLStatusUnreportable    uint8 = 0x8C
)

// Frame control bits
const (
	FrameTypeClusterSpecific  uint8 = 0x01
	FrameManufacturerSpecific uint8 = 0x04
	FrameServerToClient       uint8 = 0x08
	FrameDisableDefaultResp   uint8 = 0x10
)

// Header is the ZCL frame header.
type Header struct {
	FrameControl     uint8  `json:"frame_control"`
	ManufacturerCode uint16 `json:"manufacturer_code,omitempty"`
	TransactionSeq   uint8  `json:"transaction_seq"`
	CommandID        uint8  `json:"command_id"`
}

// ClusterSpecific reports whether the command is defined by the cluster
// rather than a global (foundation) command.
func (h Header) ClusterSpecific() bool {
	return h.FrameControl&FrameTypeClusterSpecific != 0
}

// ManufacturerSpecific reports whether a manufacturer code is present.
func (h Header) ManufacturerSpecific() bool {
	return h.FrameControl&FrameManufacturerSpecific != 0
}

// ParseHeader decodes the header and returns the remaining payload.
func ParseHeader(frame []byte) (Header, []byte, error) {
	if len(frame) < 3 {
		return Header{}, nil, fmt.Errorf("zcl header: %d bytes: %w", len(frame), ErrShortFrame)
	}
	h := Header{FrameControl: frame[0]}
	off := 1
	if h.ManufacturerSpecific() {
		if len(frame) < 5 {
			return Header{}, nil, fmt.Errorf("zcl header: %d bytes with manufacturer code: %w", len(frame), ErrShortFrame)
		}
		h.ManufacturerCode = binary.LittleEndian.Uint16(frame[1:3])
		off = 3
	}
	h.TransactionSeq = frame[off]
	h.CommandID = frame[off+1]
	return h, frame[off+2:], nil
}

// Marshal encodes the header.
func (h Header) Marshal() []byte {
	buf := make([]byte, 0, 5)
	buf = append(buf, h.FrameControl)
	if h.ManufacturerSpecific() {
		buf = binary.LittleEndian.AppendUint16(buf, h.ManufacturerCode)
	}
	return append(buf, h.TransactionSeq, h.CommandID)
}
