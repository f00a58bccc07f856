package zcl

import (
	"encoding/binary"
	"fmt"
)

// ReportDirectionReported: the record configures reports the server sends
// to the client.
const ReportDirectionReported uint8 = 0x00

// ConfigureReporting is one attribute record of a configure-reporting
// command.
type ConfigureReporting struct {
	AttrID      uint16 `json:"attr_id" yaml:"attribute"`
	DataType    uint8  `json:"data_type" yaml:"type"`
	MinInterval uint16 `json:"min_interval" yaml:"min"`
	MaxInterval uint16 `json:"max_interval" yaml:"max"`
	// ReportableChange is encoded in the attribute's own type width.
	ReportableChange uint64 `json:"reportable_change" yaml:"change"`
}

// ConfigureReportingFrame builds a complete ZCL frame configuring the given
// records. The frame control byte is zero: global, client to server.
func ConfigureReportingFrame(seq uint8, records ...ConfigureReporting) ([]byte, error) {
	h := Header{TransactionSeq: seq, CommandID: FoundationConfigReporting}
	buf := h.Marshal()
	for _, r := range records {
		size := TypeSize(r.DataType)
		if size == 0 {
			return nil, fmt.Errorf("zcl configure reporting 0x%04X type 0x%02X: %w", r.AttrID, r.DataType, ErrUnknownType)
		}
		buf = append(buf, ReportDirectionReported)
		buf = binary.LittleEndian.AppendUint16(buf, r.AttrID)
		buf = append(buf, r.DataType)
		buf = binary.LittleEndian.AppendUint16(buf, r.MinInterval)
		buf = binary.LittleEndian.AppendUint16(buf, r.MaxInterval)
		for i := 0; i < size; i++ {
			buf = append(buf, byte(r.ReportableChange>>(8*i)))
		}
	}
	return buf, nil
}

// ParseConfigureReporting decodes a configure-reporting frame built by
// ConfigureReportingFrame.
func ParseConfigureReporting(frame []byte) (Header, []ConfigureReporting, error) {
	h, body, err := ParseHeader(frame)
	if err != nil {
		return Header{}, nil, err
	}
	if h.ClusterSpecific() || h.CommandID != FoundationConfigReporting {
		return h, nil, fmt.Errorf("zcl: command 0x%02X is not configure reporting", h.CommandID)
	}

	var out []ConfigureReporting
	for len(body) > 0 {
		if len(body) < 8 {
			return h, out, fmt.Errorf("zcl configure reporting record: %w", ErrShortFrame)
		}
		if body[0] != ReportDirectionReported {
			return h, out, fmt.Errorf("zcl configure reporting: unsupported direction 0x%02X", body[0])
		}
		r := ConfigureReporting{
			AttrID:      binary.LittleEndian.Uint16(body[1:3]),
			DataType:    body[3],
			MinInterval: binary.LittleEndian.Uint16(body[4:6]),
			MaxInterval: binary.LittleEndian.Uint16(body[6:8]),
		}
		size := TypeSize(r.DataType)
		if size == 0 {
			return h, out, fmt.Errorf("zcl configure reporting 0x%04X type 0x%02X: %w", r.AttrID, r.DataType, ErrUnknownType)
		}
		if len(body) < 8+size {
			return h, out, fmt.Errorf("zcl configure reporting change: %w", ErrShortFrame)
		}
		for i := size - 1; i >= 0; i-- {
			r.ReportableChange = r.ReportableChange<<8 | uint64(body[8+i])
		}
		out = append(out, r)
		body = body[8+size:]
	}
	return h, out, nil
}
