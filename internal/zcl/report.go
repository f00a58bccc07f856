package zcl

import (
	"encoding/binary"
	"fmt"
)

// Attribute is one decoded attribute record of a report.
type Attribute struct {
	ID       uint16       `json:"id"`
	Type     uint8        `json:"type"`
	Raw      []byte       `json:"raw"`
	Value    interface{}  `json:"value"`
	Name     string       `json:"name,omitempty"`
	Measured *Measurement `json:"measured,omitempty"`
}

// Measurement is a reported value converted to a physical unit.
type Measurement struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// ReportingStatus is one record of a configure-reporting response.
type ReportingStatus struct {
	Status    uint8  `json:"status"`
	Direction uint8  `json:"direction"`
	AttrID    uint16 `json:"attr_id"`
}

// DefaultResponse is the body of a default response command.
type DefaultResponse struct {
	CommandID uint8 `json:"command_id"`
	Status    uint8 `json:"status"`
}

// Message is a decoded inbound ZCL frame. Only the field matching the
// command is set; cluster-specific commands carry just the header.
type Message struct {
	Endpoint  uint8  `json:"endpoint"`
	ClusterID uint16 `json:"cluster_id"`
	Header    Header `json:"header"`

	Attributes      []Attribute       `json:"attributes,omitempty"`
	ReportingStatus []ReportingStatus `json:"reporting_status,omitempty"`
	DefaultResponse *DefaultResponse  `json:"default_response,omitempty"`
}

// Decoder turns application payloads into Messages, scaling reported values
// with the attribute definitions in its registry.
type Decoder struct {
	registry *Registry
}

// NewDecoder creates a decoder. A nil registry decodes without scaling.
func NewDecoder(r *Registry) *Decoder {
	return &Decoder{registry: r}
}

// Decode parses one ZCL frame received on endpoint for clusterID. When a
// report contains an attribute of unknown type the attributes before it are
// returned together with an error wrapping ErrUnknownType.
func (d *Decoder) Decode(endpoint uint8, clusterID uint16, payload []byte) (*Message, error) {
	h, body, err := ParseHeader(payload)
	if err != nil {
		return nil, err
	}
	msg := &Message{Endpoint: endpoint, ClusterID: clusterID, Header: h}
	if h.ClusterSpecific() {
		return msg, nil
	}

	switch h.CommandID {
	case FoundationReportAttributes:
		msg.Attributes, err = d.decodeReport(clusterID, body)
		return msg, err
	case FoundationConfigReportingResp:
		msg.ReportingStatus, err = decodeReportingStatus(body)
		return msg, err
	case FoundationDefaultResponse:
		if len(body) < 2 {
			return msg, fmt.Errorf("zcl default response: %w", ErrShortFrame)
		}
		msg.DefaultResponse = &DefaultResponse{CommandID: body[0], Status: body[1]}
		return msg, nil
	}
	return msg, nil
}

// decodeReport: { attrID(2) type(1) value(TypeSize) }*
func (d *Decoder) decodeReport(clusterID uint16, body []byte) ([]Attribute, error) {
	var attrs []Attribute
	for len(body) >= 3 {
		a := Attribute{
			ID:   binary.LittleEndian.Uint16(body[0:2]),
			Type: body[2],
		}
		size := TypeSize(a.Type)
		if size == 0 {
			return attrs, fmt.Errorf("zcl report 0x%04X/0x%04X type 0x%02X: %w", clusterID, a.ID, a.Type, ErrUnknownType)
		}
		if len(body) < 3+size {
			return attrs, fmt.Errorf("zcl report 0x%04X/0x%04X: %w", clusterID, a.ID, ErrShortFrame)
		}
		a.Raw = append([]byte(nil), body[3:3+size]...)
		a.Value, _, _ = DecodeValue(a.Type, a.Raw)
		d.annotate(clusterID, &a)
		attrs = append(attrs, a)
		body = body[3+size:]
	}
	return attrs, nil
}

func (d *Decoder) annotate(clusterID uint16, a *Attribute) {
	if d.registry == nil {
		return
	}
	def, ok := d.registry.Attribute(clusterID, a.ID)
	if !ok {
		return
	}
	a.Name = def.Name
	if def.Measurement == "" {
		return
	}
	raw, ok := toFloat64(a.Value)
	if !ok {
		return
	}
	a.Measured = &Measurement{Name: def.Measurement, Value: def.Scale(raw), Unit: def.Unit}
}

// decodeReportingStatus: a single status byte when every record succeeded,
// otherwise { status(1) direction(1) attrID(2) }*.
func decodeReportingStatus(body []byte) ([]ReportingStatus, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("zcl configure reporting response: %w", ErrShortFrame)
	}
	if len(body) < 4 {
		return []ReportingStatus{{Status: body[0]}}, nil
	}
	var out []ReportingStatus
	for len(body) >= 4 {
		out = append(out, ReportingStatus{
			Status:    body[0],
			Direction: body[1],
			AttrID:    binary.LittleEndian.Uint16(body[2:4]),
		})
		body = body[4:]
	}
	return out, nil
}
