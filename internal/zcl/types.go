package zcl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ZCL data type IDs
const (
	TypeUint8   uint8 = 0x20
	TypeUint16  uint8 = 0x21
	TypeUint24  uint8 = 0x22
	TypeUint32  uint8 = 0x23
	TypeUint40  uint8 = 0x24
	TypeUint48  uint8 = 0x25
	TypeUint56  uint8 = 0x26
	TypeUint64  uint8 = 0x27
	TypeInt8    uint8 = 0x28
	TypeInt16   uint8 = 0x29
	TypeInt24   uint8 = 0x2A
	TypeInt32   uint8 = 0x2B
	TypeInt40   uint8 = 0x2C
	TypeInt48   uint8 = 0x2D
	TypeInt56   uint8 = 0x2E
	TypeInt64   uint8 = 0x2F
	TypeFloat32 uint8 = 0x39
	TypeFloat64 uint8 = 0x3A
)

var (
	// ErrUnknownType is returned for data types without a known width.
	ErrUnknownType = errors.New("zcl: unknown data type")
	// ErrShortFrame is returned when a frame ends before a field does.
	ErrShortFrame = errors.New("zcl: short frame")
)

// TypeSize returns the value width in bytes of a ZCL type, or 0 when the
// type is not supported.
func TypeSize(typeID uint8) int {
	switch {
	case typeID >= TypeUint8 && typeID <= TypeUint64:
		return int(typeID-TypeUint8) + 1
	case typeID >= TypeInt8 && typeID <= TypeInt64:
		return int(typeID-TypeInt8) + 1
	case typeID == TypeFloat32:
		return 4
	case typeID == TypeFloat64:
		return 8
	default:
		return 0
	}
}

func isSigned(typeID uint8) bool {
	return typeID >= TypeInt8 && typeID <= TypeInt64
}

func isFloat(typeID uint8) bool {
	return typeID == TypeFloat32 || typeID == TypeFloat64
}

// TypeName returns a human-readable name for a ZCL type.
func TypeName(typeID uint8) string {
	switch {
	case typeID >= TypeUint8 && typeID <= TypeUint64:
		return fmt.Sprintf("uint%d", 8*TypeSize(typeID))
	case typeID >= TypeInt8 && typeID <= TypeInt64:
		return fmt.Sprintf("int%d", 8*TypeSize(typeID))
	case typeID == TypeFloat32:
		return "float32"
	case typeID == TypeFloat64:
		return "float64"
	default:
		return fmt.Sprintf("0x%02X", typeID)
	}
}

// DecodeValue decodes a little-endian value of the given type. Unsigned
// types yield uint64, signed types int64 (sign-extended) and floating types
// float64. It also returns the number of bytes consumed.
func DecodeValue(typeID uint8, data []byte) (interface{}, int, error) {
	size := TypeSize(typeID)
	if size == 0 {
		return nil, 0, fmt.Errorf("type 0x%02X: %w", typeID, ErrUnknownType)
	}
	if len(data) < size {
		return nil, 0, fmt.Errorf("zcl: not enough data for type 0x%02X: need %d, have %d: %w", typeID, size, len(data), ErrShortFrame)
	}

	switch typeID {
	case TypeFloat32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data[:4]))), 4, nil
	case TypeFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(data[:8])), 8, nil
	}

	var v uint64
	for i := size - 1; i >= 0; i-- {
		v = v<<8 | uint64(data[i])
	}
	if isSigned(typeID) {
		shift := uint(64 - 8*size)
		return int64(v<<shift) >> shift, size, nil
	}
	return v, size, nil
}

// EncodeValue encodes a numeric value into the type's wire width.
func EncodeValue(typeID uint8, val interface{}) ([]byte, error) {
	size := TypeSize(typeID)
	if size == 0 {
		return nil, fmt.Errorf("type 0x%02X: %w", typeID, ErrUnknownType)
	}
	buf := make([]byte, size)

	if isFloat(typeID) {
		f, ok := toFloat64(val)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot encode %T as %s", val, TypeName(typeID))
		}
		if typeID == TypeFloat32 {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(f)))
		} else {
			binary.LittleEndian.PutUint64(buf, math.Float64bits(f))
		}
		return buf, nil
	}

	var raw uint64
	switch v := val.(type) {
	case int:
		raw = uint64(v)
	case int8:
		raw = uint64(v)
	case int16:
		raw = uint64(v)
	case int32:
		raw = uint64(v)
	case int64:
		raw = uint64(v)
	case uint:
		raw = uint64(v)
	case uint8:
		raw = uint64(v)
	case uint16:
		raw = uint64(v)
	case uint32:
		raw = uint64(v)
	case uint64:
		raw = v
	case float64:
		if isSigned(typeID) {
			raw = uint64(int64(v))
		} else {
			raw = uint64(v)
		}
	default:
		return nil, fmt.Errorf("zcl: cannot encode %T as %s", val, TypeName(typeID))
	}
	for i := 0; i < size; i++ {
		buf[i] = byte(raw >> (8 * i))
	}
	return buf, nil
}

// ToFloat64 converts a decoded value to float64.
func ToFloat64(v interface{}) (float64, bool) {
	return toFloat64(v)
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
