package boltstore

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/umithardal/kafka-to-nexus/errors"
	"github.com/umithardal/kafka-to-nexus/nexusfile"
)

// encodeScalar renders a single typed value as bytes for storage in a bbolt
// value. Fixed-width numeric types use little-endian encoding; strings are
// length-prefixed unless strSize > 0, in which case they are padded or
// truncated to exactly strSize bytes.
func encodeScalar(dtype nexusfile.DType, strSize int, value any) ([]byte, error) {
	switch dtype {
	case nexusfile.Uint8:
		v, err := toUint64(value)
		if err != nil {
			return nil, err
		}
		return []byte{byte(v)}, nil
	case nexusfile.Uint16:
		v, err := toUint64(value)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(v))
		return b, nil
	case nexusfile.Uint32:
		v, err := toUint64(value)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(v))
		return b, nil
	case nexusfile.Uint64:
		v, err := toUint64(value)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, v)
		return b, nil
	case nexusfile.Int8:
		v, err := toInt64(value)
		if err != nil {
			return nil, err
		}
		return []byte{byte(v)}, nil
	case nexusfile.Int16:
		v, err := toInt64(value)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(v))
		return b, nil
	case nexusfile.Int32:
		v, err := toInt64(value)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(v))
		return b, nil
	case nexusfile.Int64:
		v, err := toInt64(value)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(v))
		return b, nil
	case nexusfile.Float32:
		v, err := toFloat64(value)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
		return b, nil
	case nexusfile.Float64:
		v, err := toFloat64(value)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
		return b, nil
	case nexusfile.String:
		s, ok := value.(string)
		if !ok {
			return nil, errors.WrapInvalid(fmt.Errorf("value %v is not a string", value), "boltstore", "encodeScalar", "string conversion")
		}
		return encodeString(s, strSize), nil
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("unsupported dtype %v", dtype), "boltstore", "encodeScalar", "dtype dispatch")
	}
}

func encodeString(s string, strSize int) []byte {
	if strSize <= 0 {
		b := make([]byte, 4+len(s))
		binary.LittleEndian.PutUint32(b, uint32(len(s)))
		copy(b[4:], s)
		return b
	}
	b := make([]byte, strSize)
	n := copy(b, s)
	_ = n
	return b
}

func decodeString(b []byte, strSize int) string {
	if strSize <= 0 {
		if len(b) < 4 {
			return ""
		}
		n := binary.LittleEndian.Uint32(b)
		if int(4+n) > len(b) {
			return ""
		}
		return string(b[4 : 4+n])
	}
	// trim trailing NUL padding
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}

func toUint64(v any) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case uint32:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint8:
		return uint64(n), nil
	case int:
		return uint64(n), nil
	case int64:
		return uint64(n), nil
	case float64:
		return uint64(n), nil
	default:
		return 0, errors.WrapInvalid(fmt.Errorf("value %v is not an unsigned integer", v), "boltstore", "toUint64", "type assertion")
	}
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, errors.WrapInvalid(fmt.Errorf("value %v is not a signed integer", v), "boltstore", "toInt64", "type assertion")
	}
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	default:
		return 0, errors.WrapInvalid(fmt.Errorf("value %v is not a float", v), "boltstore", "toFloat64", "type assertion")
	}
}

func seqKey(ix uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, ix)
	return b
}

func seqFromKey(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
