package store

import (
	"encoding/binary"
	"fmt"
)

// Value encoding: kind byte followed by a kind-specific payload.
// - bool:         1 byte (0 or 1)
// - int, float:   8 bytes little endian (float as IEEE-754 bits)
// - string/bytes: uvarint length + raw bytes
// KindNone is never written.

const maxValueLen = 1 << 24 // 16MB per string/bytes value

func appendValue(buf []byte, v Value) ([]byte, error) {
	switch v.kind {
	case KindBool:
		buf = append(buf, byte(KindBool), byte(v.num&1))
	case KindInt, KindFloat:
		buf = append(buf, byte(v.kind))
		buf = binary.LittleEndian.AppendUint64(buf, v.num)
	case KindString, KindBytes:
		if len(v.str) > maxValueLen {
			return nil, fmt.Errorf("%w: %s value of %d bytes exceeds %d", ErrInvalidArgument, v.kind, len(v.str), maxValueLen)
		}
		buf = append(buf, byte(v.kind))
		buf = binary.AppendUvarint(buf, uint64(len(v.str)))
		buf = append(buf, v.str...)
	default:
		return nil, fmt.Errorf("%w: cannot encode value of kind %s", ErrInvalidArgument, v.kind)
	}
	return buf, nil
}

func parseValue(data []byte) (Value, []byte, error) {
	if len(data) == 0 {
		return Value{}, nil, fmt.Errorf("%w: short buffer for value kind", ErrCorrupt)
	}
	kind := Kind(data[0])
	data = data[1:]

	v := Value{kind: kind}
	switch kind {
	case KindBool:
		if len(data) < 1 {
			return Value{}, nil, fmt.Errorf("%w: short buffer for bool", ErrCorrupt)
		}
		if data[0] > 1 {
			return Value{}, nil, fmt.Errorf("%w: bool byte %d", ErrCorrupt, data[0])
		}
		v.num = uint64(data[0])
		data = data[1:]
	case KindInt, KindFloat:
		if len(data) < 8 {
			return Value{}, nil, fmt.Errorf("%w: short buffer for %s", ErrCorrupt, kind)
		}
		v.num = binary.LittleEndian.Uint64(data)
		data = data[8:]
	case KindString, KindBytes:
		n, w := binary.Uvarint(data)
		if w <= 0 || n > maxValueLen {
			return Value{}, nil, fmt.Errorf("%w: invalid %s length", ErrCorrupt, kind)
		}
		data = data[w:]
		if uint64(len(data)) < n {
			return Value{}, nil, fmt.Errorf("%w: short buffer for %s", ErrCorrupt, kind)
		}
		v.str = string(data[:n])
		data = data[n:]
	default:
		return Value{}, nil, fmt.Errorf("%w: unknown value kind %d", ErrCorrupt, kind)
	}
	return v, data, nil
}

// validValue reports whether v can be stored.
func validValue(v Value) bool {
	return v.kind > KindNone && v.kind < kindCount
}
