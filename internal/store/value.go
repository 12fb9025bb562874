package store

import (
	"encoding/hex"
	"math"
	"strconv"
)

// Kind identifies the concrete type stored in a Value.
//
// Kinds are persisted as one byte in chunk files; keep them stable.
type Kind uint8

const (
	// KindNone is the zero Value. Setting it removes the entry.
	KindNone Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes

	kindCount
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	for k := KindNone; k < kindCount; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return KindNone, false
}

// Value is an opaque typed metadata value. The store never interprets it.
type Value struct {
	kind Kind
	num  uint64 // bool, int64 or float64 bits
	str  string // string or byte payload
}

// Bool returns a boolean Value.
func Bool(v bool) Value {
	var n uint64
	if v {
		n = 1
	}
	return Value{kind: KindBool, num: n}
}

// Int returns an integer Value.
func Int(v int64) Value { return Value{kind: KindInt, num: uint64(v)} }

// Float returns a floating point Value.
func Float(v float64) Value { return Value{kind: KindFloat, num: math.Float64bits(v)} }

// String returns a string Value.
func String(v string) Value { return Value{kind: KindString, str: v} }

// Bytes returns a byte sequence Value. b is copied.
func Bytes(b []byte) Value { return Value{kind: KindBytes, str: string(b)} }

// Kind returns the type of v.
func (v Value) Kind() Kind { return v.kind }

// IsNone reports whether v is the empty sentinel.
func (v Value) IsNone() bool { return v.kind == KindNone }

// AsBool returns the boolean value if Kind is KindBool.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.num != 0, true
}

// AsInt returns the integer value if Kind is KindInt.
func (v Value) AsInt() (int64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return int64(v.num), true
}

// AsFloat returns the float value if Kind is KindFloat.
func (v Value) AsFloat() (float64, bool) {
	if v.kind != KindFloat {
		return 0, false
	}
	return math.Float64frombits(v.num), true
}

// AsString returns the string value if Kind is KindString.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// AsBytes returns a copy of the byte value if Kind is KindBytes.
func (v Value) AsBytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return []byte(v.str), true
}

// Equal reports whether v and o have the same kind and payload. Floats are
// compared bitwise, so NaN equals an identical NaN.
func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && v.num == o.num && v.str == o.str
}

// Any returns the payload as a plain Go value (nil for KindNone).
func (v Value) Any() any {
	switch v.kind {
	case KindBool:
		b, _ := v.AsBool()
		return b
	case KindInt:
		i, _ := v.AsInt()
		return i
	case KindFloat:
		f, _ := v.AsFloat()
		return f
	case KindString:
		return v.str
	case KindBytes:
		b, _ := v.AsBytes()
		return b
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.num != 0)
	case KindInt:
		return strconv.FormatInt(int64(v.num), 10)
	case KindFloat:
		return strconv.FormatFloat(math.Float64frombits(v.num), 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.str)
	case KindBytes:
		return "0x" + hex.EncodeToString([]byte(v.str))
	default:
		return "<none>"
	}
}

// ParseValue parses s as a value of kind k. Bytes are hex encoded, with or
// without a 0x prefix.
func ParseValue(k Kind, s string) (Value, error) {
	switch k {
	case KindBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Value{}, err
		}
		return Bool(b), nil
	case KindInt:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Value{}, err
		}
		return Int(i), nil
	case KindFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, err
		}
		return Float(f), nil
	case KindString:
		return String(s), nil
	case KindBytes:
		b, err := hex.DecodeString(trimHexPrefix(s))
		if err != nil {
			return Value{}, err
		}
		return Bytes(b), nil
	default:
		return Value{}, ErrInvalidArgument
	}
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
