package kv

import (
	"bytes"
	"fmt"
	"math"

	"github.com/marrowdb/marrow/schema"
)

// Value encoding. Each value is a tag byte followed by a self-delimiting body.
// The encoding is order-preserving: for two values of the same type,
// bytes.Compare of their encodings matches the natural value order. Index keys
// and set/map ordering are built on it.
const (
	tagNil    = 0x00
	tagFalse  = 0x01
	tagTrue   = 0x02
	tagInt    = 0x10
	tagFloat  = 0x20
	tagString = 0x30
	tagBytes  = 0x38
	tagRef    = 0x40
	tagList   = 0x50
	tagMap    = 0x58
	tagEnd    = 0xff
)

// EncodeValue encodes a field value into its ordered binary form.
func EncodeValue(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v Value) error {
	switch val := v.(type) {
	case nil:
		buf.WriteByte(tagNil)
	case bool:
		if val {
			buf.WriteByte(tagTrue)
		} else {
			buf.WriteByte(tagFalse)
		}
	case int64:
		buf.WriteByte(tagInt)
		writeUint64(buf, uint64(val)^(1<<63))
	case int:
		return encodeValue(buf, int64(val))
	case float64:
		buf.WriteByte(tagFloat)
		bits := math.Float64bits(val)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		writeUint64(buf, bits)
	case string:
		buf.WriteByte(tagString)
		writeEscaped(buf, []byte(val))
	case []byte:
		buf.WriteByte(tagBytes)
		writeEscaped(buf, val)
	case schema.ObjectID:
		buf.WriteByte(tagRef)
		buf.Write(val.Bytes())
	case []Value:
		buf.WriteByte(tagList)
		for _, elem := range val {
			if err := encodeValue(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(tagEnd)
	case []MapEntry:
		buf.WriteByte(tagMap)
		for _, entry := range val {
			if err := encodeValue(buf, entry.Key); err != nil {
				return err
			}
			if err := encodeValue(buf, entry.Value); err != nil {
				return err
			}
		}
		buf.WriteByte(tagEnd)
	default:
		return fmt.Errorf("cannot encode value of type %T", v)
	}
	return nil
}

func writeUint64(buf *bytes.Buffer, u uint64) {
	for shift := 56; shift >= 0; shift -= 8 {
		buf.WriteByte(byte(u >> shift))
	}
}

// writeEscaped writes b with 0x00 escaped as 0x00 0x01 and a 0x00 0x00
// terminator, keeping the encoding both self-delimiting and order-preserving.
// The terminator pair sorts below every escaped content byte, so a prefix
// orders before its extensions.
func writeEscaped(buf *bytes.Buffer, b []byte) {
	for _, c := range b {
		buf.WriteByte(c)
		if c == 0x00 {
			buf.WriteByte(0x01)
		}
	}
	buf.WriteByte(0x00)
	buf.WriteByte(0x00)
}

// DecodeValue decodes one value from the front of b, returning the value and the
// remaining bytes.
func DecodeValue(b []byte) (Value, []byte, error) {
	if len(b) == 0 {
		return nil, nil, fmt.Errorf("cannot decode empty value")
	}
	tag, rest := b[0], b[1:]
	switch tag {
	case tagNil:
		return nil, rest, nil
	case tagFalse:
		return false, rest, nil
	case tagTrue:
		return true, rest, nil
	case tagInt:
		u, rest, err := readUint64(rest)
		if err != nil {
			return nil, nil, err
		}
		return int64(u ^ (1 << 63)), rest, nil
	case tagFloat:
		bits, rest, err := readUint64(rest)
		if err != nil {
			return nil, nil, err
		}
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return math.Float64frombits(bits), rest, nil
	case tagString:
		raw, rest, err := readEscaped(rest)
		if err != nil {
			return nil, nil, err
		}
		return string(raw), rest, nil
	case tagBytes:
		raw, rest, err := readEscaped(rest)
		if err != nil {
			return nil, nil, err
		}
		return raw, rest, nil
	case tagRef:
		if len(rest) < 8 {
			return nil, nil, fmt.Errorf("truncated reference value")
		}
		id, err := schema.ObjectIDFromBytes(rest[:8])
		if err != nil {
			return nil, nil, err
		}
		return id, rest[8:], nil
	case tagList:
		var elems []Value
		for {
			if len(rest) == 0 {
				return nil, nil, fmt.Errorf("unterminated list value")
			}
			if rest[0] == tagEnd {
				return elems, rest[1:], nil
			}
			var elem Value
			var err error
			elem, rest, err = DecodeValue(rest)
			if err != nil {
				return nil, nil, err
			}
			elems = append(elems, elem)
		}
	case tagMap:
		var entries []MapEntry
		for {
			if len(rest) == 0 {
				return nil, nil, fmt.Errorf("unterminated map value")
			}
			if rest[0] == tagEnd {
				return entries, rest[1:], nil
			}
			var k, v Value
			var err error
			k, rest, err = DecodeValue(rest)
			if err != nil {
				return nil, nil, err
			}
			v, rest, err = DecodeValue(rest)
			if err != nil {
				return nil, nil, err
			}
			entries = append(entries, MapEntry{Key: k, Value: v})
		}
	default:
		return nil, nil, fmt.Errorf("unknown value tag 0x%02x", tag)
	}
}

func readUint64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, fmt.Errorf("truncated integer value")
	}
	var u uint64
	for i := 0; i < 8; i++ {
		u = u<<8 | uint64(b[i])
	}
	return u, b[8:], nil
}

func readEscaped(b []byte) ([]byte, []byte, error) {
	var out []byte
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c != 0x00 {
			out = append(out, c)
			continue
		}
		if i+1 >= len(b) {
			return nil, nil, fmt.Errorf("unterminated byte sequence")
		}
		switch b[i+1] {
		case 0x00:
			return out, b[i+2:], nil
		case 0x01:
			out = append(out, 0x00)
			i++
		default:
			return nil, nil, fmt.Errorf("invalid escape byte 0x%02x in byte sequence", b[i+1])
		}
	}
	return nil, nil, fmt.Errorf("unterminated byte sequence")
}

// CompareValues orders two values by their encoded form.
func CompareValues(a, b Value) int {
	ea, err := EncodeValue(a)
	if err != nil {
		ea = nil
	}
	eb, err := EncodeValue(b)
	if err != nil {
		eb = nil
	}
	return bytes.Compare(ea, eb)
}

// EqualValues reports whether two values are equal under the encoded ordering.
func EqualValues(a, b Value) bool {
	return CompareValues(a, b) == 0
}
