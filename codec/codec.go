package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrUnsupportedType is returned by Encode for values outside the
	// closed union (in practice: a nil Value inside a composite).
	ErrUnsupportedType = errors.New("codec: unsupported type")

	// ErrTruncated is returned by Decode when a length prefix claims more
	// bytes than remain in the input.
	ErrTruncated = errors.New("codec: truncated input")

	// ErrUnknownTag is returned by Decode when the leading type tag is not
	// one of the nine recognized constants.
	ErrUnknownTag = errors.New("codec: unknown type tag")

	// ErrInvalidBool is returned by Decode for a boolean content byte that
	// is neither '1' nor '0'.
	ErrInvalidBool = errors.New("codec: invalid boolean byte")
)

// Encode serializes a value to its wire representation.
func Encode(v Value) ([]byte, error) {
	return appendValue(nil, v)
}

// Decode deserializes the first value in b. The decoder never mutates its
// input; trailing bytes after a complete value are ignored, matching the
// store entries written by existing peers.
func Decode(b []byte) (Value, error) {
	v, _, err := decodeValue(b, 0)
	return v, err
}

func appendUint64(buf []byte, n uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], n)
	return append(buf, tmp[:]...)
}

// intWidth returns the minimum number of two's-complement bytes that can
// represent n. Zero still takes one byte.
func intWidth(n int64) int {
	for w := 1; w < 8; w++ {
		bits := uint(8*w - 1)
		if n >= -(int64(1)<<bits) && n < int64(1)<<bits {
			return w
		}
	}
	return 8
}

func appendValue(buf []byte, v Value) ([]byte, error) {
	if v == nil {
		return nil, ErrUnsupportedType
	}
	var err error
	switch val := v.(type) {
	case None:
		buf = appendUint64(buf, TagNone)

	case Bool:
		buf = appendUint64(buf, TagBool)
		if val {
			buf = append(buf, '1')
		} else {
			buf = append(buf, '0')
		}

	case Int:
		w := intWidth(int64(val))
		buf = appendUint64(buf, TagInt)
		buf = appendUint64(buf, uint64(w))
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(int64(val)))
		buf = append(buf, tmp[8-w:]...)

	case Float:
		buf = appendUint64(buf, TagFloat)
		buf = appendUint64(buf, 8)
		buf = appendUint64(buf, math.Float64bits(float64(val)))

	case String:
		buf = appendUint64(buf, TagString)
		buf = appendUint64(buf, uint64(len(val)))
		buf = append(buf, val...)

	case List:
		buf = appendUint64(buf, TagList)
		buf = appendUint64(buf, uint64(len(val)))
		for _, item := range val {
			if buf, err = appendValue(buf, item); err != nil {
				return nil, err
			}
		}

	case Map:
		buf = appendUint64(buf, TagMap)
		buf = appendUint64(buf, uint64(len(val)))
		for _, p := range val {
			if buf, err = appendValue(buf, p.Key); err != nil {
				return nil, err
			}
			if buf, err = appendValue(buf, p.Value); err != nil {
				return nil, err
			}
		}

	case Payload:
		buf = appendUint64(buf, TagPayload)
		for _, field := range []Value{val.WorldState, val.Actions, val.Metadata} {
			if buf, err = appendValue(buf, field); err != nil {
				return nil, err
			}
		}

	case WorldState:
		buf = appendUint64(buf, TagWorldState)
		for _, field := range []Value{val.EnvironmentStates, val.OpponentStates, val.PersonalStates} {
			if buf, err = appendValue(buf, field); err != nil {
				return nil, err
			}
		}

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
	return buf, nil
}

func readUint64(b []byte, i int) (uint64, int, error) {
	if i+8 > len(b) {
		return 0, 0, ErrTruncated
	}
	return binary.BigEndian.Uint64(b[i : i+8]), i + 8, nil
}

func decodeValue(b []byte, i int) (Value, int, error) {
	tag, i, err := readUint64(b, i)
	if err != nil {
		return nil, 0, err
	}

	switch tag {
	case TagNone:
		return None{}, i, nil

	case TagBool:
		if i >= len(b) {
			return nil, 0, ErrTruncated
		}
		switch b[i] {
		case '1':
			return Bool(true), i + 1, nil
		case '0':
			return Bool(false), i + 1, nil
		}
		return nil, 0, fmt.Errorf("%w: 0x%02x", ErrInvalidBool, b[i])

	case TagInt:
		n, i, err := readUint64(b, i)
		if err != nil {
			return nil, 0, err
		}
		if n > 8 {
			return nil, 0, fmt.Errorf("codec: integer width %d exceeds 8 bytes: %w", n, ErrTruncated)
		}
		if i+int(n) > len(b) {
			return nil, 0, ErrTruncated
		}
		var val int64
		for _, c := range b[i : i+int(n)] {
			val = val<<8 | int64(c)
		}
		// Sign-extend from the encoded width.
		if n > 0 && b[i]&0x80 != 0 {
			val |= -1 << (8 * n)
		}
		return Int(val), i + int(n), nil

	case TagFloat:
		n, i, err := readUint64(b, i)
		if err != nil {
			return nil, 0, err
		}
		if n != 8 {
			return nil, 0, fmt.Errorf("codec: float width %d, want 8: %w", n, ErrTruncated)
		}
		bits, i, err := readUint64(b, i)
		if err != nil {
			return nil, 0, err
		}
		return Float(math.Float64frombits(bits)), i, nil

	case TagString:
		n, i, err := readUint64(b, i)
		if err != nil {
			return nil, 0, err
		}
		if uint64(len(b)-i) < n {
			return nil, 0, ErrTruncated
		}
		return String(b[i : i+int(n)]), i + int(n), nil

	case TagList:
		n, i, err := readUint64(b, i)
		if err != nil {
			return nil, 0, err
		}
		// A value takes at least one tag's worth of bytes; reject counts
		// the remaining input cannot possibly satisfy.
		if n > uint64(len(b)-i)/8+1 {
			return nil, 0, ErrTruncated
		}
		out := make(List, n)
		for k := range out {
			if out[k], i, err = decodeValue(b, i); err != nil {
				return nil, 0, err
			}
		}
		return out, i, nil

	case TagMap:
		n, i, err := readUint64(b, i)
		if err != nil {
			return nil, 0, err
		}
		if n > uint64(len(b)-i)/16+1 {
			return nil, 0, ErrTruncated
		}
		out := make(Map, 0, n)
		for k := uint64(0); k < n; k++ {
			var key, val Value
			if key, i, err = decodeValue(b, i); err != nil {
				return nil, 0, err
			}
			if val, i, err = decodeValue(b, i); err != nil {
				return nil, 0, err
			}
			out = append(out, Pair{Key: key, Value: val})
		}
		return out, i, nil

	case TagPayload:
		var p Payload
		if p.WorldState, i, err = decodeValue(b, i); err != nil {
			return nil, 0, err
		}
		if p.Actions, i, err = decodeValue(b, i); err != nil {
			return nil, 0, err
		}
		if p.Metadata, i, err = decodeValue(b, i); err != nil {
			return nil, 0, err
		}
		return p, i, nil

	case TagWorldState:
		var ws WorldState
		if ws.EnvironmentStates, i, err = decodeValue(b, i); err != nil {
			return nil, 0, err
		}
		if ws.OpponentStates, i, err = decodeValue(b, i); err != nil {
			return nil, 0, err
		}
		if ws.PersonalStates, i, err = decodeValue(b, i); err != nil {
			return nil, 0, err
		}
		return ws, i, nil
	}

	return nil, 0, fmt.Errorf("%w: %d", ErrUnknownTag, tag)
}
