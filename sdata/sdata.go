// Package sdata packs nested values into the compact self-describing
// byte form used for directory listings and inode records.
//
// A packed value is a one-byte tag followed by a payload:
//
//	u                        absent (nil)
//	n <varint>               integer >= 0
//	N <varint>               integer < 0, payload is the magnitude
//	s <bytes>                string, raw UTF-8 up to the end of the value
//	l <varint> (<varint> <value>)...
//	                         list: count, then each item length-prefixed
//
// Varints are big-endian base-128: every byte but the last has the
// high bit set, and zero is the single byte 0x00.
package sdata

import (
	"fmt"
	"math"

	. "github.com/stevegt/goadapt"
)

const (
	TagNil    = 'u'
	TagUint   = 'n'
	TagNegInt = 'N'
	TagString = 's'
	TagList   = 'l'
)

// Pack encodes v.  Supported shapes are nil, the integer types,
// string, []interface{}, []string, and [][]string; anything else is a
// programming error and panics.
func Pack(v interface{}) []byte {
	return appendValue(nil, v)
}

func appendValue(buf []byte, v interface{}) []byte {
	switch x := v.(type) {
	case nil:
		return append(buf, TagNil)
	case string:
		buf = append(buf, TagString)
		return append(buf, x...)
	case int:
		return appendInt(buf, int64(x))
	case int8:
		return appendInt(buf, int64(x))
	case int16:
		return appendInt(buf, int64(x))
	case int32:
		return appendInt(buf, int64(x))
	case int64:
		return appendInt(buf, x)
	case uint8:
		return appendInt(buf, int64(x))
	case uint16:
		return appendInt(buf, int64(x))
	case uint32:
		return appendInt(buf, int64(x))
	case uint:
		Assert(uint64(x) <= math.MaxInt64, "sdata: %d overflows int64", x)
		return appendInt(buf, int64(x))
	case uint64:
		Assert(x <= math.MaxInt64, "sdata: %d overflows int64", x)
		return appendInt(buf, int64(x))
	case []interface{}:
		buf = append(buf, TagList)
		buf = AppendVarint(buf, uint64(len(x)))
		for _, item := range x {
			buf = appendItem(buf, item)
		}
		return buf
	case []string:
		buf = append(buf, TagList)
		buf = AppendVarint(buf, uint64(len(x)))
		for _, item := range x {
			buf = appendItem(buf, item)
		}
		return buf
	case [][]string:
		buf = append(buf, TagList)
		buf = AppendVarint(buf, uint64(len(x)))
		for _, item := range x {
			buf = appendItem(buf, item)
		}
		return buf
	}
	Assert(false, "sdata: unsupported type %T", v)
	return nil
}

func appendItem(buf []byte, item interface{}) []byte {
	sub := appendValue(nil, item)
	buf = AppendVarint(buf, uint64(len(sub)))
	return append(buf, sub...)
}

func appendInt(buf []byte, v int64) []byte {
	if v >= 0 {
		buf = append(buf, TagUint)
		return AppendVarint(buf, uint64(v))
	}
	buf = append(buf, TagNegInt)
	// two's complement magnitude; correct for math.MinInt64 too
	return AppendVarint(buf, uint64(^v)+1)
}

// AppendVarint appends the big-endian base-128 form of u to buf.
func AppendVarint(buf []byte, u uint64) []byte {
	var tmp [10]byte
	i := len(tmp) - 1
	tmp[i] = byte(u & 0x7f)
	u >>= 7
	for u > 0 {
		i--
		tmp[i] = byte(u&0x7f) | 0x80
		u >>= 7
	}
	return append(buf, tmp[i:]...)
}

// Varint decodes a big-endian base-128 integer from the front of buf
// and returns it along with the number of bytes consumed.
func Varint(buf []byte) (u uint64, n int, err error) {
	for n < len(buf) {
		b := buf[n]
		n++
		if u > math.MaxUint64>>7 {
			return 0, n, fmt.Errorf("sdata: varint overflows 64 bits")
		}
		u = u<<7 | uint64(b&0x7f)
		if b&0x80 == 0 {
			return u, n, nil
		}
	}
	return 0, n, fmt.Errorf("sdata: truncated varint")
}

// Unpack decodes one packed value.  Integers come back as int64 and
// lists as []interface{}.
func Unpack(buf []byte) (v interface{}, err error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("sdata: empty input")
	}
	tag, payload := buf[0], buf[1:]
	switch tag {
	case TagNil:
		if len(payload) != 0 {
			return nil, fmt.Errorf("sdata: %d trailing bytes after nil", len(payload))
		}
		return nil, nil
	case TagString:
		return string(payload), nil
	case TagUint, TagNegInt:
		u, n, err := Varint(payload)
		if err != nil {
			return nil, err
		}
		if n != len(payload) {
			return nil, fmt.Errorf("sdata: %d trailing bytes after integer", len(payload)-n)
		}
		if tag == TagUint {
			if u > math.MaxInt64 {
				return nil, fmt.Errorf("sdata: %d overflows int64", u)
			}
			return int64(u), nil
		}
		if u == 0 || u > 1<<63 {
			return nil, fmt.Errorf("sdata: bad negative magnitude %d", u)
		}
		return -int64(u), nil
	case TagList:
		return unpackList(payload)
	}
	return nil, fmt.Errorf("sdata: unknown tag %q", tag)
}

func unpackList(buf []byte) (list []interface{}, err error) {
	count, n, err := Varint(buf)
	if err != nil {
		return
	}
	buf = buf[n:]
	// each item needs at least two bytes, so a bogus count can't
	// make us allocate more than the input justifies
	if count > uint64(len(buf)) {
		return nil, fmt.Errorf("sdata: list count %d exceeds input", count)
	}
	list = make([]interface{}, 0, int(count))
	for i := uint64(0); i < count; i++ {
		size, n, err := Varint(buf)
		if err != nil {
			return nil, err
		}
		buf = buf[n:]
		if size > uint64(len(buf)) {
			return nil, fmt.Errorf("sdata: item %d length %d exceeds input", i, size)
		}
		item, err := Unpack(buf[:size])
		if err != nil {
			return nil, err
		}
		list = append(list, item)
		buf = buf[size:]
	}
	if len(buf) != 0 {
		return nil, fmt.Errorf("sdata: %d trailing bytes after list", len(buf))
	}
	return list, nil
}

// Strings converts a decoded list of strings back to []string.
func Strings(v interface{}) (out []string, err error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("sdata: expected list, got %T", v)
	}
	for i, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("sdata: item %d: expected string, got %T", i, item)
		}
		out = append(out, s)
	}
	return
}
