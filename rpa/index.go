package rpa

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"math/big"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/derenpy/derenpy/pickle"
)

// Segment is one stored byte range of a member. The member's bytes are the
// concatenation of Prefix followed by Length bytes read at Offset, over all
// of its segments in order.
type Segment struct {
	Offset int64
	Length int64
	Prefix []byte
}

// Index maps forward-slashed member paths to their segments.
type Index map[string][]Segment

// Size returns the logical size of a member.
func (idx Index) Size(name string) int64 {
	var n int64
	for _, s := range idx[name] {
		n += int64(len(s.Prefix)) + s.Length
	}
	return n
}

// Names returns member paths in sorted order.
func (idx Index) Names() []string {
	names := make([]string, 0, len(idx))
	for name := range idx {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// decodeIndex inflates and unpickles an index blob, unmasking offsets and
// lengths with key when keyed is set.
func decodeIndex(compressed []byte, key uint64, keyed bool) (Index, error) {
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("%w: zlib: %v", ErrPickleDecode, err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: zlib: %v", ErrPickleDecode, err)
	}

	v, err := pickle.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPickleDecode, err)
	}
	dict, ok := v.(*pickle.Dict)
	if !ok {
		return nil, fmt.Errorf("%w: index is %T, not a dict", ErrPickleDecode, v)
	}

	idx := make(Index, dict.Len())
	for _, item := range dict.Items {
		name, err := keyString(item.Key)
		if err != nil {
			return nil, err
		}
		segs, err := decodeSegments(item.Value, key, keyed)
		if err != nil {
			return nil, fmt.Errorf("member %q: %w", name, err)
		}
		idx[name] = segs
	}
	return idx, nil
}

// keyString accepts both str and bytes keys. Bytes that are not valid UTF-8
// are decoded lossily.
func keyString(k any) (string, error) {
	switch v := k.(type) {
	case string:
		return v, nil
	case pickle.Bytes:
		if utf8.Valid(v) {
			return string(v), nil
		}
		return strings.ToValidUTF8(string(v), "�"), nil
	}
	return "", fmt.Errorf("%w: index key is %T", ErrPickleDecode, k)
}

func decodeSegments(v any, key uint64, keyed bool) ([]Segment, error) {
	var items []any
	switch l := v.(type) {
	case pickle.List:
		items = l
	case pickle.Tuple:
		items = l
	default:
		return nil, fmt.Errorf("%w: entry is %T, not a list", ErrPickleDecode, v)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: empty entry", ErrPickleDecode)
	}

	segs := make([]Segment, 0, len(items))
	for _, it := range items {
		var fields []any
		switch t := it.(type) {
		case pickle.Tuple:
			fields = t
		case pickle.List:
			fields = t
		default:
			return nil, fmt.Errorf("%w: segment is %T", ErrPickleDecode, it)
		}
		if len(fields) < 2 || len(fields) > 3 {
			return nil, fmt.Errorf("%w: segment has %d fields", ErrPickleDecode, len(fields))
		}

		off, err := toUint64(fields[0])
		if err != nil {
			return nil, err
		}
		length, err := toUint64(fields[1])
		if err != nil {
			return nil, err
		}
		if keyed {
			off ^= key
			length ^= key
		}
		if off > 1<<62 || length > 1<<62 {
			return nil, fmt.Errorf("%w: segment (%d, %d) out of range", ErrTruncatedArchive, off, length)
		}

		seg := Segment{Offset: int64(off), Length: int64(length)}
		if len(fields) == 3 {
			switch p := fields[2].(type) {
			case pickle.Bytes:
				seg.Prefix = []byte(p)
			case string:
				seg.Prefix = []byte(p)
			case pickle.None:
			default:
				return nil, fmt.Errorf("%w: prefix is %T", ErrPickleDecode, p)
			}
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

// toUint64 reinterprets pickled integers as 64-bit words. Negative values
// keep their two's complement bit pattern, which is how keyed indexes
// written by 32-bit producers come out.
func toUint64(v any) (uint64, error) {
	switch n := v.(type) {
	case int64:
		return uint64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case *big.Int:
		if n.IsUint64() {
			return n.Uint64(), nil
		}
		if n.IsInt64() {
			return uint64(n.Int64()), nil
		}
		return 0, fmt.Errorf("%w: %s", ErrIndexIntegerOverflow, n.String())
	}
	return 0, fmt.Errorf("%w: expected integer, got %T", ErrPickleDecode, v)
}

// encodeIndex pickles and deflates an index. Keys are always written as
// str and segments as tuples; offsets and lengths are masked when keyed.
func encodeIndex(idx Index, key uint64, keyed bool) ([]byte, error) {
	dict := pickle.NewDict()
	for _, name := range idx.Names() {
		segs := idx[name]
		list := make(pickle.List, 0, len(segs))
		for _, s := range segs {
			off, length := uint64(s.Offset), uint64(s.Length)
			if keyed {
				off ^= key
				length ^= key
			}
			prefix := s.Prefix
			if prefix == nil {
				prefix = []byte{}
			}
			list = append(list, pickle.Tuple{off, length, pickle.Bytes(prefix)})
		}
		dict.Set(name, list)
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if err := pickle.Encode(zw, dict); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
