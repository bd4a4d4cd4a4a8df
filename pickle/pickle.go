// Package pickle implements the subset of the Python pickle format used by
// game archive indexes: a dictionary of strings or bytes mapping to lists of
// integer/bytes tuples.
//
// Decoding accepts protocols 0 through 5 for the opcodes such indexes use.
// Encoding always produces protocol 3 output without a memo.
package pickle

import (
	"errors"
	"fmt"
	"math/big"
)

// ErrDecode is returned for malformed or unsupported pickle streams.
var ErrDecode = errors.New("pickle decode error")

// None is the decoded Python None.
type None struct{}

// Bytes is a Python bytes object. Plain Go strings decode from and encode to
// Python str.
type Bytes []byte

// Tuple is a Python tuple.
type Tuple []any

// List is a Python list.
type List []any

// DictItem is a single key/value pair of a Dict.
type DictItem struct {
	Key   any
	Value any
}

// Dict is a Python dict. Items keep insertion order; keys are compared by
// their Go value, so only hashable Python types (str, bytes, int) are
// supported as keys.
type Dict struct {
	Items []DictItem
	index map[any]int
}

// NewDict returns an empty dictionary.
func NewDict() *Dict {
	return &Dict{index: make(map[any]int)}
}

// Set inserts or replaces key.
func (d *Dict) Set(key, value any) {
	k := hashKey(key)
	if d.index == nil {
		d.index = make(map[any]int)
	}
	if i, ok := d.index[k]; ok {
		d.Items[i].Value = value
		return
	}
	d.index[k] = len(d.Items)
	d.Items = append(d.Items, DictItem{Key: key, Value: value})
}

// Get returns the value stored under key.
func (d *Dict) Get(key any) (any, bool) {
	i, ok := d.index[hashKey(key)]
	if !ok {
		return nil, false
	}
	return d.Items[i].Value, true
}

// Len returns the number of items.
func (d *Dict) Len() int { return len(d.Items) }

type bytesKey string

// hashKey maps unhashable Go representations onto comparable ones.
func hashKey(k any) any {
	switch v := k.(type) {
	case Bytes:
		return bytesKey(v)
	case *big.Int:
		return "bigint:" + v.String()
	case Tuple, List, *Dict:
		return fmt.Sprintf("%T:%v", v, v)
	}
	return k
}
