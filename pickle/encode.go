package pickle

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/big"
)

const (
	writeProtocol = 3
	batchSize     = 1000
)

type encoder struct {
	w *bufio.Writer
}

// Encode writes v to w as a protocol 3 pickle. Supported Go types are nil,
// None, bool, all integer kinds, *big.Int, float64, string, Bytes, []byte,
// Tuple, List, []any and *Dict.
func Encode(w io.Writer, v any) error {
	e := &encoder{w: bufio.NewWriter(w)}
	e.w.WriteByte(opProto)
	e.w.WriteByte(writeProtocol)
	if err := e.value(v); err != nil {
		return err
	}
	e.w.WriteByte(opStop)
	return e.w.Flush()
}

// Marshal returns the protocol 3 pickle of v.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *encoder) value(v any) error {
	switch x := v.(type) {
	case nil, None:
		e.w.WriteByte(opNone)
	case bool:
		if x {
			e.w.WriteByte(opNewTrue)
		} else {
			e.w.WriteByte(opNewFalse)
		}
	case int:
		e.int(int64(x))
	case int32:
		e.int(int64(x))
	case int64:
		e.int(x)
	case uint32:
		e.int(int64(x))
	case uint64:
		if x > math.MaxInt64 {
			e.bigInt(new(big.Int).SetUint64(x))
		} else {
			e.int(int64(x))
		}
	case *big.Int:
		if x.IsInt64() {
			e.int(x.Int64())
		} else {
			e.bigInt(x)
		}
	case float64:
		e.w.WriteByte(opBinFloat)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(x))
		e.w.Write(b[:])
	case string:
		e.str(x)
	case Bytes:
		e.bytes(x)
	case []byte:
		e.bytes(x)
	case Tuple:
		return e.tuple(x)
	case List:
		return e.list(x)
	case []any:
		return e.list(x)
	case *Dict:
		return e.dict(x)
	default:
		return fmt.Errorf("pickle: cannot encode %T", v)
	}
	return nil
}

func (e *encoder) int(n int64) {
	switch {
	case n >= 0 && n <= 0xff:
		e.w.WriteByte(opBinInt1)
		e.w.WriteByte(byte(n))
	case n >= 0 && n <= 0xffff:
		e.w.WriteByte(opBinInt2)
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(n))
		e.w.Write(b[:])
	case n >= math.MinInt32 && n <= math.MaxInt32:
		e.w.WriteByte(opBinInt)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(int32(n)))
		e.w.Write(b[:])
	default:
		e.bigInt(big.NewInt(n))
	}
}

// bigInt writes LONG1 (or LONG4 for huge values) with a minimal
// little-endian two's complement body.
func (e *encoder) bigInt(n *big.Int) {
	body := encodeLong(n)
	if len(body) < 256 {
		e.w.WriteByte(opLong1)
		e.w.WriteByte(byte(len(body)))
	} else {
		e.w.WriteByte(opLong4)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(len(body)))
		e.w.Write(b[:])
	}
	e.w.Write(body)
}

func encodeLong(n *big.Int) []byte {
	if n.Sign() == 0 {
		return nil
	}
	nbytes := (n.BitLen() >> 3) + 1
	v := new(big.Int).Set(n)
	if n.Sign() < 0 {
		v.Add(v, new(big.Int).Lsh(big.NewInt(1), uint(nbytes*8)))
	}
	be := v.FillBytes(make([]byte, nbytes))
	le := make([]byte, nbytes)
	for i := range be {
		le[nbytes-1-i] = be[i]
	}
	// Trim redundant sign bytes.
	for len(le) > 1 {
		last, prev := le[len(le)-1], le[len(le)-2]
		if (last == 0x00 && prev&0x80 == 0) || (last == 0xff && prev&0x80 != 0) {
			le = le[:len(le)-1]
			continue
		}
		break
	}
	return le
}

func (e *encoder) str(s string) {
	if len(s) < 256 {
		e.w.WriteByte(opShortBinUni)
		e.w.WriteByte(byte(len(s)))
	} else {
		e.w.WriteByte(opBinUnicode)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(len(s)))
		e.w.Write(b[:])
	}
	e.w.WriteString(s)
}

func (e *encoder) bytes(p []byte) {
	if len(p) < 256 {
		e.w.WriteByte(opShortBinBytes)
		e.w.WriteByte(byte(len(p)))
	} else {
		e.w.WriteByte(opBinBytes)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(len(p)))
		e.w.Write(b[:])
	}
	e.w.Write(p)
}

func (e *encoder) tuple(t Tuple) error {
	switch len(t) {
	case 0:
		e.w.WriteByte(opEmptyTuple)
		return nil
	case 1, 2, 3:
		for _, it := range t {
			if err := e.value(it); err != nil {
				return err
			}
		}
		e.w.WriteByte(byte(opTuple1 + len(t) - 1))
		return nil
	}
	e.w.WriteByte(opMark)
	for _, it := range t {
		if err := e.value(it); err != nil {
			return err
		}
	}
	e.w.WriteByte(opTuple)
	return nil
}

func (e *encoder) list(l []any) error {
	e.w.WriteByte(opEmptyList)
	for start := 0; start < len(l); start += batchSize {
		end := min(start+batchSize, len(l))
		e.w.WriteByte(opMark)
		for _, it := range l[start:end] {
			if err := e.value(it); err != nil {
				return err
			}
		}
		e.w.WriteByte(opAppends)
	}
	return nil
}

func (e *encoder) dict(d *Dict) error {
	e.w.WriteByte(opEmptyDict)
	for start := 0; start < len(d.Items); start += batchSize {
		end := min(start+batchSize, len(d.Items))
		e.w.WriteByte(opMark)
		for _, it := range d.Items[start:end] {
			if err := e.value(it.Key); err != nil {
				return err
			}
			if err := e.value(it.Value); err != nil {
				return err
			}
		}
		e.w.WriteByte(opSetItems)
	}
	return nil
}
