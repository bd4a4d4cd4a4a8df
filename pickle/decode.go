package pickle

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/big"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Opcodes understood by the decoder and produced by the encoder.
const (
	opMark           = '('
	opStop           = '.'
	opPop            = '0'
	opPopMark        = '1'
	opDup            = '2'
	opFloat          = 'F'
	opInt            = 'I'
	opBinInt         = 'J'
	opBinInt1        = 'K'
	opLong           = 'L'
	opBinInt2        = 'M'
	opNone           = 'N'
	opReduce         = 'R'
	opString         = 'S'
	opBinString      = 'T'
	opShortBinString = 'U'
	opUnicode        = 'V'
	opBinUnicode     = 'X'
	opAppend         = 'a'
	opGlobal         = 'c'
	opDict           = 'd'
	opEmptyDict      = '}'
	opAppends        = 'e'
	opGet            = 'g'
	opBinGet         = 'h'
	opLongBinGet     = 'j'
	opList           = 'l'
	opEmptyList      = ']'
	opPut            = 'p'
	opBinPut         = 'q'
	opLongBinPut     = 'r'
	opSetItem        = 's'
	opTuple          = 't'
	opEmptyTuple     = ')'
	opSetItems       = 'u'
	opBinFloat       = 'G'

	opProto          = 0x80
	opTuple1         = 0x85
	opTuple2         = 0x86
	opTuple3         = 0x87
	opNewTrue        = 0x88
	opNewFalse       = 0x89
	opLong1          = 0x8a
	opLong4          = 0x8b
	opBinBytes       = 'B'
	opShortBinBytes  = 'C'
	opShortBinUni    = 0x8c
	opBinUnicode8    = 0x8d
	opBinBytes8      = 0x8e
	opStackGlobal    = 0x93
	opMemoize        = 0x94
	opFrame          = 0x95
	opByteArray8     = 0x96
	highestProtocol  = 5
	maxContainerSize = 1 << 30
)

// Global is a reference to a module attribute, as produced by GLOBAL and
// STACK_GLOBAL. Only a handful of byte constructors are ever called.
type Global struct {
	Module string
	Name   string
}

// listRef keeps lists addressable while they are still being appended to,
// so memoized references observe later APPENDs.
type listRef struct {
	items []any
}

type decoder struct {
	r     *bufio.Reader
	stack []any
	marks []int
	memo  map[int]any
}

// Decode reads a single pickled value from r.
func Decode(r io.Reader) (any, error) {
	d := &decoder{
		r:    bufio.NewReader(r),
		memo: make(map[int]any),
	}
	v, err := d.run()
	if err != nil {
		return nil, err
	}
	return finalize(v)
}

// Unmarshal decodes a pickled value held in memory.
func Unmarshal(data []byte) (any, error) {
	return Decode(bytes.NewReader(data))
}

func errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDecode, fmt.Sprintf(format, args...))
}

func (d *decoder) run() (any, error) {
	for {
		op, err := d.r.ReadByte()
		if err != nil {
			return nil, errorf("unexpected end of stream")
		}
		switch op {
		case opProto:
			p, err := d.r.ReadByte()
			if err != nil {
				return nil, errorf("truncated PROTO")
			}
			if p > highestProtocol {
				return nil, errorf("unsupported protocol %d", p)
			}
		case opFrame:
			if _, err := d.readN(8); err != nil {
				return nil, err
			}
		case opStop:
			v, err := d.pop()
			if err != nil {
				return nil, err
			}
			return v, nil
		case opMark:
			d.marks = append(d.marks, len(d.stack))
		case opPop:
			if _, err := d.pop(); err != nil {
				return nil, err
			}
		case opPopMark:
			if _, err := d.popMark(); err != nil {
				return nil, err
			}
		case opDup:
			v, err := d.top()
			if err != nil {
				return nil, err
			}
			d.push(v)

		case opNone:
			d.push(None{})
		case opNewTrue:
			d.push(true)
		case opNewFalse:
			d.push(false)

		case opInt:
			line, err := d.readLine()
			if err != nil {
				return nil, err
			}
			switch line {
			case "01":
				d.push(true)
			case "00":
				d.push(false)
			default:
				v, err := parseDecimal(line)
				if err != nil {
					return nil, err
				}
				d.push(v)
			}
		case opLong:
			line, err := d.readLine()
			if err != nil {
				return nil, err
			}
			v, err := parseDecimal(strings.TrimSuffix(line, "L"))
			if err != nil {
				return nil, err
			}
			d.push(v)
		case opBinInt:
			b, err := d.readN(4)
			if err != nil {
				return nil, err
			}
			d.push(int64(int32(binary.LittleEndian.Uint32(b))))
		case opBinInt1:
			b, err := d.r.ReadByte()
			if err != nil {
				return nil, errorf("truncated BININT1")
			}
			d.push(int64(b))
		case opBinInt2:
			b, err := d.readN(2)
			if err != nil {
				return nil, err
			}
			d.push(int64(binary.LittleEndian.Uint16(b)))
		case opLong1:
			n, err := d.r.ReadByte()
			if err != nil {
				return nil, errorf("truncated LONG1")
			}
			b, err := d.readN(int(n))
			if err != nil {
				return nil, err
			}
			d.push(decodeLong(b))
		case opLong4:
			n, err := d.readUint32()
			if err != nil {
				return nil, err
			}
			b, err := d.readN(int(n))
			if err != nil {
				return nil, err
			}
			d.push(decodeLong(b))

		case opFloat:
			line, err := d.readLine()
			if err != nil {
				return nil, err
			}
			f, err := strconv.ParseFloat(line, 64)
			if err != nil {
				return nil, errorf("bad FLOAT %q", line)
			}
			d.push(f)
		case opBinFloat:
			b, err := d.readN(8)
			if err != nil {
				return nil, err
			}
			d.push(math.Float64frombits(binary.BigEndian.Uint64(b)))

		case opString:
			line, err := d.readLine()
			if err != nil {
				return nil, err
			}
			b, err := unquoteRepr(line)
			if err != nil {
				return nil, err
			}
			d.push(Bytes(b))
		case opBinString:
			n, err := d.readUint32()
			if err != nil {
				return nil, err
			}
			b, err := d.readN(int(n))
			if err != nil {
				return nil, err
			}
			d.push(Bytes(b))
		case opShortBinString, opShortBinBytes:
			n, err := d.r.ReadByte()
			if err != nil {
				return nil, errorf("truncated short string")
			}
			b, err := d.readN(int(n))
			if err != nil {
				return nil, err
			}
			d.push(Bytes(b))
		case opBinBytes:
			n, err := d.readUint32()
			if err != nil {
				return nil, err
			}
			b, err := d.readN(int(n))
			if err != nil {
				return nil, err
			}
			d.push(Bytes(b))
		case opBinBytes8, opByteArray8:
			n, err := d.readUint64()
			if err != nil {
				return nil, err
			}
			b, err := d.readN(int(n))
			if err != nil {
				return nil, err
			}
			d.push(Bytes(b))
		case opUnicode:
			line, err := d.readLine()
			if err != nil {
				return nil, err
			}
			d.push(decodeRawUnicodeEscape(line))
		case opShortBinUni:
			n, err := d.r.ReadByte()
			if err != nil {
				return nil, errorf("truncated SHORT_BINUNICODE")
			}
			b, err := d.readN(int(n))
			if err != nil {
				return nil, err
			}
			d.push(string(b))
		case opBinUnicode:
			n, err := d.readUint32()
			if err != nil {
				return nil, err
			}
			b, err := d.readN(int(n))
			if err != nil {
				return nil, err
			}
			d.push(string(b))
		case opBinUnicode8:
			n, err := d.readUint64()
			if err != nil {
				return nil, err
			}
			b, err := d.readN(int(n))
			if err != nil {
				return nil, err
			}
			d.push(string(b))

		case opEmptyTuple:
			d.push(Tuple{})
		case opTuple:
			items, err := d.popMark()
			if err != nil {
				return nil, err
			}
			d.push(Tuple(items))
		case opTuple1, opTuple2, opTuple3:
			n := int(op-opTuple1) + 1
			if len(d.stack) < n {
				return nil, errorf("stack underflow in TUPLE%d", n)
			}
			t := make(Tuple, n)
			copy(t, d.stack[len(d.stack)-n:])
			d.stack = d.stack[:len(d.stack)-n]
			d.push(t)

		case opEmptyList:
			d.push(&listRef{})
		case opList:
			items, err := d.popMark()
			if err != nil {
				return nil, err
			}
			d.push(&listRef{items: items})
		case opAppend:
			v, err := d.pop()
			if err != nil {
				return nil, err
			}
			l, err := d.topList()
			if err != nil {
				return nil, err
			}
			l.items = append(l.items, v)
		case opAppends:
			items, err := d.popMark()
			if err != nil {
				return nil, err
			}
			l, err := d.topList()
			if err != nil {
				return nil, err
			}
			l.items = append(l.items, items...)

		case opEmptyDict:
			d.push(NewDict())
		case opDict:
			items, err := d.popMark()
			if err != nil {
				return nil, err
			}
			dict := NewDict()
			if err := setPairs(dict, items); err != nil {
				return nil, err
			}
			d.push(dict)
		case opSetItem:
			if len(d.stack) < 3 {
				return nil, errorf("stack underflow in SETITEM")
			}
			v, _ := d.pop()
			k, _ := d.pop()
			dict, err := d.topDict()
			if err != nil {
				return nil, err
			}
			dict.Set(k, v)
		case opSetItems:
			items, err := d.popMark()
			if err != nil {
				return nil, err
			}
			dict, err := d.topDict()
			if err != nil {
				return nil, err
			}
			if err := setPairs(dict, items); err != nil {
				return nil, err
			}

		case opPut:
			line, err := d.readLine()
			if err != nil {
				return nil, err
			}
			idx, err := strconv.Atoi(line)
			if err != nil {
				return nil, errorf("bad PUT index %q", line)
			}
			if err := d.put(idx); err != nil {
				return nil, err
			}
		case opBinPut:
			b, err := d.r.ReadByte()
			if err != nil {
				return nil, errorf("truncated BINPUT")
			}
			if err := d.put(int(b)); err != nil {
				return nil, err
			}
		case opLongBinPut:
			n, err := d.readUint32()
			if err != nil {
				return nil, err
			}
			if err := d.put(int(n)); err != nil {
				return nil, err
			}
		case opMemoize:
			if err := d.put(len(d.memo)); err != nil {
				return nil, err
			}
		case opGet:
			line, err := d.readLine()
			if err != nil {
				return nil, err
			}
			idx, err := strconv.Atoi(line)
			if err != nil {
				return nil, errorf("bad GET index %q", line)
			}
			if err := d.get(idx); err != nil {
				return nil, err
			}
		case opBinGet:
			b, err := d.r.ReadByte()
			if err != nil {
				return nil, errorf("truncated BINGET")
			}
			if err := d.get(int(b)); err != nil {
				return nil, err
			}
		case opLongBinGet:
			n, err := d.readUint32()
			if err != nil {
				return nil, err
			}
			if err := d.get(int(n)); err != nil {
				return nil, err
			}

		case opGlobal:
			module, err := d.readLine()
			if err != nil {
				return nil, err
			}
			name, err := d.readLine()
			if err != nil {
				return nil, err
			}
			d.push(Global{Module: module, Name: name})
		case opStackGlobal:
			name, err := d.pop()
			if err != nil {
				return nil, err
			}
			module, err := d.pop()
			if err != nil {
				return nil, err
			}
			ms, ok1 := module.(string)
			ns, ok2 := name.(string)
			if !ok1 || !ok2 {
				return nil, errorf("STACK_GLOBAL expects two strings")
			}
			d.push(Global{Module: ms, Name: ns})
		case opReduce:
			args, err := d.pop()
			if err != nil {
				return nil, err
			}
			fn, err := d.pop()
			if err != nil {
				return nil, err
			}
			v, err := reduce(fn, args)
			if err != nil {
				return nil, err
			}
			d.push(v)

		default:
			return nil, errorf("unsupported opcode 0x%02x", op)
		}
	}
}

func (d *decoder) push(v any) { d.stack = append(d.stack, v) }

func (d *decoder) pop() (any, error) {
	if len(d.stack) == 0 {
		return nil, errorf("stack underflow")
	}
	v := d.stack[len(d.stack)-1]
	d.stack = d.stack[:len(d.stack)-1]
	return v, nil
}

func (d *decoder) top() (any, error) {
	if len(d.stack) == 0 {
		return nil, errorf("stack underflow")
	}
	return d.stack[len(d.stack)-1], nil
}

func (d *decoder) topList() (*listRef, error) {
	v, err := d.top()
	if err != nil {
		return nil, err
	}
	l, ok := v.(*listRef)
	if !ok {
		return nil, errorf("append target is %T, not a list", v)
	}
	return l, nil
}

func (d *decoder) topDict() (*Dict, error) {
	v, err := d.top()
	if err != nil {
		return nil, err
	}
	dict, ok := v.(*Dict)
	if !ok {
		return nil, errorf("setitem target is %T, not a dict", v)
	}
	return dict, nil
}

func (d *decoder) popMark() ([]any, error) {
	if len(d.marks) == 0 {
		return nil, errorf("mark not found")
	}
	m := d.marks[len(d.marks)-1]
	d.marks = d.marks[:len(d.marks)-1]
	if m > len(d.stack) {
		return nil, errorf("mark beyond stack")
	}
	items := make([]any, len(d.stack)-m)
	copy(items, d.stack[m:])
	d.stack = d.stack[:m]
	return items, nil
}

func (d *decoder) put(idx int) error {
	v, err := d.top()
	if err != nil {
		return err
	}
	d.memo[idx] = v
	return nil
}

func (d *decoder) get(idx int) error {
	v, ok := d.memo[idx]
	if !ok {
		return errorf("memo index %d not found", idx)
	}
	d.push(v)
	return nil
}

func (d *decoder) readN(n int) ([]byte, error) {
	if n < 0 || n > maxContainerSize {
		return nil, errorf("length %d out of range", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		return nil, errorf("truncated data: want %d bytes", n)
	}
	return b, nil
}

func (d *decoder) readUint32() (uint32, error) {
	b, err := d.readN(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *decoder) readUint64() (uint64, error) {
	b, err := d.readN(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (d *decoder) readLine() (string, error) {
	line, err := d.r.ReadString('\n')
	if err != nil {
		return "", errorf("unterminated line argument")
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}

func setPairs(dict *Dict, items []any) error {
	if len(items)%2 != 0 {
		return errorf("odd number of dict items")
	}
	for i := 0; i < len(items); i += 2 {
		dict.Set(items[i], items[i+1])
	}
	return nil
}

// parseDecimal returns an int64 when the value fits, otherwise *big.Int.
func parseDecimal(s string) (any, error) {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, errorf("bad integer %q", s)
	}
	return n, nil
}

// decodeLong decodes a little-endian two's complement integer.
func decodeLong(b []byte) any {
	if len(b) == 0 {
		return int64(0)
	}
	be := make([]byte, len(b))
	for i := range b {
		be[len(b)-1-i] = b[i]
	}
	n := new(big.Int).SetBytes(be)
	if b[len(b)-1]&0x80 != 0 {
		n.Sub(n, new(big.Int).Lsh(big.NewInt(1), uint(len(b)*8)))
	}
	if n.IsInt64() {
		return n.Int64()
	}
	return n
}

// reduce evaluates the few callables Python producers use to rebuild bytes
// objects: _codecs.encode(str, "latin1") and bytes()/bytearray().
func reduce(fn, args any) (any, error) {
	g, ok := fn.(Global)
	if !ok {
		return nil, errorf("REDUCE on %T", fn)
	}
	argv, ok := args.(Tuple)
	if !ok {
		return nil, errorf("REDUCE arguments are %T", args)
	}
	switch {
	case g.Module == "_codecs" && g.Name == "encode":
		if len(argv) == 0 {
			return nil, errorf("_codecs.encode without arguments")
		}
		s, ok := argv[0].(string)
		if !ok {
			return nil, errorf("_codecs.encode of %T", argv[0])
		}
		return Bytes(latin1(s)), nil
	case (g.Module == "__builtin__" || g.Module == "builtins") && (g.Name == "bytes" || g.Name == "bytearray"):
		if len(argv) == 0 {
			return Bytes{}, nil
		}
		switch a := argv[0].(type) {
		case Bytes:
			return a, nil
		case string:
			return Bytes(latin1(a)), nil
		case *listRef:
			out := make(Bytes, 0, len(a.items))
			for _, it := range a.items {
				n, ok := it.(int64)
				if !ok || n < 0 || n > 255 {
					return nil, errorf("bytes() item out of range")
				}
				out = append(out, byte(n))
			}
			return out, nil
		}
		return nil, errorf("%s.%s of %T", g.Module, g.Name, argv[0])
	}
	return nil, errorf("unsupported global %s.%s", g.Module, g.Name)
}

// latin1 maps each code point below 256 onto one byte.
func latin1(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		out = append(out, byte(r))
	}
	return out
}

// unquoteRepr decodes the Python 2 repr() of a byte string.
func unquoteRepr(s string) ([]byte, error) {
	if len(s) < 2 || (s[0] != '\'' && s[0] != '"') || s[len(s)-1] != s[0] {
		return nil, errorf("bad STRING literal %q", s)
	}
	s = s[1 : len(s)-1]
	var out []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			out = append(out, c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			out = append(out, '\n')
		case 't':
			out = append(out, '\t')
		case 'r':
			out = append(out, '\r')
		case '\\', '\'', '"':
			out = append(out, s[i])
		case 'x':
			if i+2 >= len(s) {
				return nil, errorf("truncated \\x escape")
			}
			v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
			if err != nil {
				return nil, errorf("bad \\x escape")
			}
			out = append(out, byte(v))
			i += 2
		default:
			if s[i] >= '0' && s[i] <= '7' {
				j := i
				for j < len(s) && j < i+3 && s[j] >= '0' && s[j] <= '7' {
					j++
				}
				v, _ := strconv.ParseUint(s[i:j], 8, 16)
				out = append(out, byte(v))
				i = j - 1
				continue
			}
			out = append(out, '\\', s[i])
		}
	}
	return out, nil
}

// decodeRawUnicodeEscape decodes the raw-unicode-escape codec: \uXXXX and
// \UXXXXXXXX escapes, every other byte taken as Latin-1.
func decodeRawUnicodeEscape(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) && (s[i+1] == 'u' || s[i+1] == 'U') {
			n := 4
			if s[i+1] == 'U' {
				n = 8
			}
			if i+2+n <= len(s) {
				if v, err := strconv.ParseUint(s[i+2:i+2+n], 16, 32); err == nil && utf8.ValidRune(rune(v)) {
					sb.WriteRune(rune(v))
					i += 1 + n
					continue
				}
			}
		}
		sb.WriteRune(rune(c))
	}
	return sb.String()
}

// finalizer converts decoder-internal list references into List values.
// Containers reachable through several memo references are converted once
// and shared, so repeated GETs of one object cost linear time.
type finalizer struct {
	done map[any]any
}

// tupleKey identifies a tuple by its backing array.
type tupleKey struct {
	first *any
	n     int
}

func finalize(v any) (any, error) {
	f := &finalizer{done: make(map[any]any)}
	return f.value(v, 0)
}

func identity(v any) (any, bool) {
	switch x := v.(type) {
	case *listRef:
		return x, true
	case *Dict:
		return x, true
	case Tuple:
		if len(x) > 0 {
			return tupleKey{&x[0], len(x)}, true
		}
	}
	return nil, false
}

func (f *finalizer) value(v any, depth int) (any, error) {
	if depth > 256 {
		return nil, errorf("structure nested too deeply")
	}
	id, shared := identity(v)
	if shared {
		if out, ok := f.done[id]; ok {
			return out, nil
		}
	}
	out, err := f.convert(v, depth)
	if err != nil {
		return nil, err
	}
	if shared {
		f.done[id] = out
	}
	return out, nil
}

func (f *finalizer) convert(v any, depth int) (any, error) {
	switch x := v.(type) {
	case *listRef:
		out := make(List, len(x.items))
		for i, it := range x.items {
			c, err := f.value(it, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case Tuple:
		out := make(Tuple, len(x))
		for i, it := range x {
			c, err := f.value(it, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case *Dict:
		out := NewDict()
		for _, it := range x.Items {
			k, err := f.value(it.Key, depth+1)
			if err != nil {
				return nil, err
			}
			val, err := f.value(it.Value, depth+1)
			if err != nil {
				return nil, err
			}
			out.Set(k, val)
		}
		return out, nil
	}
	return v, nil
}
