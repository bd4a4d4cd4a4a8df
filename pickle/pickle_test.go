package pickle

import (
	"bytes"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripIndexShape(t *testing.T) {
	d := NewDict()
	d.Set("images/bg.png", List{Tuple{int64(51), int64(1024), Bytes{}}})
	d.Set("script.rpy", List{Tuple{int64(1075), int64(70000), Bytes("abc")}})

	data, err := Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, byte(0x80), data[0])
	assert.Equal(t, byte(3), data[1])

	v, err := Unmarshal(data)
	require.NoError(t, err)
	got, ok := v.(*Dict)
	require.True(t, ok, "decoded %T", v)
	require.Equal(t, 2, got.Len())

	entry, ok := got.Get("script.rpy")
	require.True(t, ok)
	assert.Equal(t, List{Tuple{int64(1075), int64(70000), Bytes("abc")}}, entry)
}

func TestIntegers(t *testing.T) {
	huge, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"byte", int64(7), int64(7)},
		{"uint16", int64(40000), int64(40000)},
		{"negative", int64(-5), int64(-5)},
		{"int32", int64(1 << 30), int64(1 << 30)},
		{"int64", int64(1) << 40, int64(1) << 40},
		{"min int64", int64(-1) << 63, int64(-1) << 63},
		{"uint64 key", uint64(0xDEADBEEFCAFEBABE), new(big.Int).SetUint64(0xDEADBEEFCAFEBABE)},
		{"bignum", huge, huge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Marshal(tt.in)
			require.NoError(t, err)
			got, err := Unmarshal(data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// Protocol 2 output of Python 2 for {'a.txt': [(10L, 20L, <empty str>)]}.
func TestDecodePython2Protocol2(t *testing.T) {
	data := []byte("\x80\x02}q\x00U\x05a.txtq\x01]q\x02K\nK\x14U\x00\x87q\x03as.")
	v, err := Unmarshal(data)
	require.NoError(t, err)
	d := v.(*Dict)
	entry, ok := d.Get(Bytes("a.txt"))
	require.True(t, ok)
	assert.Equal(t, List{Tuple{int64(10), int64(20), Bytes{}}}, entry)
}

// Protocol 0 output: {u'x': [[1, 2, 'p']]}
func TestDecodeProtocol0(t *testing.T) {
	data := []byte("(dp0\nVx\np1\n(lp2\n(lp3\nI1\naI2\naS'p'\np4\naas.")
	v, err := Unmarshal(data)
	require.NoError(t, err)
	d := v.(*Dict)
	entry, ok := d.Get("x")
	require.True(t, ok)
	assert.Equal(t, List{List{int64(1), int64(2), Bytes("p")}}, entry)
}

// Python 3 writes bytes under protocol 2 as _codecs.encode(u'..', 'latin1').
func TestDecodeCodecsEncode(t *testing.T) {
	data := []byte("\x80\x02c_codecs\nencode\nq\x00X\x02\x00\x00\x00\xc3\xbfq\x01X\x06\x00\x00\x00latin1q\x02\x86q\x03Rq\x04.")
	v, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, Bytes{0xff}, v)
}

func TestDecodeMemoSharesList(t *testing.T) {
	// l = []; (l, l) with l appended after memoization
	data := []byte("\x80\x02]q\x00h\x00\x86q\x01.")
	v, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, Tuple{List{}, List{}}, v)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"no stop", []byte("\x80\x03K\x01")},
		{"bad opcode", []byte("\x80\x03\xff.")},
		{"future protocol", []byte("\x80\x09K\x01.")},
		{"unknown global", []byte("cos\nsystem\n(tR.")},
		{"truncated bytes", []byte("\x80\x03C\x05ab")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal(tt.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestLargeDictBatches(t *testing.T) {
	d := NewDict()
	for i := 0; i < 2500; i++ {
		d.Set(int64(i), Tuple{})
	}
	data, err := Marshal(d)
	require.NoError(t, err)
	v, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, 2500, v.(*Dict).Len())
}

func TestEncodeUnsupported(t *testing.T) {
	_, err := Marshal(struct{}{})
	assert.Error(t, err)
}

// sharedTuplePickle nests levels tuples, each holding the previous one
// twice through the memo: (t, t) where t = (u, u) and so on, ending in [].
func sharedTuplePickle(levels int) []byte {
	var b bytes.Buffer
	b.WriteString("\x80\x02]q\x000")
	for i := 1; i <= levels; i++ {
		b.Write([]byte{'h', byte(i - 1), 'h', byte(i - 1), 0x86, 'q', byte(i), '0'})
	}
	b.Write([]byte{'h', byte(levels), '.'})
	return b.Bytes()
}

func TestDecodeSharedMemoObjectsOnce(t *testing.T) {
	const levels = 64
	data := sharedTuplePickle(levels)

	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := Unmarshal(data)
		done <- result{v, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("decoding shared memo references did not finish")
	}
	require.NoError(t, res.err)

	v := res.v
	for i := 0; i < levels; i++ {
		tup, ok := v.(Tuple)
		require.True(t, ok, "level %d decoded %T", i, v)
		require.Len(t, tup, 2)
		assert.Equal(t, tup[0], tup[1])
		v = tup[0]
	}
	assert.Equal(t, List{}, v)
}
