// Package rpa reads and writes Ren'Py archives (.rpa).
//
// An archive is a 51-byte ASCII header, the raw member bytes, and a
// zlib-compressed pickled index at the offset named by the header. Keyed
// variants XOR every offset and length in the index with the header key.
//
// RPA-2.0, RPA-3.0, RPA-3.2, RPA-4.0 and ALT-1.0 can be read; RPA-2.0 and
// RPA-3.0 can be written.
package rpa

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// HeaderSize is the fixed length of a written header, newline and padding
// included.
const HeaderSize = 51

// altKeyMask is XORed into the key stored in ALT-1.0 headers.
const altKeyMask = 0xDABE8DF0

var (
	ErrMalformedHeader      = errors.New("malformed archive header")
	ErrBadHex               = errors.New("bad hex field in archive header")
	ErrUnsupportedVersion   = errors.New("unsupported archive version")
	ErrTruncatedArchive     = errors.New("truncated archive")
	ErrPickleDecode         = errors.New("cannot decode archive index")
	ErrIndexIntegerOverflow = errors.New("archive index integer exceeds 64 bits")
	ErrNotFound             = errors.New("member not found in archive")
	ErrUnsafePath           = errors.New("member path escapes output directory")
)

// Version identifies an archive header variant.
type Version int

const (
	V2 Version = iota
	V3
	V32
	V4
	ALT1
)

var versionNames = map[Version]string{
	V2:   "RPA-2.0",
	V3:   "RPA-3.0",
	V32:  "RPA-3.2",
	V4:   "RPA-4.0",
	ALT1: "ALT-1.0",
}

func (v Version) String() string {
	if s, ok := versionNames[v]; ok {
		return s
	}
	return fmt.Sprintf("Version(%d)", int(v))
}

// Writable reports whether archives of this version can be created.
func (v Version) Writable() bool {
	return v == V2 || v == V3
}

// ParseVersion parses a writer version such as "3.0" or "RPA-2.0".
func ParseVersion(s string) (Version, error) {
	switch strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "RPA-") {
	case "2", "2.0":
		return V2, nil
	case "3", "3.0", "":
		return V3, nil
	}
	return 0, fmt.Errorf("%w: %q (writable: 2.0, 3.0)", ErrUnsupportedVersion, s)
}

// Header is the decoded first line of an archive.
type Header struct {
	Version     Version
	IndexOffset int64
	// Key masks index offsets and lengths. Zero and unused for RPA-2.0.
	Key uint64
}

// Keyed reports whether index entries are XOR-masked.
func (h Header) Keyed() bool {
	return h.Version != V2
}

// ParseHeader decodes a header line. Trailing whitespace (including the
// newline) is ignored.
func ParseHeader(line []byte) (Header, error) {
	fields := strings.Fields(string(bytes.TrimRight(line, " \t\r\n")))
	if len(fields) == 0 {
		return Header{}, fmt.Errorf("%w: empty header", ErrMalformedHeader)
	}

	var h Header
	want := 3
	switch fields[0] {
	case "RPA-2.0":
		h.Version, want = V2, 2
	case "RPA-3.0":
		h.Version = V3
	case "RPA-3.2":
		h.Version = V32
	case "RPA-4.0":
		h.Version = V4
	case "ALT-1.0":
		h.Version = ALT1
	default:
		return Header{}, fmt.Errorf("%w: unknown magic %q", ErrMalformedHeader, truncate(fields[0], 16))
	}
	if len(fields) != want {
		return Header{}, fmt.Errorf("%w: %s expects %d fields, got %d",
			ErrMalformedHeader, fields[0], want, len(fields))
	}

	offField, keyField := fields[1], ""
	if h.Version == ALT1 {
		offField, keyField = fields[2], fields[1]
	} else if want == 3 {
		keyField = fields[2]
	}

	off, err := parseHex(offField)
	if err != nil {
		return Header{}, fmt.Errorf("index offset: %w", err)
	}
	if off > 1<<62 {
		return Header{}, fmt.Errorf("%w: index offset %x out of range", ErrBadHex, off)
	}
	h.IndexOffset = int64(off)

	if keyField != "" {
		key, err := parseHex(keyField)
		if err != nil {
			return Header{}, fmt.Errorf("key: %w", err)
		}
		if h.Version == ALT1 {
			key ^= altKeyMask
		}
		h.Key = key
	}
	return h, nil
}

func parseHex(s string) (uint64, error) {
	if len(s) == 0 || len(s) > 16 {
		return 0, fmt.Errorf("%w: %q", ErrBadHex, truncate(s, 20))
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadHex, s)
	}
	return v, nil
}

// Bytes renders the header padded with '0' to HeaderSize bytes.
func (h Header) Bytes() ([]byte, error) {
	var line string
	switch h.Version {
	case V2:
		line = fmt.Sprintf("RPA-2.0 %016x\n", h.IndexOffset)
	case V3:
		line = fmt.Sprintf("RPA-3.0 %016x %08x\n", h.IndexOffset, h.Key)
	default:
		return nil, fmt.Errorf("%w: cannot write %s", ErrUnsupportedVersion, h.Version)
	}
	if len(line) > HeaderSize {
		return nil, fmt.Errorf("%w: header line is %d bytes", ErrMalformedHeader, len(line))
	}
	out := make([]byte, HeaderSize)
	copy(out, line)
	for i := len(line); i < HeaderSize; i++ {
		out[i] = '0'
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
