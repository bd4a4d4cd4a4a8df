package rpa

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// maxHeaderLine bounds the search for the header newline.
const maxHeaderLine = 256

// Archive is an opened archive index. Member data is read from disk on
// demand.
type Archive struct {
	path   string
	header Header
	index  Index
	size   int64
}

// Open reads the header and index of the archive at path.
func Open(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	line, err := readHeaderLine(f)
	if err != nil {
		return nil, err
	}
	h, err := ParseHeader(line)
	if err != nil {
		return nil, err
	}
	if h.IndexOffset < int64(len(line)) || h.IndexOffset >= st.Size() {
		return nil, fmt.Errorf("%w: index offset %d outside file of %d bytes",
			ErrTruncatedArchive, h.IndexOffset, st.Size())
	}

	if _, err := f.Seek(h.IndexOffset, io.SeekStart); err != nil {
		return nil, err
	}
	compressed, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	idx, err := decodeIndex(compressed, h.Key, h.Keyed())
	if err != nil {
		return nil, err
	}
	for name, segs := range idx {
		for _, s := range segs {
			if s.Offset < 0 || s.Length < 0 || s.Offset+s.Length > h.IndexOffset {
				return nil, fmt.Errorf("%w: member %q spans [%d, %d) past index at %d",
					ErrTruncatedArchive, name, s.Offset, s.Offset+s.Length, h.IndexOffset)
			}
		}
	}

	return &Archive{path: path, header: h, index: idx, size: st.Size()}, nil
}

func readHeaderLine(r io.Reader) ([]byte, error) {
	br := bufio.NewReaderSize(r, maxHeaderLine)
	line, err := br.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return nil, fmt.Errorf("%w: no newline in the first %d bytes", ErrMalformedHeader, maxHeaderLine)
		}
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: file ends before header newline", ErrTruncatedArchive)
		}
		return nil, err
	}
	return append([]byte(nil), line...), nil
}

// Path returns the archive's file path.
func (a *Archive) Path() string { return a.path }

// Header returns the parsed header.
func (a *Archive) Header() Header { return a.header }

// Version returns the header variant.
func (a *Archive) Version() Version { return a.header.Version }

// Len returns the number of members.
func (a *Archive) Len() int { return len(a.index) }

// Size returns the archive's size on disk.
func (a *Archive) Size() int64 { return a.size }

// Names returns member paths in sorted order.
func (a *Archive) Names() []string { return a.index.Names() }

// Index returns the unmasked index. Callers must not modify it.
func (a *Archive) Index() Index { return a.index }

// MemberSize returns the logical size of a member.
func (a *Archive) MemberSize(name string) (int64, error) {
	if _, ok := a.index[name]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return a.index.Size(name), nil
}

// ReadFile returns the full contents of a member.
func (a *Archive) ReadFile(name string) ([]byte, error) {
	f, err := os.Open(a.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return a.read(f, name)
}

func (a *Archive) read(f io.ReaderAt, name string) ([]byte, error) {
	segs, ok := a.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	out := make([]byte, 0, a.index.Size(name))
	for _, s := range segs {
		out = append(out, s.Prefix...)
		start := len(out)
		out = out[:start+int(s.Length)]
		n, err := f.ReadAt(out[start:], s.Offset)
		if n < int(s.Length) {
			if err == nil || errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: %s: read %d of %d bytes at %d",
					ErrTruncatedArchive, name, n, s.Length, s.Offset)
			}
			return nil, err
		}
	}
	return out, nil
}

// Extract writes one member to outDir/name and returns the written path.
func (a *Archive) Extract(name, outDir string) (string, error) {
	f, err := os.Open(a.path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return a.extract(f, name, outDir)
}

func (a *Archive) extract(f io.ReaderAt, name, outDir string) (string, error) {
	target, err := memberPath(outDir, name)
	if err != nil {
		return "", err
	}
	data, err := a.read(f, name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", err
	}
	return target, nil
}

// memberPath joins a member name under outDir, rejecting names that would
// land outside it.
func memberPath(outDir, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || filepath.IsAbs(clean) || filepath.VolumeName(clean) != "" ||
		clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return filepath.Join(outDir, clean), nil
}

// ProgressFunc reports extraction progress: done members out of the total.
type ProgressFunc func(done, total int, name string)

// ExtractAll writes every member under outDir, overwriting existing files.
// Members are extracted in sorted order. The first failure aborts.
func (a *Archive) ExtractAll(ctx context.Context, outDir string, progress ProgressFunc) error {
	f, err := os.Open(a.path)
	if err != nil {
		return err
	}
	defer f.Close()

	names := a.Names()
	for i, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.extract(f, name, outDir); err != nil {
			return fmt.Errorf("extracting %s: %w", name, err)
		}
		if progress != nil {
			progress(i+1, len(names), name)
		}
	}
	return nil
}
