package rpa

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Writer streams members into a new archive. Member bytes are stored
// uncompressed; the index is appended and the header patched on Close.
type Writer struct {
	f      *os.File
	w      *bufio.Writer
	header Header
	index  Index
	pos    int64
	closed bool
}

// Create starts a new archive at path. Only writable versions are accepted.
func Create(path string, version Version) (*Writer, error) {
	if !version.Writable() {
		return nil, fmt.Errorf("%w: cannot write %s", ErrUnsupportedVersion, version)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	h := Header{Version: version}
	if version == V3 {
		h.Key = newKey()
	}
	wr := &Writer{
		f:      f,
		w:      bufio.NewWriterSize(f, 1<<16),
		header: h,
		index:  make(Index),
	}

	placeholder := strings.Repeat("0", HeaderSize-1) + "\n"
	if _, err := wr.w.WriteString(placeholder); err != nil {
		f.Close()
		return nil, err
	}
	wr.pos = HeaderSize
	return wr, nil
}

// newKey derives a 32-bit obfuscation key from the wall clock. The key only
// marks the format; it is not a secret.
func newKey() uint64 {
	return uint64(time.Now().UnixNano()) & 0xFFFFFFFF
}

// Header returns the header that Close will write. IndexOffset is only
// meaningful after Close.
func (wr *Writer) Header() Header { return wr.header }

// Add copies r into the archive under name. The name is normalized to
// forward slashes; adding the same name twice is an error.
func (wr *Writer) Add(name string, r io.Reader) error {
	if wr.closed {
		return errors.New("rpa: write to closed archive")
	}
	name = normalizeName(name)
	if name == "" {
		return fmt.Errorf("%w: empty member name", ErrUnsafePath)
	}
	if _, dup := wr.index[name]; dup {
		return fmt.Errorf("duplicate member %q", name)
	}

	offset := wr.pos
	n, err := io.Copy(wr.w, r)
	wr.pos += n
	if err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	wr.index[name] = []Segment{{Offset: offset, Length: n, Prefix: []byte{}}}
	return nil
}

// AddFile adds the file at path under name.
func (wr *Writer) AddFile(path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return wr.Add(name, f)
}

// Len returns the number of members added so far.
func (wr *Writer) Len() int { return len(wr.index) }

// Close appends the index, rewrites the header and closes the file.
func (wr *Writer) Close() error {
	if wr.closed {
		return nil
	}
	wr.closed = true

	wr.header.IndexOffset = wr.pos
	blob, err := encodeIndex(wr.index, wr.header.Key, wr.header.Keyed())
	if err != nil {
		wr.f.Close()
		return fmt.Errorf("encoding index: %w", err)
	}
	if _, err := wr.w.Write(blob); err != nil {
		wr.f.Close()
		return err
	}
	if err := wr.w.Flush(); err != nil {
		wr.f.Close()
		return err
	}

	hdr, err := wr.header.Bytes()
	if err != nil {
		wr.f.Close()
		return err
	}
	if _, err := wr.f.WriteAt(hdr, 0); err != nil {
		wr.f.Close()
		return err
	}
	return wr.f.Close()
}

func normalizeName(name string) string {
	name = strings.ReplaceAll(filepath.ToSlash(name), "\\", "/")
	return strings.TrimLeft(name, "/")
}

// PackProgress reports packing progress.
type PackProgress func(done, total int, name string)

// PackDir writes every regular file under dir into a new archive at out.
// Member names are dir-relative. Files are added in sorted path order.
func PackDir(ctx context.Context, dir, out string, version Version, progress PackProgress) (int, error) {
	absOut, _ := filepath.Abs(out)

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if abs, _ := filepath.Abs(path); abs == absOut {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, fmt.Errorf("no files found in %s", dir)
	}
	sort.Strings(files)

	wr, err := Create(out, version)
	if err != nil {
		return 0, err
	}
	abort := func() {
		wr.Close()
		os.Remove(out)
	}
	for i, path := range files {
		if err := ctx.Err(); err != nil {
			abort()
			return i, err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			abort()
			return i, err
		}
		if err := wr.AddFile(path, rel); err != nil {
			abort()
			return i, fmt.Errorf("adding %s: %w", path, err)
		}
		if progress != nil {
			progress(i+1, len(files), filepath.ToSlash(rel))
		}
	}
	return len(files), wr.Close()
}
