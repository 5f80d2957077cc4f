// Package fileutil provides block level helpers for editing binaries in place.
package fileutil

import (
	"io"

	"github.com/pkg/errors"
)

// BufSize is the size of the scratch buffer used by Zero, Move and Copy.
const BufSize = 8192

// ReadWriterAt is a random access stream that can be read and written.
type ReadWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

// Truncater is implemented by streams that can change their size (e.g. *os.File).
type Truncater interface {
	Truncate(size int64) error
}

// File is a random access stream that can also be resized.
type File interface {
	ReadWriterAt
	Truncater
}

// writeFull writes all of buf at off, retrying short writes.
func writeFull(w io.WriterAt, buf []byte, off int64) error {
	for len(buf) > 0 {
		n, err := w.WriteAt(buf, off)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		buf = buf[n:]
		off += int64(n)
	}
	return nil
}

// readPadded fills buf from r at off. Bytes past the end of the stream read
// as zero.
func readPadded(r io.ReaderAt, buf []byte, off int64) error {
	n, err := r.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	clear(buf[n:])
	return nil
}

// Zero writes n zero bytes starting at off.
func Zero(w io.WriterAt, off, n int64) error {
	if n <= 0 {
		return nil
	}
	zeros := make([]byte, min(n, BufSize))
	for n > 0 {
		size := min(n, int64(len(zeros)))
		if err := writeFull(w, zeros[:size], off); err != nil {
			return errors.Wrapf(err, "failed to zero %d bytes at %#x", size, off)
		}
		off += size
		n -= size
	}
	return nil
}

// Move copies n bytes from src to dst within the same stream. Overlapping
// ranges are handled by copying front-to-back when dst < src and
// back-to-front when dst > src.
func Move(rw ReadWriterAt, dst, src, n int64) error {
	if dst == src || n <= 0 {
		return nil
	}
	buf := make([]byte, min(n, BufSize))

	if dst < src {
		for n > 0 {
			size := min(n, int64(len(buf)))
			if err := readPadded(rw, buf[:size], src); err != nil {
				return errors.Wrapf(err, "failed to read %d bytes at %#x", size, src)
			}
			if err := writeFull(rw, buf[:size], dst); err != nil {
				return errors.Wrapf(err, "failed to write %d bytes at %#x", size, dst)
			}
			n -= size
			src += size
			dst += size
		}
		return nil
	}

	for n > 0 {
		size := min(n, int64(len(buf)))
		if err := readPadded(rw, buf[:size], src+n-size); err != nil {
			return errors.Wrapf(err, "failed to read %d bytes at %#x", size, src+n-size)
		}
		if err := writeFull(rw, buf[:size], dst+n-size); err != nil {
			return errors.Wrapf(err, "failed to write %d bytes at %#x", size, dst+n-size)
		}
		n -= size
	}
	return nil
}

// Copy copies n bytes from src at srcOff to dst at dstOff.
func Copy(dst io.WriterAt, dstOff int64, src io.ReaderAt, srcOff, n int64) error {
	if n <= 0 {
		return nil
	}
	buf := make([]byte, min(n, BufSize))
	for n > 0 {
		size := min(n, int64(len(buf)))
		if err := readPadded(src, buf[:size], srcOff); err != nil {
			return errors.Wrapf(err, "failed to read %d bytes at %#x", size, srcOff)
		}
		if err := writeFull(dst, buf[:size], dstOff); err != nil {
			return errors.Wrapf(err, "failed to write %d bytes at %#x", size, dstOff)
		}
		n -= size
		srcOff += size
		dstOff += size
	}
	return nil
}

// RoundUp rounds v up to the next multiple of multiple.
// A multiple of 0 or 1 returns v unchanged.
func RoundUp(v, multiple uint64) uint64 {
	if multiple <= 1 {
		return v
	}
	if r := v % multiple; r != 0 {
		return v + multiple - r
	}
	return v
}

// WriteAt writes all of buf to w at off.
func WriteAt(w io.WriterAt, off int64, buf []byte) error {
	if err := writeFull(w, buf, off); err != nil {
		return errors.Wrapf(err, "failed to write %d bytes at %#x", len(buf), off)
	}
	return nil
}
