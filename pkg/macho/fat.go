package macho

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/blacktop/go-macho/types"
)

// MagicFat64 marks a universal header whose arch entries carry 64-bit offsets.
const MagicFat64 types.Magic = types.MagicFat + 1

const (
	fatHeaderSize    = 8
	fatArchSize      = 20
	fatArch64Size    = 32
	maxFatArchitects = 30 // more than this is a Java class file sharing the magic
)

// A FatArch locates one image inside a universal file.
type FatArch struct {
	CPU      types.CPU
	SubCPU   types.CPUSubtype
	Offset   uint64
	Size     uint64
	Align    uint32
	Reserved uint32
}

// A FatHeader is the big-endian table at the start of a universal file.
type FatHeader struct {
	Magic  types.Magic
	Arches []FatArch
}

// Is64 reports whether the arch entries use the fat_arch_64 layout.
func (h *FatHeader) Is64() bool { return h.Magic == MagicFat64 }

// Bytes encodes the header and arch table.
func (h *FatHeader) Bytes() []byte {
	size := fatArchSize
	if h.Is64() {
		size = fatArch64Size
	}
	buf := make([]byte, fatHeaderSize+size*len(h.Arches))
	binary.BigEndian.PutUint32(buf[0:], uint32(h.Magic))
	binary.BigEndian.PutUint32(buf[4:], uint32(len(h.Arches)))
	for i, a := range h.Arches {
		b := buf[fatHeaderSize+i*size:]
		binary.BigEndian.PutUint32(b[0:], uint32(a.CPU))
		binary.BigEndian.PutUint32(b[4:], uint32(a.SubCPU))
		if h.Is64() {
			binary.BigEndian.PutUint64(b[8:], a.Offset)
			binary.BigEndian.PutUint64(b[16:], a.Size)
			binary.BigEndian.PutUint32(b[24:], a.Align)
			binary.BigEndian.PutUint32(b[28:], a.Reserved)
			continue
		}
		binary.BigEndian.PutUint32(b[8:], uint32(a.Offset))
		binary.BigEndian.PutUint32(b[12:], uint32(a.Size))
		binary.BigEndian.PutUint32(b[16:], a.Align)
	}
	return buf
}

// ReadFatHeader reads a universal header. ok is false when r does not start
// with a fat magic.
func ReadFatHeader(r io.ReaderAt) (h *FatHeader, ok bool, err error) {
	var hdr [fatHeaderSize]byte
	if n, _ := r.ReadAt(hdr[:], 0); n < len(hdr) {
		return nil, false, nil
	}
	magic := types.Magic(binary.BigEndian.Uint32(hdr[0:]))
	if magic != types.MagicFat && magic != MagicFat64 {
		return nil, false, nil
	}
	narch := binary.BigEndian.Uint32(hdr[4:])
	if narch == 0 {
		return nil, true, &FormatError{0, "file contains no images", nil}
	}
	if narch > maxFatArchitects {
		return nil, true, &FormatError{0, "too many architectures in fat header", narch}
	}

	h = &FatHeader{Magic: magic}
	size := fatArchSize
	if h.Is64() {
		size = fatArch64Size
	}
	table := make([]byte, int(narch)*size)
	if n, err := r.ReadAt(table, fatHeaderSize); n < len(table) {
		return nil, true, fmt.Errorf("failed to read fat arch table: %w", err)
	}
	for i := range int(narch) {
		b := table[i*size:]
		a := FatArch{
			CPU:    types.CPU(binary.BigEndian.Uint32(b[0:])),
			SubCPU: types.CPUSubtype(binary.BigEndian.Uint32(b[4:])),
		}
		if h.Is64() {
			a.Offset = binary.BigEndian.Uint64(b[8:])
			a.Size = binary.BigEndian.Uint64(b[16:])
			a.Align = binary.BigEndian.Uint32(b[24:])
			a.Reserved = binary.BigEndian.Uint32(b[28:])
		} else {
			a.Offset = uint64(binary.BigEndian.Uint32(b[8:]))
			a.Size = uint64(binary.BigEndian.Uint32(b[12:]))
			a.Align = binary.BigEndian.Uint32(b[16:])
		}
		h.Arches = append(h.Arches, a)
	}
	return h, true, nil
}

// A Universal is either a thin image or every slice of a fat file.
type Universal struct {
	Fat    *FatHeader // nil for thin files
	Arches []*File

	closer io.Closer
}

// Open opens the named file read only.
func Open(name string) (*Universal, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	u, err := NewUniversal(f, fi.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	u.closer = f
	return u, nil
}

// NewUniversal parses the thin or fat Mach-O file of the given size in r.
func NewUniversal(r io.ReaderAt, size int64) (*Universal, error) {
	fat, ok, err := ReadFatHeader(r)
	if err != nil {
		return nil, err
	}
	if !ok {
		m, err := NewFile(r, 0, size)
		if err != nil {
			return nil, err
		}
		return &Universal{Arches: []*File{m}}, nil
	}

	u := &Universal{Fat: fat}
	for _, a := range fat.Arches {
		if a.Offset+a.Size > uint64(size) {
			return nil, &FormatError{int64(a.Offset), "fat arch extends past end of file", a.Size}
		}
		m, err := NewFile(r, int64(a.Offset), int64(a.Size))
		if err != nil {
			return nil, err
		}
		if m.CPU != a.CPU {
			return nil, &FormatError{int64(a.Offset), "fat arch cpu does not match image header", ArchName(a.CPU, a.SubCPU)}
		}
		u.Arches = append(u.Arches, m)
	}
	return u, nil
}

// Close closes the file opened by Open.
func (u *Universal) Close() error {
	if u.closer == nil {
		return nil
	}
	err := u.closer.Close()
	u.closer = nil
	return err
}

// IsFat reports whether the file has a universal header.
func (u *Universal) IsFat() bool { return u.Fat != nil }

// Put writes the universal header, if any, and every image header back to w.
func (u *Universal) Put(w io.WriterAt) error {
	if u.Fat != nil {
		if _, err := w.WriteAt(u.Fat.Bytes(), 0); err != nil {
			return fmt.Errorf("failed to write fat header: %w", err)
		}
	}
	for _, m := range u.Arches {
		if err := m.Put(w); err != nil {
			return fmt.Errorf("%s: %w", m.ArchName(), err)
		}
	}
	return nil
}

// same returns the value every slice agrees on.
func same[T any](u *Universal, get func(*File) T, eq func(a, b T) bool) (T, error) {
	var v T
	for i, m := range u.Arches {
		got := get(m)
		if i == 0 {
			v = got
			continue
		}
		if !eq(v, got) {
			var zero T
			return zero, fmt.Errorf("%s and %s: %w", u.Arches[0].ArchName(), m.ArchName(), ErrPerArchMismatch)
		}
	}
	return v, nil
}

// InstallNames returns the dylibs every slice depends on.
func (u *Universal) InstallNames() ([]string, error) {
	return same(u, (*File).InstallNames, slices.Equal[[]string])
}

// Rpaths returns the LC_RPATH entries of every slice.
func (u *Universal) Rpaths() ([]string, error) {
	return same(u, (*File).Rpaths, slices.Equal[[]string])
}

// InstallID returns the LC_ID_DYLIB name of every slice, or "" when none has one.
func (u *Universal) InstallID() (string, error) {
	return same(u, func(m *File) string {
		id, _ := m.InstallID()
		return id
	}, func(a, b string) bool { return a == b })
}

// SetInstallName renames a dependency in every slice. Slices that do not
// reference old are left untouched.
func (u *Universal) SetInstallName(old, new string) (bool, error) {
	var changed bool
	for _, m := range u.Arches {
		ok, err := m.SetInstallName(old, new)
		if err != nil {
			return false, fmt.Errorf("%s: %w", m.ArchName(), err)
		}
		changed = changed || ok
	}
	return changed, nil
}

// SetInstallID sets the LC_ID_DYLIB name of every slice that has one. It
// reports whether any slice did.
func (u *Universal) SetInstallID(id string) (bool, error) {
	var changed bool
	for _, m := range u.Arches {
		if _, ok := m.InstallID(); !ok {
			continue
		}
		if err := m.SetInstallID(id); err != nil {
			return false, fmt.Errorf("%s: %w", m.ArchName(), err)
		}
		changed = true
	}
	return changed, nil
}

// ArchNames returns the architecture of every slice in file order.
func (u *Universal) ArchNames() []string {
	names := make([]string, 0, len(u.Arches))
	for _, m := range u.Arches {
		names = append(names, m.ArchName())
	}
	return names
}
