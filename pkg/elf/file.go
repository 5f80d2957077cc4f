// Package elf reads and rewrites the dynamic linking metadata of ELF shared objects.
package elf

import (
	"bytes"
	delf "debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jvolkman/repairwheel/pkg/fileutil"
)

var (
	// ErrUnsupportedFormat is returned for ELF files the rewriter cannot handle.
	ErrUnsupportedFormat = errors.New("unsupported ELF file")
	// ErrMissingStructure is returned when a structure the rewriter needs is absent.
	ErrMissingStructure = errors.New("missing required ELF structure")
)

// FormatError is returned for malformed or inconsistent ELF data.
type FormatError struct {
	off int64
	msg string
	val any
}

func (e *FormatError) Error() string {
	msg := e.msg
	if e.val != nil {
		msg += fmt.Sprintf(" '%v'", e.val)
	}
	msg += fmt.Sprintf(" in record at byte %#x", e.off)
	return msg
}

// VersionAux is a single version requirement of a VersionNeed.
type VersionAux struct {
	Hash  uint32
	Flags uint16
	Other uint16
	Name  uint32 // .dynstr offset
}

// VersionNeed is an entry of the .gnu.version_r table.
type VersionNeed struct {
	Version uint16
	File    uint32 // .dynstr offset of the library name
	Aux     []VersionAux
}

type cached[T any] struct {
	ok  bool
	v   T
	err error
}

func (c *cached[T]) get(load func() (T, error)) (T, error) {
	if !c.ok {
		c.v, c.err = load()
		c.ok = true
	}
	return c.v, c.err
}

// state holds everything read from the underlying stream. It is dropped by
// Invalidate after the file is modified.
type state struct {
	size     cached[int64]
	header   cached[FileHeader]
	progs    cached[[]Prog]
	sections cached[[]Section]
	shstr    cached[[]byte]
	dynamic  cached[[]Dyn]
	dynstr   cached[[]byte]
	verneed  cached[[]VersionNeed]
}

// A File is an ELF file opened for reading and, when the underlying stream
// allows it, rewriting.
type File struct {
	r      io.ReaderAt
	c      codec
	st     *state
	closer io.Closer
}

// Open opens the named file read-only.
func Open(name string) (*File, error) {
	return openFile(name, os.O_RDONLY)
}

// OpenRW opens the named file for reading and rewriting.
func OpenRW(name string) (*File, error) {
	return openFile(name, os.O_RDWR)
}

func openFile(name string, flag int) (*File, error) {
	f, err := os.OpenFile(name, flag, 0)
	if err != nil {
		return nil, err
	}
	ef, err := NewFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	ef.closer = f
	return ef, nil
}

// Close closes the File if it was opened with Open or OpenRW.
func (f *File) Close() error {
	var err error
	if f.closer != nil {
		err = f.closer.Close()
		f.closer = nil
	}
	return err
}

// NewFile creates a new File for accessing an ELF binary in an underlying reader.
// Rewrite additionally requires r to implement fileutil.File.
func NewFile(r io.ReaderAt) (*File, error) {
	var ident [delf.EI_NIDENT]byte
	if n, _ := r.ReadAt(ident[:], 0); n < len(ident) {
		return nil, &FormatError{0, "file too short for ELF identity", n}
	}
	if !bytes.Equal(ident[:delf.EI_CLASS], []byte(delf.ELFMAG)) {
		return nil, &FormatError{0, "bad magic number", ident[:4]}
	}
	c, ok := newCodec(delf.Class(ident[delf.EI_CLASS]), delf.Data(ident[delf.EI_DATA]))
	if !ok {
		return nil, &FormatError{0, "unknown ELF class or data encoding", ident[delf.EI_CLASS:delf.EI_VERSION]}
	}
	return &File{r: r, c: c, st: &state{}}, nil
}

// Class returns the file's ELF class.
func (f *File) Class() delf.Class { return f.c.class }

// Data returns the file's data encoding.
func (f *File) Data() delf.Data { return f.c.data }

// ByteOrder returns the byte order used by the file.
func (f *File) ByteOrder() binary.ByteOrder { return f.c.order }

// Invalidate drops every cached structure so the next access re-reads the stream.
func (f *File) Invalidate() {
	f.st = &state{}
}

type sizer interface{ Size() int64 }
type statter interface{ Stat() (os.FileInfo, error) }

// Size returns the current size of the underlying stream.
func (f *File) Size() (int64, error) {
	return f.st.size.get(func() (int64, error) {
		switch r := f.r.(type) {
		case sizer:
			return r.Size(), nil
		case statter:
			fi, err := r.Stat()
			if err != nil {
				return 0, err
			}
			return fi.Size(), nil
		case io.Seeker:
			return r.Seek(0, io.SeekEnd)
		}
		return 0, fmt.Errorf("cannot determine size of %T", f.r)
	})
}

// readAt reads exactly n bytes at off, failing if the range lies outside the stream.
func (f *File) readAt(off, n uint64) ([]byte, error) {
	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	if off > uint64(size) || n > uint64(size)-off {
		return nil, &FormatError{int64(off), "range extends past end of file", n}
	}
	buf := make([]byte, n)
	if got, err := f.r.ReadAt(buf, int64(off)); got < len(buf) {
		return nil, fmt.Errorf("failed to read %d bytes at %#x: %w", n, off, err)
	}
	return buf, nil
}

// Header returns the ELF file header.
func (f *File) Header() (FileHeader, error) {
	return f.st.header.get(func() (FileHeader, error) {
		b, err := f.readAt(0, uint64(f.c.ehdrSize))
		if err != nil {
			return FileHeader{}, err
		}
		return f.c.decodeHeader(b), nil
	})
}

// Progs returns the program header table.
func (f *File) Progs() ([]Prog, error) {
	return f.st.progs.get(func() ([]Prog, error) {
		h, err := f.Header()
		if err != nil {
			return nil, err
		}
		if h.Phoff == 0 || h.Phnum == 0 {
			return nil, nil
		}
		if int(h.Phentsize) != f.c.phentSize {
			return nil, &FormatError{0, "invalid program header entry size", h.Phentsize}
		}
		b, err := f.readAt(h.Phoff, uint64(h.Phnum)*uint64(f.c.phentSize))
		if err != nil {
			return nil, err
		}
		progs := make([]Prog, h.Phnum)
		for i := range progs {
			progs[i] = f.c.decodeProg(b[i*f.c.phentSize:])
		}
		return progs, nil
	})
}

// Sections returns the section header table.
func (f *File) Sections() ([]Section, error) {
	return f.st.sections.get(func() ([]Section, error) {
		h, err := f.Header()
		if err != nil {
			return nil, err
		}
		if h.Shoff == 0 {
			return nil, nil
		}
		if int(h.Shentsize) != f.c.shentSize {
			return nil, &FormatError{0, "invalid section header entry size", h.Shentsize}
		}
		num := uint64(h.Shnum)
		if num == 0 {
			// Extended numbering: the count lives in section 0's sh_size.
			b, err := f.readAt(h.Shoff, uint64(f.c.shentSize))
			if err != nil {
				return nil, err
			}
			num = f.c.decodeSection(b).Size
			if num == 0 {
				return nil, nil
			}
		}
		b, err := f.readAt(h.Shoff, num*uint64(f.c.shentSize))
		if err != nil {
			return nil, err
		}
		sections := make([]Section, num)
		for i := range sections {
			sections[i] = f.c.decodeSection(b[i*f.c.shentSize:])
		}
		return sections, nil
	})
}

// SectionName returns the name of section i.
func (f *File) SectionName(i int) (string, error) {
	sections, err := f.Sections()
	if err != nil {
		return "", err
	}
	if i < 0 || i >= len(sections) {
		return "", fmt.Errorf("section index %d out of range", i)
	}
	shstr, err := f.st.shstr.get(func() ([]byte, error) {
		h, err := f.Header()
		if err != nil {
			return nil, err
		}
		idx := uint32(h.Shstrndx)
		if h.Shstrndx == uint16(delf.SHN_XINDEX) {
			idx = sections[0].Link
		}
		if idx == 0 || int(idx) >= len(sections) {
			return nil, nil
		}
		s := sections[idx]
		return f.readAt(s.Off, s.Size)
	})
	if err != nil {
		return "", err
	}
	return cstring(shstr, sections[i].Name), nil
}

// SectionData returns the raw contents of section i.
func (f *File) SectionData(i int) ([]byte, error) {
	sections, err := f.Sections()
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(sections) {
		return nil, fmt.Errorf("section index %d out of range", i)
	}
	s := sections[i]
	if s.Type == delf.SHT_NOBITS {
		return make([]byte, s.Size), nil
	}
	return f.readAt(s.Off, s.Size)
}

// sectionByType returns the index of the first section of type typ, or -1.
func (f *File) sectionByType(typ delf.SectionType) (int, error) {
	sections, err := f.Sections()
	if err != nil {
		return -1, err
	}
	for i, s := range sections {
		if s.Type == typ {
			return i, nil
		}
	}
	return -1, nil
}

// Offset translates a virtual address to a file offset using the PT_LOAD segments.
func (f *File) Offset(vaddr uint64) (uint64, bool) {
	progs, err := f.Progs()
	if err != nil {
		return 0, false
	}
	for _, p := range progs {
		if p.Type == delf.PT_LOAD && vaddr >= p.Vaddr && vaddr < p.Vaddr+p.Filesz {
			return p.Off + (vaddr - p.Vaddr), true
		}
	}
	return 0, false
}

// dynamicLocation returns the file offset and size of the dynamic table.
func (f *File) dynamicLocation() (off, size uint64, ok bool, err error) {
	progs, err := f.Progs()
	if err != nil {
		return 0, 0, false, err
	}
	for _, p := range progs {
		if p.Type == delf.PT_DYNAMIC {
			return p.Off, p.Filesz, true, nil
		}
	}
	i, err := f.sectionByType(delf.SHT_DYNAMIC)
	if err != nil || i < 0 {
		return 0, 0, false, err
	}
	sections, _ := f.Sections()
	return sections[i].Off, sections[i].Size, true, nil
}

// Dynamic returns the dynamic table up to, and not including, the first DT_NULL.
// A file without a dynamic table returns a nil slice.
func (f *File) Dynamic() ([]Dyn, error) {
	return f.st.dynamic.get(func() ([]Dyn, error) {
		i, err := f.sectionByType(delf.SHT_DYNAMIC)
		if err != nil {
			return nil, err
		}
		if i >= 0 {
			sections, _ := f.Sections()
			if es := sections[i].Entsize; es != 0 && es != uint64(f.c.dynSize) {
				return nil, &FormatError{int64(sections[i].Off), "invalid dynamic entry size", es}
			}
		}
		off, size, ok, err := f.dynamicLocation()
		if err != nil || !ok {
			return nil, err
		}
		b, err := f.readAt(off, size)
		if err != nil {
			return nil, err
		}
		var dyns []Dyn
		for len(b) >= f.c.dynSize {
			d := f.c.decodeDyn(b)
			if d.Tag == delf.DT_NULL {
				break
			}
			dyns = append(dyns, d)
			b = b[f.c.dynSize:]
		}
		return dyns, nil
	})
}

func (f *File) dynValue(tag delf.DynTag) (uint64, bool, error) {
	dyns, err := f.Dynamic()
	if err != nil {
		return 0, false, err
	}
	for _, d := range dyns {
		if d.Tag == tag {
			return d.Val, true, nil
		}
	}
	return 0, false, nil
}

// dynstrLocation returns the file offset, virtual address and size of the
// dynamic string table.
func (f *File) dynstrLocation() (off, addr, size uint64, err error) {
	addr, ok, err := f.dynValue(delf.DT_STRTAB)
	if err != nil {
		return 0, 0, 0, err
	}
	if ok {
		size, _, err = f.dynValue(delf.DT_STRSZ)
		if err != nil {
			return 0, 0, 0, err
		}
		off, ok := f.Offset(addr)
		if !ok {
			return 0, 0, 0, &FormatError{0, "DT_STRTAB address not mapped by any PT_LOAD", addr}
		}
		return off, addr, size, nil
	}
	// Fall back to the string table linked from the .dynamic section.
	i, err := f.sectionByType(delf.SHT_DYNAMIC)
	if err != nil {
		return 0, 0, 0, err
	}
	sections, _ := f.Sections()
	if i < 0 || int(sections[i].Link) >= len(sections) {
		return 0, 0, 0, fmt.Errorf("dynamic string table: %w", ErrMissingStructure)
	}
	s := sections[sections[i].Link]
	return s.Off, s.Addr, s.Size, nil
}

// DynStr returns the raw bytes of the dynamic string table.
func (f *File) DynStr() ([]byte, error) {
	return f.st.dynstr.get(func() ([]byte, error) {
		dyns, err := f.Dynamic()
		if err != nil || dyns == nil {
			return nil, err
		}
		off, _, size, err := f.dynstrLocation()
		if err != nil {
			return nil, err
		}
		return f.readAt(off, size)
	})
}

// String returns the NUL terminated string at offset off of the dynamic string table.
func (f *File) String(off uint64) (string, error) {
	dynstr, err := f.DynStr()
	if err != nil {
		return "", err
	}
	if off >= uint64(len(dynstr)) {
		return "", &FormatError{0, "dynamic string offset out of range", off}
	}
	return cstring(dynstr, uint32(off)), nil
}

// verneedLocation returns the file offset, address and entry count of the
// version need table, if any.
func (f *File) verneedLocation() (off, addr, count uint64, ok bool, err error) {
	addr, ok, err = f.dynValue(delf.DT_VERNEED)
	if err != nil {
		return 0, 0, 0, false, err
	}
	if ok {
		count, _, err = f.dynValue(delf.DT_VERNEEDNUM)
		if err != nil {
			return 0, 0, 0, false, err
		}
		off, mapped := f.Offset(addr)
		if !mapped {
			return 0, 0, 0, false, &FormatError{0, "DT_VERNEED address not mapped by any PT_LOAD", addr}
		}
		return off, addr, count, true, nil
	}
	i, err := f.sectionByType(delf.SHT_GNU_VERNEED)
	if err != nil || i < 0 {
		return 0, 0, 0, false, err
	}
	sections, _ := f.Sections()
	s := sections[i]
	return s.Off, s.Addr, uint64(s.Info), true, nil
}

// VersionNeeds returns the entries of the version need table.
func (f *File) VersionNeeds() ([]VersionNeed, error) {
	return f.st.verneed.get(func() ([]VersionNeed, error) {
		off, _, count, ok, err := f.verneedLocation()
		if err != nil || !ok {
			return nil, err
		}
		var vns []VersionNeed
		for range count {
			b, err := f.readAt(off, verneedSize)
			if err != nil {
				return nil, err
			}
			vn := VersionNeed{
				Version: f.c.order.Uint16(b[0:]),
				File:    f.c.order.Uint32(b[4:]),
			}
			cnt := f.c.order.Uint16(b[2:])
			auxOff := off + uint64(f.c.order.Uint32(b[8:]))
			next := f.c.order.Uint32(b[12:])
			for range cnt {
				a, err := f.readAt(auxOff, vernauxSize)
				if err != nil {
					return nil, err
				}
				vn.Aux = append(vn.Aux, VersionAux{
					Hash:  f.c.order.Uint32(a[0:]),
					Flags: f.c.order.Uint16(a[4:]),
					Other: f.c.order.Uint16(a[6:]),
					Name:  f.c.order.Uint32(a[8:]),
				})
				anext := f.c.order.Uint32(a[12:])
				if anext == 0 {
					break
				}
				auxOff += uint64(anext)
			}
			vns = append(vns, vn)
			if next == 0 {
				break
			}
			off += uint64(next)
		}
		return vns, nil
	})
}

func (f *File) dynStrings(tag delf.DynTag) ([]string, error) {
	dyns, err := f.Dynamic()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, d := range dyns {
		if d.Tag != tag {
			continue
		}
		s, err := f.String(d.Val)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *File) dynString(tag delf.DynTag) (string, error) {
	all, err := f.dynStrings(tag)
	if err != nil || len(all) == 0 {
		return "", err
	}
	return all[0], nil
}

// Needed returns the DT_NEEDED library names in table order.
func (f *File) Needed() ([]string, error) { return f.dynStrings(delf.DT_NEEDED) }

// SOName returns the DT_SONAME value, or "" if there is none.
func (f *File) SOName() (string, error) { return f.dynString(delf.DT_SONAME) }

// RPath returns the DT_RPATH value, or "" if there is none.
func (f *File) RPath() (string, error) { return f.dynString(delf.DT_RPATH) }

// RunPath returns the DT_RUNPATH value, or "" if there is none.
func (f *File) RunPath() (string, error) { return f.dynString(delf.DT_RUNPATH) }

// VersionNeedFiles returns the library names referenced by the version need table.
func (f *File) VersionNeedFiles() ([]string, error) {
	vns, err := f.VersionNeeds()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, vn := range vns {
		s, err := f.String(uint64(vn.File))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Symbols returns the entries of the symbol table in section i along with
// their names.
func (f *File) Symbols(i int) ([]Symbol, []string, error) {
	sections, err := f.Sections()
	if err != nil {
		return nil, nil, err
	}
	if i < 0 || i >= len(sections) {
		return nil, nil, fmt.Errorf("section index %d out of range", i)
	}
	s := sections[i]
	if s.Entsize != 0 && s.Entsize != uint64(f.c.symSize) {
		return nil, nil, &FormatError{int64(s.Off), "invalid symbol entry size", s.Entsize}
	}
	data, err := f.SectionData(i)
	if err != nil {
		return nil, nil, err
	}
	var strtab []byte
	if int(s.Link) < len(sections) && s.Link != 0 {
		if strtab, err = f.SectionData(int(s.Link)); err != nil {
			return nil, nil, err
		}
	}
	n := len(data) / f.c.symSize
	syms := make([]Symbol, n)
	names := make([]string, n)
	for j := range n {
		syms[j] = f.c.decodeSym(data[j*f.c.symSize:])
		names[j] = cstring(strtab, syms[j].Name)
	}
	return syms, names, nil
}

func cstring(b []byte, off uint32) string {
	if int(off) >= len(b) {
		return ""
	}
	b = b[off:]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// writer returns the underlying stream if it supports rewriting.
func (f *File) writer() (fileutil.File, error) {
	w, ok := f.r.(fileutil.File)
	if !ok {
		return nil, fmt.Errorf("%T is not writable: %w", f.r, ErrUnsupportedFormat)
	}
	return w, nil
}
