// Package macho models the header and load commands of thin and universal
// Mach-O files closely enough to edit them in place.
package macho

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/blacktop/go-macho/types"
)

var (
	// ErrLayoutConstraint is returned when an edit does not fit the existing file layout.
	ErrLayoutConstraint = errors.New("mach-o layout constraint violated")
	// ErrMissingStructure is returned when a required load command or segment is absent.
	ErrMissingStructure = errors.New("missing required mach-o structure")
	// ErrPerArchMismatch is returned when the slices of a universal file disagree.
	ErrPerArchMismatch = errors.New("architectures of universal file disagree")
)

// FormatError is returned for data that is not a well formed Mach-O file.
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

// A Load is a raw load command including its cmd and cmdsize words.
type Load struct {
	Cmd types.LoadCmd
	Raw []byte
}

// A Segment is the decoded form of an LC_SEGMENT or LC_SEGMENT_64 command.
type Segment struct {
	Index  int
	Name   string
	Addr   uint64
	Memsz  uint64
	Offset uint64
	Filesz uint64
	Nsect  uint32
}

// LinkEditData is a load command that points at a blob inside __LINKEDIT.
type LinkEditData struct {
	Index  int
	Cmd    types.LoadCmd
	Offset uint32
	Size   uint32
}

var linkEditDataCmds = map[types.LoadCmd]bool{
	types.LC_CODE_SIGNATURE:           true,
	types.LC_SEGMENT_SPLIT_INFO:       true,
	types.LC_FUNCTION_STARTS:          true,
	types.LC_DATA_IN_CODE:             true,
	types.LC_DYLIB_CODE_SIGN_DRS:      true,
	types.LC_LINKER_OPTIMIZATION_HINT: true,
	types.LC_DYLD_EXPORTS_TRIE:        true,
	types.LC_DYLD_CHAINED_FIXUPS:      true,
}

const (
	section64Size = 80
	section32Size = 68

	sectionTypeMask          = 0xff
	sZerofill                = 0x1
	sGBZerofill              = 0xc
	sThreadLocalZerofill     = 0x12
	linkEditDataCmdSize      = 16
	segmentCmd64HeaderLength = 72
	segmentCmd32HeaderLength = 56
)

// A File is a single Mach-O image: a thin file or one slice of a universal file.
type File struct {
	types.FileHeader
	ByteOrder binary.ByteOrder
	// Offset and Size locate the image inside the containing file.
	Offset int64
	Size   int64
	Loads  []Load

	written uint32 // SizeCommands as last read from or written to disk
}

// NewFile parses the Mach-O image of the given size at off in r.
func NewFile(r io.ReaderAt, off, size int64) (*File, error) {
	var hdr [types.FileHeaderSize64]byte
	n, _ := r.ReadAt(hdr[:], off)
	if n < types.FileHeaderSize32 {
		return nil, &FormatError{off, "file too short for mach-o header", n}
	}

	f := &File{Offset: off, Size: size}
	switch types.Magic(binary.LittleEndian.Uint32(hdr[:])) {
	case types.Magic32, types.Magic64:
		f.ByteOrder = binary.LittleEndian
	default:
		switch types.Magic(binary.BigEndian.Uint32(hdr[:])) {
		case types.Magic32, types.Magic64:
			f.ByteOrder = binary.BigEndian
		default:
			return nil, &FormatError{off, "invalid magic number", fmt.Sprintf("%#08x", binary.BigEndian.Uint32(hdr[:]))}
		}
	}
	o := f.ByteOrder
	f.FileHeader = types.FileHeader{
		Magic:        types.Magic(o.Uint32(hdr[0:])),
		CPU:          types.CPU(o.Uint32(hdr[4:])),
		SubCPU:       types.CPUSubtype(o.Uint32(hdr[8:])),
		Type:         types.HeaderFileType(o.Uint32(hdr[12:])),
		NCommands:    o.Uint32(hdr[16:]),
		SizeCommands: o.Uint32(hdr[20:]),
		Flags:        types.HeaderFlag(o.Uint32(hdr[24:])),
	}
	if f.Is64() {
		if n < types.FileHeaderSize64 {
			return nil, &FormatError{off, "file too short for mach-o header", n}
		}
		f.Reserved = o.Uint32(hdr[28:])
	}

	if int64(f.HeaderEnd()) > size {
		return nil, &FormatError{off, "load commands extend past end of image", f.SizeCommands}
	}
	cmds := make([]byte, f.SizeCommands)
	if n, err := r.ReadAt(cmds, off+int64(f.HeaderSize())); n < len(cmds) {
		return nil, fmt.Errorf("failed to read load commands: %w", err)
	}
	at := off + int64(f.HeaderSize())
	for i := uint32(0); i < f.NCommands; i++ {
		if len(cmds) < 8 {
			return nil, &FormatError{at, "command block too small", len(cmds)}
		}
		cmd, siz := types.LoadCmd(o.Uint32(cmds[0:])), o.Uint32(cmds[4:])
		if siz < 8 || siz > uint32(len(cmds)) {
			return nil, &FormatError{at, "invalid command block size", siz}
		}
		f.Loads = append(f.Loads, Load{Cmd: cmd, Raw: bytes.Clone(cmds[:siz])})
		cmds = cmds[siz:]
		at += int64(siz)
	}
	f.written = f.SizeCommands
	return f, nil
}

// Is64 reports whether the image uses the 64-bit header and segment layouts.
func (f *File) Is64() bool { return f.Magic == types.Magic64 }

// HeaderSize returns the size of the mach_header.
func (f *File) HeaderSize() uint32 {
	if f.Is64() {
		return types.FileHeaderSize64
	}
	return types.FileHeaderSize32
}

// HeaderEnd returns the offset, relative to the image, just past the last load command.
func (f *File) HeaderEnd() uint64 {
	return uint64(f.HeaderSize()) + uint64(f.SizeCommands)
}

// PointerSize returns the alignment load commands are padded to.
func (f *File) PointerSize() uint32 {
	if f.Is64() {
		return 8
	}
	return 4
}

func (f *File) segment(i int) Segment {
	l := f.Loads[i]
	if l.Cmd == types.LC_SEGMENT_64 {
		var s types.Segment64
		binary.Read(bytes.NewReader(l.Raw), f.ByteOrder, &s)
		return Segment{Index: i, Name: cstring(s.Name[:]), Addr: s.Addr, Memsz: s.Memsz, Offset: s.Offset, Filesz: s.Filesz, Nsect: s.Nsect}
	}
	var s types.Segment32
	binary.Read(bytes.NewReader(l.Raw), f.ByteOrder, &s)
	return Segment{
		Index: i, Name: cstring(s.Name[:]), Addr: uint64(s.Addr), Memsz: uint64(s.Memsz),
		Offset: uint64(s.Offset), Filesz: uint64(s.Filesz), Nsect: s.Nsect,
	}
}

func (f *File) isSegment(i int) bool {
	l := f.Loads[i]
	switch l.Cmd {
	case types.LC_SEGMENT_64:
		return len(l.Raw) >= segmentCmd64HeaderLength
	case types.LC_SEGMENT:
		return len(l.Raw) >= segmentCmd32HeaderLength
	}
	return false
}

// Segments returns the segment commands in load command order.
func (f *File) Segments() []Segment {
	var segs []Segment
	for i := range f.Loads {
		if f.isSegment(i) {
			segs = append(segs, f.segment(i))
		}
	}
	return segs
}

// Segment returns the segment with the given name.
func (f *File) Segment(name string) (Segment, bool) {
	for _, s := range f.Segments() {
		if s.Name == name {
			return s, true
		}
	}
	return Segment{}, false
}

// SetSegmentFilesz changes the filesize field of the segment at load command index i.
func (f *File) SetSegmentFilesz(i int, size uint64) {
	raw := f.Loads[i].Raw
	if f.Loads[i].Cmd == types.LC_SEGMENT_64 {
		f.ByteOrder.PutUint64(raw[48:], size)
		return
	}
	f.ByteOrder.PutUint32(raw[36:], uint32(size))
}

// LowOffset returns the offset, relative to the image, of the first byte of
// segment or section data. Load commands must end at or before it.
func (f *File) LowOffset() uint64 {
	low := uint64(math.MaxUint64)
	for i, l := range f.Loads {
		if !f.isSegment(i) {
			continue
		}
		seg := f.segment(i)
		if seg.Nsect == 0 {
			if seg.Filesz != 0 && seg.Offset != 0 {
				low = min(low, seg.Offset)
			}
			continue
		}
		start, step := segmentCmd32HeaderLength, section32Size
		if l.Cmd == types.LC_SEGMENT_64 {
			start, step = segmentCmd64HeaderLength, section64Size
		}
		for j := 0; j < int(seg.Nsect); j++ {
			if start+(j+1)*step > len(l.Raw) {
				break
			}
			sec := l.Raw[start+j*step:]
			var size uint64
			var offset, flags uint32
			if l.Cmd == types.LC_SEGMENT_64 {
				size, offset, flags = f.ByteOrder.Uint64(sec[40:]), f.ByteOrder.Uint32(sec[48:]), f.ByteOrder.Uint32(sec[64:])
			} else {
				size, offset, flags = uint64(f.ByteOrder.Uint32(sec[36:])), f.ByteOrder.Uint32(sec[40:]), f.ByteOrder.Uint32(sec[56:])
			}
			switch flags & sectionTypeMask {
			case sZerofill, sGBZerofill, sThreadLocalZerofill:
				continue
			}
			if offset > 0 && size > 0 {
				low = min(low, uint64(offset))
			}
		}
	}
	if low == math.MaxUint64 {
		return uint64(f.Size)
	}
	return low
}

// LinkEditData returns the load commands that reference __LINKEDIT blobs.
func (f *File) LinkEditData() []LinkEditData {
	var out []LinkEditData
	for i, l := range f.Loads {
		if !linkEditDataCmds[l.Cmd] || len(l.Raw) < linkEditDataCmdSize {
			continue
		}
		out = append(out, LinkEditData{
			Index:  i,
			Cmd:    l.Cmd,
			Offset: f.ByteOrder.Uint32(l.Raw[8:]),
			Size:   f.ByteOrder.Uint32(l.Raw[12:]),
		})
	}
	return out
}

// SetLinkEditData updates the dataoff and datasize of the linkedit data command at index i.
func (f *File) SetLinkEditData(i int, off, size uint32) {
	f.ByteOrder.PutUint32(f.Loads[i].Raw[8:], off)
	f.ByteOrder.PutUint32(f.Loads[i].Raw[12:], size)
}

// NewLinkEditData encodes a linkedit_data_command.
func (f *File) NewLinkEditData(cmd types.LoadCmd, off, size uint32) Load {
	var buf bytes.Buffer
	binary.Write(&buf, f.ByteOrder, types.LinkEditDataCmd{
		LoadCmd: cmd,
		Len:     linkEditDataCmdSize,
		Offset:  off,
		Size:    size,
	})
	return Load{Cmd: cmd, Raw: buf.Bytes()}
}

func (f *File) checkSpace(end uint64) error {
	if low := f.LowOffset(); end > low {
		return fmt.Errorf("load commands would end at %#x past first data at %#x: %w", end, low, ErrLayoutConstraint)
	}
	return nil
}

// AddLoad appends a load command, failing if it does not fit in the header padding.
func (f *File) AddLoad(l Load) error {
	if err := f.checkSpace(f.HeaderEnd() + uint64(len(l.Raw))); err != nil {
		return err
	}
	f.Loads = append(f.Loads, l)
	f.NCommands++
	f.SizeCommands += uint32(len(l.Raw))
	return nil
}

// ReplaceLoad replaces load command i, shifting later commands as needed.
func (f *File) ReplaceLoad(i int, l Load) error {
	old := uint64(len(f.Loads[i].Raw))
	if err := f.checkSpace(f.HeaderEnd() - old + uint64(len(l.Raw))); err != nil {
		return err
	}
	f.Loads[i] = l
	f.SizeCommands = f.SizeCommands - uint32(old) + uint32(len(l.Raw))
	return nil
}

// Bytes encodes the header followed by the load commands.
func (f *File) Bytes() []byte {
	buf := make([]byte, f.HeaderSize(), f.HeaderEnd())
	f.FileHeader.Put(buf, f.ByteOrder)
	for _, l := range f.Loads {
		buf = append(buf, l.Raw...)
	}
	return buf
}

// Put writes the header and load commands back to w. Space freed by
// shrinking the commands is zeroed.
func (f *File) Put(w io.WriterAt) error {
	buf := f.Bytes()
	if end := uint64(f.HeaderSize()) + uint64(f.written); end > uint64(len(buf)) {
		buf = append(buf, make([]byte, end-uint64(len(buf)))...)
	}
	if _, err := w.WriteAt(buf, f.Offset); err != nil {
		return fmt.Errorf("failed to write mach-o header: %w", err)
	}
	f.written = f.SizeCommands
	return nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
