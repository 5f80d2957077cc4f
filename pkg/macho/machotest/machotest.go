// Package machotest assembles small Mach-O images for tests.
package machotest

import (
	"bytes"
	"encoding/binary"

	"github.com/blacktop/go-macho/types"
)

const (
	CPUAmd64 types.CPU = 0x01000007
	CPUArm64 types.CPU = 0x0100000c
	CPU386   types.CPU = 7

	CPUSubtypeX86All   types.CPUSubtype = 3
	CPUSubtypeArm64All types.CPUSubtype = 0

	// FunctionStartsSize is the size of the LC_FUNCTION_STARTS blob every image carries.
	FunctionStartsSize = 0x10
)

// An Image describes a thin Mach-O file. The zero value is a 64-bit little
// endian x86_64 dylib with one page of header padding.
//
// The layout is __TEXT (file offset 0, holding the header and one __text
// section at TextOffset) followed by __LINKEDIT, which holds the function
// starts blob and then, if Signature is set, a code signature.
type Image struct {
	Type      types.HeaderFileType
	CPU       types.CPU
	SubCPU    types.CPUSubtype
	Is32      bool
	BigEndian bool

	ID     string
	Deps   []string
	Rpaths []string

	TextOffset uint32
	TextSize   uint32
	// LinkEdit is the __LINKEDIT size of unsigned images. Signed images end
	// right after their signature.
	LinkEdit  uint32
	Signature uint32
	// SignatureFirst puts the signature blob before the function starts blob.
	SignatureFirst bool
	NoLinkEdit     bool
}

func (im *Image) defaults() {
	if im.Type == 0 {
		im.Type = types.MH_DYLIB
	}
	if im.CPU == 0 {
		im.CPU, im.SubCPU = CPUAmd64, CPUSubtypeX86All
		if im.Is32 {
			im.CPU = CPU386
		}
	}
	if im.TextOffset == 0 {
		im.TextOffset = 0x1000
	}
	if im.TextSize == 0 {
		im.TextSize = 0x4000
	}
	if im.LinkEdit == 0 {
		im.LinkEdit = 0x100
	}
}

func (im Image) order() binary.ByteOrder {
	if im.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (im Image) ptr() int {
	if im.Is32 {
		return 4
	}
	return 8
}

func name16(s string) (n [16]byte) {
	copy(n[:], s)
	return n
}

// segment encodes a segment command with nsect sections appended from secs.
func (im Image) segment(name string, addr, memsz, off, filesz uint64, secs []byte, nsect uint32) []byte {
	var buf bytes.Buffer
	o := im.order()
	if im.Is32 {
		binary.Write(&buf, o, types.Segment32{
			LoadCmd: types.LC_SEGMENT, Len: uint32(56 + len(secs)), Name: name16(name),
			Addr: uint32(addr), Memsz: uint32(memsz), Offset: uint32(off), Filesz: uint32(filesz),
			Maxprot: types.VmProtection(5), Prot: types.VmProtection(5), Nsect: nsect,
		})
	} else {
		binary.Write(&buf, o, types.Segment64{
			LoadCmd: types.LC_SEGMENT_64, Len: uint32(72 + len(secs)), Name: name16(name),
			Addr: addr, Memsz: memsz, Offset: off, Filesz: filesz,
			Maxprot: types.VmProtection(5), Prot: types.VmProtection(5), Nsect: nsect,
		})
	}
	buf.Write(secs)
	return buf.Bytes()
}

// section encodes a regular section header.
func (im Image) section(sect, seg string, addr, size uint64, off uint32) []byte {
	o := im.order()
	if im.Is32 {
		b := make([]byte, 68)
		copy(b[0:], sect)
		copy(b[16:], seg)
		o.PutUint32(b[32:], uint32(addr))
		o.PutUint32(b[36:], uint32(size))
		o.PutUint32(b[40:], off)
		return b
	}
	b := make([]byte, 80)
	copy(b[0:], sect)
	copy(b[16:], seg)
	o.PutUint64(b[32:], addr)
	o.PutUint64(b[40:], size)
	o.PutUint32(b[48:], off)
	return b
}

func (im Image) lcString(hdr any, hdrSize int, s string) []byte {
	size := hdrSize + len(s) + 1
	size = (size + im.ptr() - 1) &^ (im.ptr() - 1)
	var buf bytes.Buffer
	binary.Write(&buf, im.order(), hdr)
	b := buf.Bytes()
	im.order().PutUint32(b[4:], uint32(size))
	b = append(b, s...)
	return append(b, make([]byte, size-len(b))...)
}

func (im Image) dylib(cmd types.LoadCmd, name string) []byte {
	return im.lcString(types.DylibCmd{
		LoadCmd:        cmd,
		NameOffset:     24,
		Timestamp:      2,
		CurrentVersion: types.Version(0x10000),
		CompatVersion:  types.Version(0x10000),
	}, 24, name)
}

func (im Image) linkEditData(cmd types.LoadCmd, off, size uint32) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, im.order(), types.LinkEditDataCmd{LoadCmd: cmd, Len: 16, Offset: off, Size: size})
	return buf.Bytes()
}

// Build returns the encoded image.
func (im Image) Build() []byte {
	im.defaults()
	o := im.order()
	vmbase := uint64(0)
	if im.Type == types.MH_EXECUTE && !im.Is32 {
		vmbase = 0x100000000
	}

	linkOff := im.TextSize
	fsOff, sigOff := linkOff, linkOff+FunctionStartsSize
	if im.SignatureFirst {
		sigOff, fsOff = linkOff, linkOff+im.Signature
	}
	linkSize := im.LinkEdit
	if im.Signature != 0 {
		linkSize = FunctionStartsSize + im.Signature
	}

	var cmds [][]byte
	if vmbase != 0 {
		cmds = append(cmds, im.segment("__PAGEZERO", 0, vmbase, 0, 0, nil, 0))
	}
	text := im.section("__text", "__TEXT", vmbase+uint64(im.TextOffset), 0x100, im.TextOffset)
	cmds = append(cmds, im.segment("__TEXT", vmbase, uint64(im.TextSize), 0, uint64(im.TextSize), text, 1))
	if !im.NoLinkEdit {
		cmds = append(cmds, im.segment("__LINKEDIT", vmbase+uint64(linkOff), 0x4000, uint64(linkOff), uint64(linkSize), nil, 0))
	}
	if im.ID != "" {
		cmds = append(cmds, im.dylib(types.LC_ID_DYLIB, im.ID))
	}
	for _, d := range im.Deps {
		cmds = append(cmds, im.dylib(types.LC_LOAD_DYLIB, d))
	}
	for _, r := range im.Rpaths {
		cmds = append(cmds, im.lcString(types.RpathCmd{LoadCmd: types.LC_RPATH, PathOffset: 12}, 12, r))
	}
	if !im.NoLinkEdit {
		cmds = append(cmds, im.linkEditData(types.LC_FUNCTION_STARTS, fsOff, FunctionStartsSize))
		if im.Signature != 0 {
			cmds = append(cmds, im.linkEditData(types.LC_CODE_SIGNATURE, sigOff, im.Signature))
		}
	}

	var sizeofcmds int
	for _, c := range cmds {
		sizeofcmds += len(c)
	}
	hdr := types.FileHeader{
		Magic:        types.Magic64,
		CPU:          im.CPU,
		SubCPU:       im.SubCPU,
		Type:         im.Type,
		NCommands:    uint32(len(cmds)),
		SizeCommands: uint32(sizeofcmds),
	}
	if im.Is32 {
		hdr.Magic = types.Magic32
	}

	size := linkOff
	if !im.NoLinkEdit {
		size += linkSize
	}
	buf := make([]byte, size)
	n := hdr.Put(buf, o)
	for _, c := range cmds {
		n += copy(buf[n:], c)
	}
	for i := im.TextOffset; i < im.TextOffset+0x100; i++ {
		buf[i] = 0xc3
	}
	if !im.NoLinkEdit {
		for i := range uint32(FunctionStartsSize) {
			buf[fsOff+i] = byte(i + 1)
		}
		for i := range im.Signature {
			buf[sigOff+i] = 0xee
		}
	}
	return buf
}

// Fat wraps images in a universal file with slices aligned to 1<<align.
func Fat(fat64 bool, align uint32, images ...Image) []byte {
	entry := 20
	magic := uint32(types.MagicFat)
	if fat64 {
		entry, magic = 32, magic+1
	}
	round := func(v int) int { return (v + (1 << align) - 1) &^ ((1 << align) - 1) }

	off := round(8 + entry*len(images))
	var out []byte
	table := make([]byte, 8+entry*len(images))
	binary.BigEndian.PutUint32(table[0:], magic)
	binary.BigEndian.PutUint32(table[4:], uint32(len(images)))
	for i, im := range images {
		im.defaults()
		data := im.Build()
		e := table[8+i*entry:]
		binary.BigEndian.PutUint32(e[0:], uint32(im.CPU))
		binary.BigEndian.PutUint32(e[4:], uint32(im.SubCPU))
		if fat64 {
			binary.BigEndian.PutUint64(e[8:], uint64(off))
			binary.BigEndian.PutUint64(e[16:], uint64(len(data)))
			binary.BigEndian.PutUint32(e[24:], align)
		} else {
			binary.BigEndian.PutUint32(e[8:], uint32(off))
			binary.BigEndian.PutUint32(e[12:], uint32(len(data)))
			binary.BigEndian.PutUint32(e[16:], align)
		}
		out = append(out, make([]byte, off-len(out))...)
		out = append(out, data...)
		off = round(len(out))
	}
	copy(out, table)
	return out
}
