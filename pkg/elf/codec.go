package elf

import (
	"bytes"
	delf "debug/elf"
	"encoding/binary"
)

// FileHeader is the class independent form of an ELF file header.
type FileHeader struct {
	Ident     [delf.EI_NIDENT]byte
	Type      delf.Type
	Machine   delf.Machine
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// Prog is a program header table entry.
type Prog struct {
	Type   delf.ProgType
	Flags  delf.ProgFlag
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// Section is a section header table entry.
type Section struct {
	Name      uint32
	Type      delf.SectionType
	Flags     delf.SectionFlag
	Addr      uint64
	Off       uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

// Dyn is a .dynamic entry.
type Dyn struct {
	Tag delf.DynTag
	Val uint64
}

// Symbol is a raw symbol table entry.
type Symbol struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// codec encodes and decodes the structures whose layout depends on the
// file's class and byte order.
type codec struct {
	class delf.Class
	data  delf.Data
	order byteOrder

	ehdrSize  int
	phentSize int
	shentSize int
	dynSize   int
	symSize   int
	word      uint64
}

var codecs = map[delf.Class]codec{
	delf.ELFCLASS32: {
		class:     delf.ELFCLASS32,
		ehdrSize:  binary.Size(delf.Header32{}),
		phentSize: binary.Size(delf.Prog32{}),
		shentSize: binary.Size(delf.Section32{}),
		dynSize:   binary.Size(delf.Dyn32{}),
		symSize:   binary.Size(delf.Sym32{}),
		word:      4,
	},
	delf.ELFCLASS64: {
		class:     delf.ELFCLASS64,
		ehdrSize:  binary.Size(delf.Header64{}),
		phentSize: binary.Size(delf.Prog64{}),
		shentSize: binary.Size(delf.Section64{}),
		dynSize:   binary.Size(delf.Dyn64{}),
		symSize:   binary.Size(delf.Sym64{}),
		word:      8,
	},
}

func newCodec(class delf.Class, data delf.Data) (codec, bool) {
	c, ok := codecs[class]
	if !ok {
		return codec{}, false
	}
	c.data = data
	switch data {
	case delf.ELFDATA2LSB:
		c.order = binary.LittleEndian
	case delf.ELFDATA2MSB:
		c.order = binary.BigEndian
	default:
		return codec{}, false
	}
	return c, true
}

func (c codec) is64() bool { return c.class == delf.ELFCLASS64 }

func (c codec) decode(b []byte, v any) {
	// b is always sized by the caller from binary.Size(v), so Read cannot fail.
	binary.Read(bytes.NewReader(b), c.order, v)
}

func (c codec) encode(v any) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, c.order, v)
	return buf.Bytes()
}

func (c codec) decodeHeader(b []byte) FileHeader {
	if c.is64() {
		var h delf.Header64
		c.decode(b, &h)
		return FileHeader{
			Ident: h.Ident, Type: delf.Type(h.Type), Machine: delf.Machine(h.Machine), Version: h.Version,
			Entry: h.Entry, Phoff: h.Phoff, Shoff: h.Shoff, Flags: h.Flags,
			Ehsize: h.Ehsize, Phentsize: h.Phentsize, Phnum: h.Phnum,
			Shentsize: h.Shentsize, Shnum: h.Shnum, Shstrndx: h.Shstrndx,
		}
	}
	var h delf.Header32
	c.decode(b, &h)
	return FileHeader{
		Ident: h.Ident, Type: delf.Type(h.Type), Machine: delf.Machine(h.Machine), Version: h.Version,
		Entry: uint64(h.Entry), Phoff: uint64(h.Phoff), Shoff: uint64(h.Shoff), Flags: h.Flags,
		Ehsize: h.Ehsize, Phentsize: h.Phentsize, Phnum: h.Phnum,
		Shentsize: h.Shentsize, Shnum: h.Shnum, Shstrndx: h.Shstrndx,
	}
}

func (c codec) encodeHeader(h FileHeader) []byte {
	if c.is64() {
		return c.encode(&delf.Header64{
			Ident: h.Ident, Type: uint16(h.Type), Machine: uint16(h.Machine), Version: h.Version,
			Entry: h.Entry, Phoff: h.Phoff, Shoff: h.Shoff, Flags: h.Flags,
			Ehsize: h.Ehsize, Phentsize: h.Phentsize, Phnum: h.Phnum,
			Shentsize: h.Shentsize, Shnum: h.Shnum, Shstrndx: h.Shstrndx,
		})
	}
	return c.encode(&delf.Header32{
		Ident: h.Ident, Type: uint16(h.Type), Machine: uint16(h.Machine), Version: h.Version,
		Entry: uint32(h.Entry), Phoff: uint32(h.Phoff), Shoff: uint32(h.Shoff), Flags: h.Flags,
		Ehsize: h.Ehsize, Phentsize: h.Phentsize, Phnum: h.Phnum,
		Shentsize: h.Shentsize, Shnum: h.Shnum, Shstrndx: h.Shstrndx,
	})
}

func (c codec) decodeProg(b []byte) Prog {
	if c.is64() {
		var p delf.Prog64
		c.decode(b, &p)
		return Prog{
			Type: delf.ProgType(p.Type), Flags: delf.ProgFlag(p.Flags), Off: p.Off,
			Vaddr: p.Vaddr, Paddr: p.Paddr, Filesz: p.Filesz, Memsz: p.Memsz, Align: p.Align,
		}
	}
	var p delf.Prog32
	c.decode(b, &p)
	return Prog{
		Type: delf.ProgType(p.Type), Flags: delf.ProgFlag(p.Flags), Off: uint64(p.Off),
		Vaddr: uint64(p.Vaddr), Paddr: uint64(p.Paddr), Filesz: uint64(p.Filesz),
		Memsz: uint64(p.Memsz), Align: uint64(p.Align),
	}
}

func (c codec) encodeProg(p Prog) []byte {
	if c.is64() {
		return c.encode(&delf.Prog64{
			Type: uint32(p.Type), Flags: uint32(p.Flags), Off: p.Off,
			Vaddr: p.Vaddr, Paddr: p.Paddr, Filesz: p.Filesz, Memsz: p.Memsz, Align: p.Align,
		})
	}
	return c.encode(&delf.Prog32{
		Type: uint32(p.Type), Flags: uint32(p.Flags), Off: uint32(p.Off),
		Vaddr: uint32(p.Vaddr), Paddr: uint32(p.Paddr), Filesz: uint32(p.Filesz),
		Memsz: uint32(p.Memsz), Align: uint32(p.Align),
	})
}

func (c codec) decodeSection(b []byte) Section {
	if c.is64() {
		var s delf.Section64
		c.decode(b, &s)
		return Section{
			Name: s.Name, Type: delf.SectionType(s.Type), Flags: delf.SectionFlag(s.Flags),
			Addr: s.Addr, Off: s.Off, Size: s.Size, Link: s.Link, Info: s.Info,
			Addralign: s.Addralign, Entsize: s.Entsize,
		}
	}
	var s delf.Section32
	c.decode(b, &s)
	return Section{
		Name: s.Name, Type: delf.SectionType(s.Type), Flags: delf.SectionFlag(s.Flags),
		Addr: uint64(s.Addr), Off: uint64(s.Off), Size: uint64(s.Size), Link: s.Link, Info: s.Info,
		Addralign: uint64(s.Addralign), Entsize: uint64(s.Entsize),
	}
}

func (c codec) encodeSection(s Section) []byte {
	if c.is64() {
		return c.encode(&delf.Section64{
			Name: s.Name, Type: uint32(s.Type), Flags: uint64(s.Flags),
			Addr: s.Addr, Off: s.Off, Size: s.Size, Link: s.Link, Info: s.Info,
			Addralign: s.Addralign, Entsize: s.Entsize,
		})
	}
	return c.encode(&delf.Section32{
		Name: s.Name, Type: uint32(s.Type), Flags: uint32(s.Flags),
		Addr: uint32(s.Addr), Off: uint32(s.Off), Size: uint32(s.Size), Link: s.Link, Info: s.Info,
		Addralign: uint32(s.Addralign), Entsize: uint32(s.Entsize),
	})
}

func (c codec) decodeDyn(b []byte) Dyn {
	if c.is64() {
		var d delf.Dyn64
		c.decode(b, &d)
		return Dyn{Tag: delf.DynTag(d.Tag), Val: d.Val}
	}
	var d delf.Dyn32
	c.decode(b, &d)
	return Dyn{Tag: delf.DynTag(d.Tag), Val: uint64(d.Val)}
}

func (c codec) encodeDyn(d Dyn) []byte {
	if c.is64() {
		return c.encode(&delf.Dyn64{Tag: int64(d.Tag), Val: d.Val})
	}
	return c.encode(&delf.Dyn32{Tag: int32(d.Tag), Val: uint32(d.Val)})
}

func (c codec) decodeSym(b []byte) Symbol {
	if c.is64() {
		var s delf.Sym64
		c.decode(b, &s)
		return Symbol{Name: s.Name, Info: s.Info, Other: s.Other, Shndx: s.Shndx, Value: s.Value, Size: s.Size}
	}
	var s delf.Sym32
	c.decode(b, &s)
	return Symbol{Name: s.Name, Info: s.Info, Other: s.Other, Shndx: s.Shndx, Value: uint64(s.Value), Size: uint64(s.Size)}
}

func (c codec) encodeSym(s Symbol) []byte {
	if c.is64() {
		return c.encode(&delf.Sym64{Name: s.Name, Info: s.Info, Other: s.Other, Shndx: s.Shndx, Value: s.Value, Size: s.Size})
	}
	return c.encode(&delf.Sym32{Name: s.Name, Info: s.Info, Other: s.Other, Shndx: s.Shndx, Value: uint32(s.Value), Size: uint32(s.Size)})
}

// Version need records have the same layout in both classes.
const (
	verneedSize = 16
	vernauxSize = 16
)

func (c codec) encodeVersionNeeds(vns []VersionNeed) []byte {
	var out []byte
	for i, vn := range vns {
		next := uint32(0)
		if i < len(vns)-1 {
			next = uint32(verneedSize + vernauxSize*len(vn.Aux))
		}
		aux := uint32(0)
		if len(vn.Aux) > 0 {
			aux = verneedSize
		}
		out = c.order.AppendUint16(out, vn.Version)
		out = c.order.AppendUint16(out, uint16(len(vn.Aux)))
		out = c.order.AppendUint32(out, vn.File)
		out = c.order.AppendUint32(out, aux)
		out = c.order.AppendUint32(out, next)
		for j, a := range vn.Aux {
			anext := uint32(0)
			if j < len(vn.Aux)-1 {
				anext = vernauxSize
			}
			out = c.order.AppendUint32(out, a.Hash)
			out = c.order.AppendUint16(out, a.Flags)
			out = c.order.AppendUint16(out, a.Other)
			out = c.order.AppendUint32(out, a.Name)
			out = c.order.AppendUint32(out, anext)
		}
	}
	return out
}
