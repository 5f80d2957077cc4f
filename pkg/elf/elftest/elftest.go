// Package elftest assembles small ELF shared objects for tests.
package elftest

import (
	"debug/elf"
	"encoding/binary"
)

const (
	ehdrSize  = 64
	phentSize = 56
	shentSize = 64
	dynSize   = 16
	vnSize    = 16

	// Base is the virtual address of the first byte of the file.
	Base = 0x10000
)

// A Library describes a little endian ELF64 shared object with a single
// PT_LOAD segment covering the header, .dynstr, .gnu.version_r and .dynamic.
type Library struct {
	Type    elf.Type // ET_DYN when zero
	Needed  []string
	SOName  string
	RPath   string
	RunPath string

	// VersionNeed names the library carrying a GLIBC_2.2.5 version
	// requirement. It is added to .dynstr if it is not also in Needed.
	VersionNeed string
}

func align8(n int) int { return (n + 7) &^ 7 }

// Build returns the encoded file.
func (l Library) Build() []byte {
	order := binary.LittleEndian
	if l.Type == elf.ET_NONE {
		l.Type = elf.ET_DYN
	}

	dynstr := []byte{0}
	offs := map[string]uint64{}
	str := func(s string) uint64 {
		if off, ok := offs[s]; ok {
			return off
		}
		off := uint64(len(dynstr))
		dynstr = append(dynstr, s...)
		dynstr = append(dynstr, 0)
		offs[s] = off
		return off
	}
	var dyns []elf.Dyn64
	dyn := func(tag elf.DynTag, val uint64) {
		dyns = append(dyns, elf.Dyn64{Tag: int64(tag), Val: val})
	}
	for _, n := range l.Needed {
		dyn(elf.DT_NEEDED, str(n))
	}
	if l.SOName != "" {
		dyn(elf.DT_SONAME, str(l.SOName))
	}
	if l.RPath != "" {
		dyn(elf.DT_RPATH, str(l.RPath))
	}
	if l.RunPath != "" {
		dyn(elf.DT_RUNPATH, str(l.RunPath))
	}
	var vnFile, vnName uint64
	if l.VersionNeed != "" {
		vnFile = str(l.VersionNeed)
		vnName = str("GLIBC_2.2.5")
	}

	const phnum = 3
	phoff := ehdrSize
	strOff := phoff + phnum*phentSize
	verOff := align8(strOff + len(dynstr))
	var verneed []byte
	if l.VersionNeed != "" {
		verneed = order.AppendUint16(verneed, 1)
		verneed = order.AppendUint16(verneed, 1)
		verneed = order.AppendUint32(verneed, uint32(vnFile))
		verneed = order.AppendUint32(verneed, vnSize)
		verneed = order.AppendUint32(verneed, 0)
		verneed = order.AppendUint32(verneed, 0x09691a75)
		verneed = order.AppendUint16(verneed, 0)
		verneed = order.AppendUint16(verneed, 2)
		verneed = order.AppendUint32(verneed, uint32(vnName))
		verneed = order.AppendUint32(verneed, 0)
	}
	dynOff := align8(verOff + len(verneed))

	dyn(elf.DT_STRTAB, Base+uint64(strOff))
	dyn(elf.DT_STRSZ, uint64(len(dynstr)))
	if verneed != nil {
		dyn(elf.DT_VERNEED, Base+uint64(verOff))
		dyn(elf.DT_VERNEEDNUM, 1)
	}
	dyn(elf.DT_NULL, 0)
	loadEnd := dynOff + len(dyns)*dynSize

	sections := []elf.Section64{
		{},
		{Type: uint32(elf.SHT_STRTAB), Flags: uint64(elf.SHF_ALLOC), Addr: Base + uint64(strOff), Off: uint64(strOff), Size: uint64(len(dynstr)), Addralign: 1},
	}
	names := []string{"", ".dynstr"}
	if verneed != nil {
		sections = append(sections, elf.Section64{Type: uint32(elf.SHT_GNU_VERNEED), Flags: uint64(elf.SHF_ALLOC),
			Addr: Base + uint64(verOff), Off: uint64(verOff), Size: uint64(len(verneed)), Link: 1, Info: 1, Addralign: 8})
		names = append(names, ".gnu.version_r")
	}
	sections = append(sections, elf.Section64{Type: uint32(elf.SHT_DYNAMIC), Flags: uint64(elf.SHF_ALLOC | elf.SHF_WRITE),
		Addr: Base + uint64(dynOff), Off: uint64(dynOff), Size: uint64(len(dyns) * dynSize), Link: 1, Addralign: 8, Entsize: dynSize})
	names = append(names, ".dynamic", ".shstrtab")

	var shstr []byte
	for i, n := range names {
		if i < len(sections) {
			sections[i].Name = uint32(len(shstr))
		}
		shstr = append(shstr, n...)
		shstr = append(shstr, 0)
	}
	shstrOff := loadEnd
	sections = append(sections, elf.Section64{Name: uint32(len(shstr) - len(".shstrtab") - 1), Type: uint32(elf.SHT_STRTAB),
		Off: uint64(shstrOff), Size: uint64(len(shstr)), Addralign: 1})
	shoff := align8(shstrOff + len(shstr))

	buf := make([]byte, shoff+len(sections)*shentSize)
	put := func(off int, v any) {
		if _, err := binary.Encode(buf[off:], order, v); err != nil {
			panic(err)
		}
	}

	hdr := elf.Header64{
		Type:      uint16(l.Type),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     uint64(phoff),
		Shoff:     uint64(shoff),
		Ehsize:    ehdrSize,
		Phentsize: phentSize,
		Phnum:     phnum,
		Shentsize: shentSize,
		Shnum:     uint16(len(sections)),
		Shstrndx:  uint16(len(sections) - 1),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	put(0, hdr)

	progs := []elf.Prog64{
		{Type: uint32(elf.PT_PHDR), Flags: uint32(elf.PF_R), Off: uint64(phoff), Vaddr: Base + uint64(phoff), Paddr: Base + uint64(phoff),
			Filesz: phnum * phentSize, Memsz: phnum * phentSize, Align: 8},
		{Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_W), Vaddr: Base, Paddr: Base,
			Filesz: uint64(loadEnd), Memsz: uint64(loadEnd), Align: 0x1000},
		{Type: uint32(elf.PT_DYNAMIC), Flags: uint32(elf.PF_R | elf.PF_W), Off: uint64(dynOff), Vaddr: Base + uint64(dynOff), Paddr: Base + uint64(dynOff),
			Filesz: uint64(len(dyns) * dynSize), Memsz: uint64(len(dyns) * dynSize), Align: 8},
	}
	for i, p := range progs {
		put(phoff+i*phentSize, p)
	}
	copy(buf[strOff:], dynstr)
	copy(buf[verOff:], verneed)
	for i, d := range dyns {
		put(dynOff+i*dynSize, d)
	}
	copy(buf[shstrOff:], shstr)
	for i, s := range sections {
		put(shoff+i*shentSize, s)
	}
	return buf
}
