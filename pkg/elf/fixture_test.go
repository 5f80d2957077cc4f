package elf

import (
	delf "debug/elf"
	"os"
	"path/filepath"
	"testing"
)

// fixture describes a small shared object assembled by build. Everything
// allocatable lives in one PT_LOAD mapped at address == file offset.
type fixture struct {
	class   delf.Class
	data    delf.Data
	typ     delf.Type
	needed  []string
	soname  string
	rpath   string
	runpath string

	noLoad        bool
	extendedShnum bool
	badDynEntsize bool
}

func (fx fixture) build(t *testing.T) []byte {
	t.Helper()
	if fx.class == delf.ELFCLASSNONE {
		fx.class = delf.ELFCLASS64
	}
	if fx.data == delf.ELFDATANONE {
		fx.data = delf.ELFDATA2LSB
	}
	if fx.typ == delf.ET_NONE {
		fx.typ = delf.ET_DYN
	}
	if fx.needed == nil {
		fx.needed = []string{"libfoo.so.1", "libc.so.6"}
	}
	c, ok := newCodec(fx.class, fx.data)
	if !ok {
		t.Fatalf("no codec for %s/%s", fx.class, fx.data)
	}
	word := int(c.word)

	dynstr := []byte{0}
	str := func(s string) uint64 {
		off := len(dynstr)
		dynstr = append(dynstr, s...)
		dynstr = append(dynstr, 0)
		return uint64(off)
	}
	var neededOff []uint64
	var libcOff uint64
	for _, n := range fx.needed {
		off := str(n)
		neededOff = append(neededOff, off)
		if n == "libc.so.6" {
			libcOff = off
		}
	}
	glibcOff := str("GLIBC_2.2.5")
	dynsymName := str("_DYNAMIC")
	var sonameOff, rpathOff, runpathOff uint64
	if fx.soname != "" {
		sonameOff = str(fx.soname)
	}
	if fx.rpath != "" {
		rpathOff = str(fx.rpath)
	}
	if fx.runpath != "" {
		runpathOff = str(fx.runpath)
	}

	var buf []byte
	pad := func(a int) {
		for len(buf)%a != 0 {
			buf = append(buf, 0)
		}
	}
	buf = make([]byte, c.ehdrSize)
	phoff := len(buf)
	const phnum = 3
	buf = append(buf, make([]byte, phnum*c.phentSize)...)

	strOff := len(buf)
	buf = append(buf, dynstr...)

	pad(word)
	verOff := len(buf)
	verData := c.encodeVersionNeeds([]VersionNeed{{
		Version: 1,
		File:    uint32(libcOff),
		Aux:     []VersionAux{{Hash: 0x09691a75, Other: 2, Name: uint32(glibcOff)}},
	}})
	buf = append(buf, verData...)

	sym := Symbol{Info: delf.ST_INFO(delf.STB_LOCAL, delf.STT_OBJECT), Shndx: 4}

	pad(word)
	dynsymOff := len(buf)
	buf = append(buf, make([]byte, c.symSize)...)
	sym.Name = uint32(dynsymName)
	buf = append(buf, c.encodeSym(sym)...)

	pad(word)
	dynOff := len(buf)
	var dyns []Dyn
	for _, off := range neededOff {
		dyns = append(dyns, Dyn{delf.DT_NEEDED, off})
	}
	if fx.soname != "" {
		dyns = append(dyns, Dyn{delf.DT_SONAME, sonameOff})
	}
	if fx.rpath != "" {
		dyns = append(dyns, Dyn{delf.DT_RPATH, rpathOff})
	}
	if fx.runpath != "" {
		dyns = append(dyns, Dyn{delf.DT_RUNPATH, runpathOff})
	}
	dyns = append(dyns,
		Dyn{delf.DT_STRTAB, uint64(strOff)},
		Dyn{delf.DT_STRSZ, uint64(len(dynstr))},
		Dyn{delf.DT_SYMTAB, uint64(dynsymOff)},
		Dyn{delf.DT_SYMENT, uint64(c.symSize)},
		Dyn{delf.DT_VERNEED, uint64(verOff)},
		Dyn{delf.DT_VERNEEDNUM, 1},
		Dyn{delf.DT_NULL, 0},
		Dyn{delf.DT_NULL, 0},
	)
	for _, d := range dyns {
		buf = append(buf, c.encodeDyn(d)...)
	}
	dynSize := len(dyns) * c.dynSize
	loadEnd := len(buf)

	pad(word)
	symtabOff := len(buf)
	buf = append(buf, make([]byte, c.symSize)...)
	sym.Name = 1
	buf = append(buf, c.encodeSym(sym)...)

	strtab := []byte("\x00_DYNAMIC\x00")
	strtabOff := len(buf)
	buf = append(buf, strtab...)

	names := []string{"", ".dynstr", ".gnu.version_r", ".dynsym", ".dynamic", ".symtab", ".strtab", ".shstrtab"}
	var shstr []byte
	nameOff := make([]uint32, len(names))
	for i, n := range names {
		nameOff[i] = uint32(len(shstr))
		shstr = append(shstr, n...)
		shstr = append(shstr, 0)
	}
	shstrOff := len(buf)
	buf = append(buf, shstr...)

	dynEntsize := uint64(c.dynSize)
	if fx.badDynEntsize {
		dynEntsize++
	}
	sections := []Section{
		{},
		{Type: delf.SHT_STRTAB, Flags: delf.SHF_ALLOC, Addr: uint64(strOff), Off: uint64(strOff), Size: uint64(len(dynstr)), Addralign: 1},
		{Type: delf.SHT_GNU_VERNEED, Flags: delf.SHF_ALLOC, Addr: uint64(verOff), Off: uint64(verOff), Size: uint64(len(verData)), Link: 1, Info: 1, Addralign: uint64(word)},
		{Type: delf.SHT_DYNSYM, Flags: delf.SHF_ALLOC, Addr: uint64(dynsymOff), Off: uint64(dynsymOff), Size: uint64(2 * c.symSize), Link: 1, Info: 1, Addralign: uint64(word), Entsize: uint64(c.symSize)},
		{Type: delf.SHT_DYNAMIC, Flags: delf.SHF_ALLOC | delf.SHF_WRITE, Addr: uint64(dynOff), Off: uint64(dynOff), Size: uint64(dynSize), Link: 1, Addralign: uint64(word), Entsize: dynEntsize},
		{Type: delf.SHT_SYMTAB, Off: uint64(symtabOff), Size: uint64(2 * c.symSize), Link: 6, Info: 1, Addralign: uint64(word), Entsize: uint64(c.symSize)},
		{Type: delf.SHT_STRTAB, Off: uint64(strtabOff), Size: uint64(len(strtab)), Addralign: 1},
		{Type: delf.SHT_STRTAB, Off: uint64(shstrOff), Size: uint64(len(shstr)), Addralign: 1},
	}
	for i := range sections {
		sections[i].Name = nameOff[i]
	}
	shnum := uint16(len(sections))
	if fx.extendedShnum {
		sections[0].Size = uint64(shnum)
		shnum = 0
	}

	pad(word)
	shoff := len(buf)
	for _, s := range sections {
		buf = append(buf, c.encodeSection(s)...)
	}

	loadType := delf.PT_LOAD
	if fx.noLoad {
		loadType = delf.PT_NOTE
	}
	progs := []Prog{
		{Type: delf.PT_PHDR, Flags: delf.PF_R, Off: uint64(phoff), Vaddr: uint64(phoff), Paddr: uint64(phoff),
			Filesz: uint64(phnum * c.phentSize), Memsz: uint64(phnum * c.phentSize), Align: uint64(word)},
		{Type: loadType, Flags: delf.PF_R | delf.PF_W | delf.PF_X, Filesz: uint64(loadEnd), Memsz: uint64(loadEnd), Align: 0x1000},
		{Type: delf.PT_DYNAMIC, Flags: delf.PF_R | delf.PF_W, Off: uint64(dynOff), Vaddr: uint64(dynOff), Paddr: uint64(dynOff),
			Filesz: uint64(dynSize), Memsz: uint64(dynSize), Align: uint64(word)},
	}
	for i, p := range progs {
		copy(buf[phoff+i*c.phentSize:], c.encodeProg(p))
	}

	machine := delf.EM_X86_64
	if fx.class == delf.ELFCLASS32 {
		machine = delf.EM_386
	}
	if fx.data == delf.ELFDATA2MSB {
		machine = delf.EM_PPC64
		if fx.class == delf.ELFCLASS32 {
			machine = delf.EM_PPC
		}
	}
	hdr := FileHeader{
		Type:      fx.typ,
		Machine:   machine,
		Version:   uint32(delf.EV_CURRENT),
		Phoff:     uint64(phoff),
		Shoff:     uint64(shoff),
		Ehsize:    uint16(c.ehdrSize),
		Phentsize: uint16(c.phentSize),
		Phnum:     phnum,
		Shentsize: uint16(c.shentSize),
		Shnum:     shnum,
		Shstrndx:  7,
	}
	copy(hdr.Ident[:], delf.ELFMAG)
	hdr.Ident[delf.EI_CLASS] = byte(fx.class)
	hdr.Ident[delf.EI_DATA] = byte(fx.data)
	hdr.Ident[delf.EI_VERSION] = byte(delf.EV_CURRENT)
	copy(buf, c.encodeHeader(hdr))
	return buf
}

// write stores the fixture in a temporary file and returns its path.
func (fx fixture) write(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "libtest.so")
	if err := os.WriteFile(path, fx.build(t), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

var layouts = []struct {
	name  string
	class delf.Class
	data  delf.Data
}{
	{"elf64-le", delf.ELFCLASS64, delf.ELFDATA2LSB},
	{"elf64-be", delf.ELFCLASS64, delf.ELFDATA2MSB},
	{"elf32-le", delf.ELFCLASS32, delf.ELFDATA2LSB},
	{"elf32-be", delf.ELFCLASS32, delf.ELFDATA2MSB},
}
