package elf

import (
	"bytes"
	delf "debug/elf"
	"fmt"
	"slices"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/jvolkman/repairwheel/pkg/fileutil"
)

// patchMarker separates the original dynamic strings from the ones appended
// by Rewrite.
const patchMarker = "$PATCH$"

// DefaultPageSize is used when no PT_LOAD declares an alignment.
const DefaultPageSize = 0x1000

// Changes describes the edits made by Rewrite.
type Changes struct {
	// SOName replaces DT_SONAME when non-nil. An empty string removes it.
	SOName *string
	// RPath replaces the library search path when non-nil. An empty string removes it.
	RPath *string
	// Needed maps old DT_NEEDED (and version need) library names to new ones.
	Needed map[string]string
	// PageSize overrides the alignment of an appended PT_LOAD. Zero uses the
	// largest p_align of the existing PT_LOAD segments.
	PageSize uint64
}

type dynNames struct {
	soname  string
	rpath   string
	needed  []string
	verneed []string
}

func (n dynNames) apply(ch Changes) dynNames {
	out := dynNames{soname: n.soname, rpath: n.rpath}
	if ch.SOName != nil {
		out.soname = *ch.SOName
	}
	if ch.RPath != nil {
		out.rpath = *ch.RPath
	}
	remap := func(s string) string {
		if r, ok := ch.Needed[s]; ok {
			return r
		}
		return s
	}
	for _, s := range n.needed {
		out.needed = append(out.needed, remap(s))
	}
	for _, s := range n.verneed {
		out.verneed = append(out.verneed, remap(s))
	}
	return out
}

// strtab is a dynamic string table with the offsets of the strings Rewrite manages.
type strtab struct {
	data   []byte
	soname uint32
	rpath  uint32
	names  map[string]uint32
}

func buildStrtab(prefix []byte, n dynNames) strtab {
	t := strtab{data: bytes.Clone(prefix), names: make(map[string]uint32)}
	add := func(s string) uint32 {
		off := uint32(len(t.data))
		t.data = append(t.data, s...)
		t.data = append(t.data, 0)
		return off
	}
	add(patchMarker)
	t.soname = add(n.soname)
	t.rpath = add(n.rpath)
	libs := slices.Concat(n.needed, n.verneed)
	slices.Sort(libs)
	for _, s := range slices.Compact(libs) {
		t.names[s] = add(s)
	}
	return t
}

// snapshot is everything Rewrite reads from the file before laying out the new block.
type snapshot struct {
	hdr      FileHeader
	progs    []Prog
	sections []Section
	dyns     []Dyn
	vns      []VersionNeed
	names    dynNames
	prefix   []byte
	size     uint64
	lastLoad int
	dynIdx   int
	strIdx   int
	verIdx   int
}

func (f *File) snapshot() (*snapshot, error) {
	s := &snapshot{lastLoad: -1, dynIdx: -1, strIdx: -1, verIdx: -1}
	var err error
	if s.hdr, err = f.Header(); err != nil {
		return nil, err
	}
	if s.hdr.Type != delf.ET_DYN {
		return nil, fmt.Errorf("file type %s: %w", s.hdr.Type, ErrUnsupportedFormat)
	}
	if s.progs, err = f.Progs(); err != nil {
		return nil, err
	}
	for i, p := range s.progs {
		if p.Type == delf.PT_LOAD {
			s.lastLoad = i
		}
	}
	if s.lastLoad < 0 {
		return nil, fmt.Errorf("no PT_LOAD segment: %w", ErrMissingStructure)
	}
	if s.sections, err = f.Sections(); err != nil {
		return nil, err
	}
	for i, sec := range s.sections {
		switch sec.Type {
		case delf.SHT_DYNAMIC:
			if s.dynIdx < 0 {
				s.dynIdx = i
				if int(sec.Link) < len(s.sections) && sec.Link != 0 {
					s.strIdx = int(sec.Link)
				}
			}
		case delf.SHT_GNU_VERNEED:
			if s.verIdx < 0 {
				s.verIdx = i
			}
		}
	}
	if s.dyns, err = f.Dynamic(); err != nil {
		return nil, err
	}
	if s.dyns == nil {
		return nil, fmt.Errorf("no dynamic table: %w", ErrMissingStructure)
	}
	if s.vns, err = f.VersionNeeds(); err != nil {
		return nil, err
	}
	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	s.size = uint64(size)

	if s.names.needed, err = f.Needed(); err != nil {
		return nil, err
	}
	if s.names.soname, err = f.SOName(); err != nil {
		return nil, err
	}
	if s.names.rpath, err = f.RunPath(); err != nil {
		return nil, err
	}
	if s.names.rpath == "" {
		if s.names.rpath, err = f.RPath(); err != nil {
			return nil, err
		}
	}
	if s.names.verneed, err = f.VersionNeedFiles(); err != nil {
		return nil, err
	}

	dynstr, err := f.DynStr()
	if err != nil {
		return nil, err
	}
	s.prefix = dynstr
	if suffix := buildStrtab(nil, s.names).data; bytes.HasSuffix(dynstr, suffix) {
		s.prefix = dynstr[:len(dynstr)-len(suffix)]
	}
	if len(s.prefix) == 0 || s.prefix[len(s.prefix)-1] != 0 {
		s.prefix = append(bytes.Clone(s.prefix), 0)
	}
	return s, nil
}

// pageSize returns the largest PT_LOAD alignment.
func (s *snapshot) pageSize() uint64 {
	var page uint64
	for _, p := range s.progs {
		if p.Type == delf.PT_LOAD {
			page = max(page, p.Align)
		}
	}
	if page == 0 {
		return DefaultPageSize
	}
	return page
}

type patch struct {
	off  uint64
	data []byte
}

// block is the laid out contents of the segment holding the rewritten tables.
type block struct {
	base    Pos
	data    []byte
	hdr     FileHeader
	dynAddr uint64
	symbols []patch
}

func buildDynamic(old []Dyn, n dynNames, tab strtab, str, ver Pos, verCount int) []Dyn {
	var (
		out                   []Dyn
		haveSOName, haveRPath bool
		needed                int
	)
	for _, d := range old {
		switch d.Tag {
		case delf.DT_NULL, delf.DT_RUNPATH:
			continue
		case delf.DT_STRTAB:
			d.Val = str.VM
		case delf.DT_STRSZ:
			d.Val = uint64(len(tab.data))
		case delf.DT_NEEDED:
			d.Val = uint64(tab.names[n.needed[needed]])
			needed++
		case delf.DT_SONAME:
			if haveSOName || n.soname == "" {
				continue
			}
			d.Val = uint64(tab.soname)
			haveSOName = true
		case delf.DT_RPATH:
			if haveRPath || n.rpath == "" {
				continue
			}
			d.Val = uint64(tab.rpath)
			haveRPath = true
		case delf.DT_VERNEED:
			d.Val = ver.VM
		case delf.DT_VERNEEDNUM:
			d.Val = uint64(verCount)
		}
		out = append(out, d)
	}
	if !haveSOName && n.soname != "" {
		out = append(out, Dyn{Tag: delf.DT_SONAME, Val: uint64(tab.soname)})
	}
	if !haveRPath && n.rpath != "" {
		out = append(out, Dyn{Tag: delf.DT_RPATH, Val: uint64(tab.rpath)})
	}
	return append(out, Dyn{Tag: delf.DT_NULL})
}

// layout renders the rewritten tables into a block starting at base. When
// reuse is set the last PT_LOAD is resized to cover the block, otherwise a
// new PT_LOAD aligned to page is added.
func (f *File) layout(s *snapshot, n dynNames, base Pos, reuse bool, page uint64) (*block, error) {
	c := f.c
	tab := buildStrtab(s.prefix, n)

	t := NewTracker(base.File, base.VM)
	strPos := t.Pos()
	t.Advance(uint64(len(tab.data)))

	var (
		verPos  Pos
		verData []byte
	)
	if len(s.vns) > 0 {
		vns := make([]VersionNeed, len(s.vns))
		for i, vn := range s.vns {
			vns[i] = VersionNeed{Version: vn.Version, File: tab.names[n.verneed[i]], Aux: vn.Aux}
		}
		verData = c.encodeVersionNeeds(vns)
		t.Align(c.word)
		verPos = t.Pos()
		t.Advance(uint64(len(verData)))
	}

	t.Align(c.word)
	dynPos := t.Pos()
	dyns := buildDynamic(s.dyns, n, tab, strPos, verPos, len(s.vns))
	dynSize := uint64(len(dyns) * c.dynSize)
	t.Advance(dynSize)

	var shPos Pos
	if len(s.sections) > 0 {
		t.Align(c.word)
		shPos = t.Pos()
		t.Advance(uint64(len(s.sections) * c.shentSize))
	}

	phnum := len(s.progs)
	if !reuse {
		phnum++
	}
	if phnum >= 0xffff {
		return nil, &FormatError{int64(s.hdr.Phoff), "too many program headers", phnum}
	}
	t.Align(c.word)
	phPos := t.Pos()
	phSize := uint64(phnum * c.phentSize)
	t.Advance(phSize)

	fileSize, vmSize := t.Size()

	progs := slices.Clone(s.progs)
	for i := range progs {
		p := &progs[i]
		switch p.Type {
		case delf.PT_DYNAMIC:
			p.Off, p.Vaddr, p.Paddr = dynPos.File, dynPos.VM, dynPos.VM
			p.Filesz, p.Memsz = dynSize, dynSize
		case delf.PT_PHDR:
			p.Off, p.Vaddr, p.Paddr = phPos.File, phPos.VM, phPos.VM
			p.Filesz, p.Memsz = phSize, phSize
		}
	}
	if reuse {
		progs[s.lastLoad].Filesz = fileSize
		progs[s.lastLoad].Memsz = vmSize
	} else {
		progs = append(progs, Prog{
			Type:   delf.PT_LOAD,
			Flags:  delf.PF_R | delf.PF_W,
			Off:    base.File,
			Vaddr:  base.VM,
			Paddr:  base.VM,
			Filesz: fileSize,
			Memsz:  vmSize,
			Align:  page,
		})
	}

	sections := slices.Clone(s.sections)
	if s.strIdx >= 0 {
		sections[s.strIdx].Off = strPos.File
		sections[s.strIdx].Addr = strPos.VM
		sections[s.strIdx].Size = uint64(len(tab.data))
	}
	if s.dynIdx >= 0 {
		sections[s.dynIdx].Off = dynPos.File
		sections[s.dynIdx].Addr = dynPos.VM
		sections[s.dynIdx].Size = dynSize
	}
	if s.verIdx >= 0 && len(verData) > 0 {
		sections[s.verIdx].Off = verPos.File
		sections[s.verIdx].Addr = verPos.VM
		sections[s.verIdx].Size = uint64(len(verData))
		sections[s.verIdx].Info = uint32(len(s.vns))
	}

	b := &block{base: base, data: make([]byte, fileSize), hdr: s.hdr, dynAddr: dynPos.VM}
	put := func(p Pos, data []byte) {
		copy(b.data[p.File-base.File:], data)
	}
	put(strPos, tab.data)
	if len(verData) > 0 {
		put(verPos, verData)
	}
	for i, d := range dyns {
		copy(b.data[dynPos.File-base.File+uint64(i*c.dynSize):], c.encodeDyn(d))
	}
	for i, sec := range sections {
		copy(b.data[shPos.File-base.File+uint64(i*c.shentSize):], c.encodeSection(sec))
	}
	for i, p := range progs {
		copy(b.data[phPos.File-base.File+uint64(i*c.phentSize):], c.encodeProg(p))
	}

	b.hdr.Phoff = phPos.File
	b.hdr.Phnum = uint16(len(progs))
	if len(sections) > 0 {
		b.hdr.Shoff = shPos.File
	}

	for i, sec := range s.sections {
		if sec.Type != delf.SHT_SYMTAB && sec.Type != delf.SHT_DYNSYM {
			continue
		}
		syms, names, err := f.Symbols(i)
		if err != nil {
			return nil, err
		}
		for j, name := range names {
			if name != "_DYNAMIC" {
				continue
			}
			sym := syms[j]
			sym.Value = dynPos.VM
			b.symbols = append(b.symbols, patch{
				off:  sec.Off + uint64(j*c.symSize),
				data: c.encodeSym(sym),
			})
		}
	}
	return b, nil
}

// canReuse reports whether the last PT_LOAD already holds exactly what
// Rewrite would produce for the current values, i.e. it was written by an
// earlier Rewrite and can be overwritten in place.
func (f *File) canReuse(s *snapshot) (bool, error) {
	last := s.progs[s.lastLoad]
	if last.Off+last.Filesz != s.size {
		return false, nil
	}
	b, err := f.layout(s, s.names, Pos{File: last.Off, VM: last.Vaddr}, true, s.pageSize())
	if err != nil {
		return false, err
	}
	if uint64(len(b.data)) != last.Filesz {
		return false, nil
	}
	onDisk, err := f.readAt(last.Off, last.Filesz)
	if err != nil {
		return false, err
	}
	return bytes.Equal(b.data, onDisk), nil
}

// Rewrite replaces the SONAME, library search path and needed library names
// of a shared object. The new dynamic string table, version need table,
// dynamic table and header tables are written to a PT_LOAD segment at the end
// of the file. A segment written by an earlier Rewrite is reused in place.
func (f *File) Rewrite(ch Changes) error {
	w, err := f.writer()
	if err != nil {
		return err
	}
	s, err := f.snapshot()
	if err != nil {
		return err
	}
	page := ch.PageSize
	if page == 0 {
		page = s.pageSize()
	}
	n := s.names.apply(ch)

	reuse, err := f.canReuse(s)
	if err != nil {
		return err
	}
	var base Pos
	if reuse {
		last := s.progs[s.lastLoad]
		base = Pos{File: last.Off, VM: last.Vaddr}
	} else {
		var end uint64
		for _, p := range s.progs {
			if p.Type == delf.PT_LOAD {
				end = max(end, p.Vaddr+p.Memsz)
			}
		}
		off := fileutil.RoundUp(s.size, page)
		base = Pos{File: off, VM: fileutil.RoundUp(end, page) + off%page}
	}

	b, err := f.layout(s, n, base, reuse, page)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"offset":  fmt.Sprintf("%#x", base.File),
		"address": fmt.Sprintf("%#x", base.VM),
		"size":    humanize.Bytes(uint64(len(b.data))),
		"reuse":   reuse,
	}).Debug("Writing dynamic segment")

	if !reuse {
		if err := fileutil.Zero(w, int64(s.size), int64(base.File-s.size)); err != nil {
			return err
		}
	}
	if err := fileutil.WriteAt(w, int64(base.File), b.data); err != nil {
		return err
	}
	if err := w.Truncate(int64(base.File) + int64(len(b.data))); err != nil {
		return fmt.Errorf("failed to truncate: %w", err)
	}
	if err := fileutil.WriteAt(w, 0, f.c.encodeHeader(b.hdr)); err != nil {
		return err
	}
	for _, p := range b.symbols {
		if err := fileutil.WriteAt(w, int64(p.off), p.data); err != nil {
			return err
		}
	}
	f.Invalidate()
	return nil
}
