package elf

import "github.com/jvolkman/repairwheel/pkg/fileutil"

// Pos is a location expressed both as a file offset and a virtual address.
type Pos struct {
	File uint64
	VM   uint64
}

// Tracker walks a block that is laid out in the file and mapped into memory at
// the same time. File and VM coordinates always move in lock step, so a block
// that starts congruent stays congruent.
type Tracker struct {
	start Pos
	cur   Pos
	high  Pos
}

// NewTracker returns a Tracker positioned at file offset off and address vaddr.
func NewTracker(off, vaddr uint64) *Tracker {
	p := Pos{File: off, VM: vaddr}
	return &Tracker{start: p, cur: p, high: p}
}

// Pos returns the current position.
func (t *Tracker) Pos() Pos { return t.cur }

// Start returns the position the tracker was created at.
func (t *Tracker) Start() Pos { return t.start }

// Advance moves the tracker forward by n bytes.
func (t *Tracker) Advance(n uint64) {
	t.cur.File += n
	t.cur.VM += n
	t.high.File = max(t.high.File, t.cur.File)
	t.high.VM = max(t.high.VM, t.cur.VM)
}

// Align advances the tracker to the next file offset that is a multiple of a.
func (t *Tracker) Align(a uint64) {
	t.Advance(fileutil.RoundUp(t.cur.File, a) - t.cur.File)
}

// Reset moves the tracker back to its start and clears the high-water marks.
func (t *Tracker) Reset() {
	t.cur = t.start
	t.high = t.start
}

// Size returns the number of file bytes and memory bytes covered so far.
func (t *Tracker) Size() (file, vm uint64) {
	return t.high.File - t.start.File, t.high.VM - t.start.VM
}
