// Package codesign writes ad-hoc code signatures into thin and universal
// Mach-O files.
package codesign

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/blacktop/go-macho/types"
	"github.com/dustin/go-humanize"
	"github.com/jvolkman/repairwheel/pkg/fileutil"
	"github.com/jvolkman/repairwheel/pkg/macho"
)

// ArchInfo is the signing plan for one slice.
type ArchInfo struct {
	Arch           string
	NeedsSignature bool

	OldOffset int64
	OldSize   int64
	NewOffset int64
	NewSize   int64

	// SigOffset is relative to the slice and is also the code limit.
	SigOffset    uint32
	SigSize      uint32
	SigIndex     int // index of the existing LC_CODE_SIGNATURE, or -1
	LinkEditSize uint64
	Blob         *SuperBlob

	linkEditIndex int
}

func prepare(m *macho.File, identifier string) (*ArchInfo, error) {
	a := &ArchInfo{
		Arch:           m.ArchName(),
		NeedsSignature: m.NeedsSignature(),
		OldOffset:      m.Offset,
		OldSize:        m.Size,
		NewSize:        m.Size,
		SigIndex:       -1,
		linkEditIndex:  -1,
	}
	if !a.NeedsSignature {
		return a, nil
	}

	var execBase, execLimit, linkEditSize, linkEditEnd uint64
	for _, seg := range m.Segments() {
		switch seg.Name {
		case "__TEXT":
			execBase, execLimit = seg.Offset, seg.Filesz
		case "__LINKEDIT":
			linkEditSize, linkEditEnd = seg.Filesz, seg.Offset+seg.Filesz
			a.linkEditIndex = seg.Index
		}
	}

	var last, oldSigSize uint32
	for _, d := range m.LinkEditData() {
		if d.Cmd == types.LC_CODE_SIGNATURE {
			a.SigIndex, a.SigOffset, oldSigSize = d.Index, d.Offset, d.Size
		}
		last = max(last, d.Offset)
	}
	if a.SigIndex >= 0 && a.SigOffset < last {
		return nil, fmt.Errorf("code signature is not the last __LINKEDIT blob; cannot modify: %w", macho.ErrLayoutConstraint)
	}
	if a.SigIndex < 0 {
		if linkEditEnd > math.MaxUint32 {
			return nil, fmt.Errorf("__LINKEDIT ends at %#x, beyond a 32-bit signature offset: %w", linkEditEnd, macho.ErrLayoutConstraint)
		}
		a.SigOffset = uint32(linkEditEnd)
	}
	if a.SigOffset == 0 || a.linkEditIndex < 0 {
		return nil, fmt.Errorf("no __LINKEDIT segment; cannot add signature: %w", macho.ErrMissingStructure)
	}
	if a.SigIndex < 0 {
		if need, low := m.HeaderEnd()+linkEditDataCmdSize, m.LowOffset(); need > low {
			return nil, fmt.Errorf("not enough header padding to insert LC_CODE_SIGNATURE: need %d bytes, have %d: %w",
				linkEditDataCmdSize, int64(low)-int64(m.HeaderEnd()), macho.ErrLayoutConstraint)
		}
	}

	a.Blob = &SuperBlob{
		CodeLimit:  uint64(a.SigOffset),
		Identifier: identifier,
		ExecBase:   execBase,
		ExecLimit:  execLimit,
		Executable: m.Type == types.MH_EXECUTE,
	}
	a.SigSize = a.Blob.Length()
	a.LinkEditSize = linkEditSize - uint64(oldSigSize) + uint64(a.SigSize)
	a.NewSize = int64(a.SigOffset) + int64(a.SigSize)
	return a, nil
}

const linkEditDataCmdSize = 16

// Plan computes the signing plan of every slice in u, including the packed
// offsets of a universal file.
func Plan(u *macho.Universal, identifier string) ([]*ArchInfo, error) {
	arches := make([]*ArchInfo, len(u.Arches))
	for i, m := range u.Arches {
		a, err := prepare(m, identifier)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m.ArchName(), err)
		}
		arches[i] = a
	}
	arches[0].NewOffset = arches[0].OldOffset
	if u.Fat == nil {
		return arches, nil
	}
	for i := 1; i < len(arches); i++ {
		prev := arches[i-1]
		align := uint64(1) << u.Fat.Arches[i].Align
		arches[i].NewOffset = int64(fileutil.RoundUp(uint64(prev.NewOffset+prev.NewSize), align))
	}
	if !u.Fat.Is64() {
		last := arches[len(arches)-1]
		if last.NewOffset+last.NewSize > math.MaxUint32 {
			return nil, fmt.Errorf("signed slices no longer fit a 32-bit fat header: %w", macho.ErrLayoutConstraint)
		}
	}
	return arches, nil
}

type signFile interface {
	fileutil.File
	Stat() (os.FileInfo, error)
}

// repack moves every slice to its planned offset, zeroes the gaps and
// rewrites the fat header.
func repack(f fileutil.File, fat *macho.FatHeader, arches []*ArchInfo) error {
	move := func(a *ArchInfo) error {
		if a.NewOffset == a.OldOffset {
			return nil
		}
		log.WithFields(log.Fields{
			"arch": a.Arch,
			"from": fmt.Sprintf("%#x", a.OldOffset),
			"to":   fmt.Sprintf("%#x", a.NewOffset),
		}).Debug("moving slice")
		return fileutil.Move(f, a.NewOffset, a.OldOffset, min(a.OldSize, a.NewSize))
	}
	// slices moving toward the start go first, front to back; the rest back to front
	for _, a := range arches {
		if a.NewOffset < a.OldOffset {
			if err := move(a); err != nil {
				return err
			}
		}
	}
	for i := len(arches) - 1; i >= 0; i-- {
		if a := arches[i]; a.NewOffset > a.OldOffset {
			if err := move(a); err != nil {
				return err
			}
		}
	}
	for i := 0; i < len(arches)-1; i++ {
		end := arches[i].NewOffset + arches[i].NewSize
		if err := fileutil.Zero(f, end, arches[i+1].NewOffset-end); err != nil {
			return err
		}
	}
	for i, a := range arches {
		fat.Arches[i].Offset = uint64(a.NewOffset)
		fat.Arches[i].Size = uint64(a.NewSize)
	}
	return fileutil.WriteAt(f, 0, fat.Bytes())
}

func sign(f signFile, identifier string) error {
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	u, err := macho.NewUniversal(f, fi.Size())
	if err != nil {
		return err
	}
	arches, err := Plan(u, identifier)
	if err != nil {
		return err
	}

	if u.Fat != nil {
		if err := repack(f, u.Fat, arches); err != nil {
			return err
		}
	}
	last := arches[len(arches)-1]
	size := last.NewOffset + last.NewSize
	if err := f.Truncate(size); err != nil {
		return err
	}

	// offsets may have changed
	u, err = macho.NewUniversal(f, size)
	if err != nil {
		return err
	}
	for i, m := range u.Arches {
		a := arches[i]
		if !a.NeedsSignature {
			continue
		}
		m.SetSegmentFilesz(a.linkEditIndex, a.LinkEditSize)
		if a.SigIndex >= 0 {
			m.SetLinkEditData(a.SigIndex, a.SigOffset, a.SigSize)
		} else if err := m.AddLoad(m.NewLinkEditData(types.LC_CODE_SIGNATURE, a.SigOffset, a.SigSize)); err != nil {
			return fmt.Errorf("%s: %w", a.Arch, err)
		}
		if err := m.Put(f); err != nil {
			return err
		}
	}

	for _, a := range arches {
		if !a.NeedsSignature {
			continue
		}
		sigOff := a.NewOffset + int64(a.SigOffset)
		hashes, err := HashPages(f, a.NewOffset, sigOff)
		if err != nil {
			return fmt.Errorf("%s: failed to hash code pages: %w", a.Arch, err)
		}
		blob := a.Blob.Bytes(hashes)
		if err := fileutil.WriteAt(f, sigOff, blob); err != nil {
			return err
		}
		if err := fileutil.Zero(f, sigOff+int64(len(blob)), int64(a.SigSize)-int64(len(blob))); err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"arch":   a.Arch,
			"offset": fmt.Sprintf("%#x", sigOff),
			"size":   humanize.Bytes(uint64(a.SigSize)),
			"pages":  len(hashes),
		}).Debug("wrote ad-hoc signature")
	}
	return nil
}

// Sign replaces the code signature of every slice of path that needs one with
// an ad-hoc signature using identifier. The work happens on a copy in the same
// directory that is renamed over path once it succeeds, so a failure leaves
// path untouched.
func Sign(path, identifier string) error {
	tmp, err := stage(path)
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := sign(tmp, identifier); err != nil {
		tmp.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// AdHocSign signs filename using its base name as the identifier.
func AdHocSign(filename string) error {
	return Sign(filename, filepath.Base(filename))
}

// stage copies path to a temporary file beside it with the same mode.
func stage(path string) (*os.File, error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	fi, err := src.Stat()
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return nil, err
	}
	if err := fileutil.Copy(tmp, 0, src, 0, fi.Size()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to stage %s: %w", path, err)
	}
	if err := tmp.Chmod(fi.Mode().Perm()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	return tmp, nil
}
