package macho

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-macho/types"
	"github.com/jvolkman/repairwheel/pkg/fileutil"
)

const dylibCmdSize = 24

var dylibLoadCmds = map[types.LoadCmd]bool{
	types.LC_LOAD_DYLIB:        true,
	types.LC_LOAD_WEAK_DYLIB:   true,
	types.LC_REEXPORT_DYLIB:    true,
	types.LC_LAZY_LOAD_DYLIB:   true,
	types.LC_LOAD_UPWARD_DYLIB: true,
}

// lcString returns the NUL terminated string at the lc_str offset stored at
// field within the load command.
func (f *File) lcString(l Load, field int) string {
	if len(l.Raw) < field+4 {
		return ""
	}
	off := f.ByteOrder.Uint32(l.Raw[field:])
	if off >= uint32(len(l.Raw)) {
		return ""
	}
	return cstring(l.Raw[off:])
}

// InstallNames returns the dependencies named by the dylib load commands.
func (f *File) InstallNames() []string {
	var names []string
	for _, l := range f.Loads {
		if dylibLoadCmds[l.Cmd] {
			names = append(names, f.lcString(l, 8))
		}
	}
	return names
}

// InstallID returns the name in LC_ID_DYLIB.
func (f *File) InstallID() (string, bool) {
	for _, l := range f.Loads {
		if l.Cmd == types.LC_ID_DYLIB {
			return f.lcString(l, 8), true
		}
	}
	return "", false
}

// Rpaths returns the LC_RPATH entries in load command order.
func (f *File) Rpaths() []string {
	var paths []string
	for _, l := range f.Loads {
		if l.Cmd == types.LC_RPATH {
			paths = append(paths, f.lcString(l, 8))
		}
	}
	return paths
}

// dylibLoad rebuilds the dylib command l with a new name, keeping its
// timestamp and versions.
func (f *File) dylibLoad(l Load, name string) Load {
	var d types.DylibCmd
	binary.Read(bytes.NewReader(l.Raw), f.ByteOrder, &d)
	size := fileutil.RoundUp(uint64(dylibCmdSize+len(name)+1), uint64(f.PointerSize()))
	d.Len = uint32(size)
	d.NameOffset = dylibCmdSize

	var buf bytes.Buffer
	binary.Write(&buf, f.ByteOrder, d)
	buf.WriteString(name)
	buf.Write(make([]byte, int(size)-buf.Len()))
	return Load{Cmd: l.Cmd, Raw: buf.Bytes()}
}

// SetInstallName replaces every dependency named old with new. It reports
// whether any command referenced old.
func (f *File) SetInstallName(old, new string) (bool, error) {
	var changed bool
	for i, l := range f.Loads {
		if !dylibLoadCmds[l.Cmd] || f.lcString(l, 8) != old {
			continue
		}
		if err := f.ReplaceLoad(i, f.dylibLoad(l, new)); err != nil {
			return false, err
		}
		changed = true
	}
	return changed, nil
}

// SetInstallID replaces the LC_ID_DYLIB name. Files without one fail with
// ErrMissingStructure.
func (f *File) SetInstallID(id string) error {
	for i, l := range f.Loads {
		if l.Cmd == types.LC_ID_DYLIB {
			return f.ReplaceLoad(i, f.dylibLoad(l, id))
		}
	}
	return fmt.Errorf("no LC_ID_DYLIB load command: %w", ErrMissingStructure)
}
