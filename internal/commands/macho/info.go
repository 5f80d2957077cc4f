package macho

import (
	"errors"

	"github.com/apex/log"
	gomacho "github.com/blacktop/go-macho"
	cstypes "github.com/blacktop/go-macho/pkg/codesign/types"
	"github.com/jvolkman/repairwheel/pkg/macho"
)

// Signature describes the first code directory of a slice.
type Signature struct {
	Identifier string `json:"identifier"`
	Flags      string `json:"flags"`
	AdHoc      bool   `json:"adhoc"`
	CodeLimit  uint32 `json:"code_limit"`
	CodeSlots  uint32 `json:"code_slots"`
	CDHash     string `json:"cdhash,omitempty"`
}

// Arch describes one slice of a Mach-O file.
type Arch struct {
	Name      string     `json:"name"`
	Type      string     `json:"type"`
	Signature *Signature `json:"signature,omitempty"`
}

// Info summarises the linkage of a Mach-O file. The install names, id and
// rpaths are shared by every slice.
type Info struct {
	Path         string   `json:"path"`
	Fat          bool     `json:"fat"`
	Arches       []Arch   `json:"arches"`
	InstallID    string   `json:"install_id,omitempty"`
	InstallNames []string `json:"install_names,omitempty"`
	Rpaths       []string `json:"rpaths,omitempty"`
}

// GetInfo reads the install names and signatures of path.
func GetInfo(path string) (*Info, error) {
	u, err := macho.Open(path)
	if err != nil {
		return nil, err
	}
	defer u.Close()

	info := &Info{Path: path, Fat: u.IsFat()}
	if info.InstallID, err = u.InstallID(); err != nil {
		return nil, err
	}
	if info.InstallNames, err = u.InstallNames(); err != nil {
		return nil, err
	}
	if info.Rpaths, err = u.Rpaths(); err != nil {
		return nil, err
	}

	sigs, err := signatures(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Debug("Unable to read code signatures")
	}
	for i, m := range u.Arches {
		a := Arch{Name: m.ArchName(), Type: m.Type.String()}
		if i < len(sigs) {
			a.Signature = sigs[i]
		}
		info.Arches = append(info.Arches, a)
	}
	return info, nil
}

// signatures returns the code signature of each slice in file order.
func signatures(path string) ([]*Signature, error) {
	var files []*gomacho.File
	fat, err := gomacho.OpenFat(path)
	if err == nil {
		defer fat.Close()
		for _, arch := range fat.Arches {
			files = append(files, arch.File)
		}
	} else if errors.Is(err, gomacho.ErrNotFat) {
		m, err := gomacho.Open(path)
		if err != nil {
			return nil, err
		}
		defer m.Close()
		files = append(files, m)
	} else {
		return nil, err
	}

	sigs := make([]*Signature, len(files))
	for i, m := range files {
		cs := m.CodeSignature()
		if cs == nil || len(cs.CodeDirectories) == 0 {
			continue
		}
		cd := cs.CodeDirectories[0]
		sigs[i] = &Signature{
			Identifier: cd.ID,
			Flags:      cd.Header.Flags.String(),
			AdHoc:      cd.Header.Flags&cstypes.ADHOC != 0,
			CodeLimit:  cd.Header.CodeLimit,
			CodeSlots:  cd.Header.NCodeSlots,
			CDHash:     cd.CDHash,
		}
	}
	return sigs, nil
}
