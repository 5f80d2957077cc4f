// Package elf edits the dynamic linking metadata of ELF shared objects.
package elf

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/jvolkman/repairwheel/internal/utils"
	"github.com/jvolkman/repairwheel/pkg/elf"
	"github.com/pkg/errors"
)

// PatchConfig is the set of edits applied by Patch.
type PatchConfig struct {
	SOName   *string
	RPath    *string
	Needed   map[string]string
	PageSize uint64
}

// Info summarises the dynamic section of a shared object.
type Info struct {
	Needed       []string `json:"needed,omitempty"`
	SOName       string   `json:"soname,omitempty"`
	RPath        string   `json:"rpath,omitempty"`
	RunPath      string   `json:"runpath,omitempty"`
	VersionNeeds []string `json:"version_needs,omitempty"`
}

// Patch rewrites the shared object at path in place.
func Patch(path string, conf *PatchConfig) error {
	f, err := elf.OpenRW(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	if err := f.Rewrite(elf.Changes{
		SOName:   conf.SOName,
		RPath:    conf.RPath,
		Needed:   conf.Needed,
		PageSize: conf.PageSize,
	}); err != nil {
		return errors.Wrapf(err, "failed to patch %s", path)
	}
	log.WithField("path", path).Info("Patched")
	return nil
}

// PatchAll applies conf to every path, running up to jobs patches at once.
func PatchAll(ctx context.Context, paths []string, conf *PatchConfig, jobs int) error {
	return utils.ForEach(ctx, utils.UniquePaths(paths), jobs, func(path string) error {
		return Patch(path, conf)
	})
}

// ReplaceNeeded renames each {old, new} DT_NEEDED pair.
func ReplaceNeeded(path string, pairs ...[2]string) error {
	needed := make(map[string]string, len(pairs))
	for _, p := range pairs {
		needed[p[0]] = p[1]
	}
	return Patch(path, &PatchConfig{Needed: needed})
}

// SetSOName sets DT_SONAME.
func SetSOName(path, soname string) error {
	return Patch(path, &PatchConfig{SOName: &soname})
}

// NormalizeRPath converts every entry of a colon separated search path to
// forward slashes.
func NormalizeRPath(rpath string) string {
	entries := strings.Split(rpath, ":")
	for i, e := range entries {
		if e != "" {
			entries[i] = filepath.ToSlash(e)
		}
	}
	return strings.Join(entries, ":")
}

// SetRPath sets the library search path. The result is always stored as
// DT_RPATH.
func SetRPath(path, rpath string) error {
	rpath = NormalizeRPath(rpath)
	return Patch(path, &PatchConfig{RPath: &rpath})
}

// GetRPath returns DT_RUNPATH if present, otherwise DT_RPATH.
func GetRPath(path string) (string, error) {
	f, err := elf.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	runpath, err := f.RunPath()
	if err != nil {
		return "", err
	}
	if runpath != "" {
		return runpath, nil
	}
	return f.RPath()
}

// Show reads the dynamic section of the shared object at path.
func Show(path string) (*Info, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	var info Info
	if info.Needed, err = f.Needed(); err != nil {
		return nil, errors.Wrap(err, "failed to read DT_NEEDED")
	}
	if info.SOName, err = f.SOName(); err != nil {
		return nil, errors.Wrap(err, "failed to read DT_SONAME")
	}
	if info.RPath, err = f.RPath(); err != nil {
		return nil, errors.Wrap(err, "failed to read DT_RPATH")
	}
	if info.RunPath, err = f.RunPath(); err != nil {
		return nil, errors.Wrap(err, "failed to read DT_RUNPATH")
	}
	if info.VersionNeeds, err = f.VersionNeedFiles(); err != nil {
		return nil, errors.Wrap(err, "failed to read version needs")
	}
	return &info, nil
}
