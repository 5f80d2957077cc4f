package macho

import (
	"os"

	"github.com/apex/log"
	"github.com/jvolkman/repairwheel/pkg/macho"
	"github.com/jvolkman/repairwheel/pkg/macho/codesign"
	"github.com/pkg/errors"
)

// edit applies fn to every slice of path and writes the headers back when fn
// reports a change. A changed file is then re-signed ad-hoc if sign is set.
func edit(path string, sign bool, fn func(u *macho.Universal) (bool, error)) (bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return false, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return false, err
	}
	u, err := macho.NewUniversal(f, fi.Size())
	if err != nil {
		f.Close()
		return false, errors.Wrapf(err, "failed to parse %s", path)
	}

	changed, err := fn(u)
	if err == nil && changed {
		err = u.Put(f)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil || !changed {
		return false, err
	}

	if sign {
		if err := codesign.AdHocSign(path); err != nil {
			return true, errors.Wrapf(err, "failed to re-sign %s", path)
		}
	}
	return true, nil
}

// ChangeInstallName replaces the dependency old with new in every slice.
// Nothing is written if no slice references old.
func ChangeInstallName(path, old, new string, sign bool) error {
	changed, err := edit(path, sign, func(u *macho.Universal) (bool, error) {
		return u.SetInstallName(old, new)
	})
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"path": path, "old": old, "new": new, "changed": changed}).Info("Changed install name")
	return nil
}

// SetInstallID sets the install name of every slice that has an LC_ID_DYLIB.
func SetInstallID(path, id string, sign bool) error {
	changed, err := edit(path, sign, func(u *macho.Universal) (bool, error) {
		return u.SetInstallID(id)
	})
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"path": path, "id": id, "changed": changed}).Info("Set install id")
	return nil
}
