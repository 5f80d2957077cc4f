package macho

import (
	"context"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/jvolkman/repairwheel/internal/utils"
	"github.com/jvolkman/repairwheel/pkg/macho/codesign"
	"github.com/pkg/errors"
)

type SignConfig struct {
	Input  string
	Output string // defaults to Input

	// Identifier is the code directory identifier. It defaults to the base
	// name of Output.
	Identifier string
}

func AdhocSign(in, out string) error {
	return Sign(&SignConfig{
		Input:  in,
		Output: out,
	})
}

func Sign(conf *SignConfig) error {
	out := conf.Output
	if out == "" {
		out = conf.Input
	}
	same, err := sameFile(conf.Input, out)
	if err != nil {
		return err
	}
	if !same {
		if err := utils.Cp(conf.Input, out); err != nil {
			return errors.Wrapf(err, "failed to copy %s", conf.Input)
		}
	}

	id := conf.Identifier
	if id == "" {
		id = filepath.Base(out)
	}
	if err := codesign.Sign(out, id); err != nil {
		return errors.Wrap(err, "failed to codesign MachO file")
	}
	log.WithFields(log.Fields{"path": out, "identifier": id}).Info("Signed")
	return nil
}

// SignAll signs every path in place, running up to jobs signers at once.
func SignAll(ctx context.Context, paths []string, identifier string, jobs int) error {
	return utils.ForEach(ctx, utils.UniquePaths(paths), jobs, func(path string) error {
		return Sign(&SignConfig{Input: path, Identifier: identifier})
	})
}

func sameFile(a, b string) (bool, error) {
	if a == b {
		return true, nil
	}
	fa, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	fb, err := os.Stat(b)
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return os.SameFile(fa, fb), nil
}
