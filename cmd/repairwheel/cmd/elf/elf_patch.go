/*
Copyright © 2018-2023 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package elf

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/MakeNowJust/heredoc/v2"
	ecmd "github.com/jvolkman/repairwheel/internal/commands/elf"
	"github.com/jvolkman/repairwheel/internal/config"
	"github.com/jvolkman/repairwheel/internal/magic"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	ElfCmd.AddCommand(elfPatchCmd)
	elfPatchCmd.Flags().String("set-soname", "", "Set DT_SONAME")
	elfPatchCmd.Flags().String("set-rpath", "", "Set the library search path (written as DT_RPATH)")
	elfPatchCmd.Flags().StringArrayP("replace-needed", "r", nil, "Replace a DT_NEEDED entry (OLD=NEW)")
	elfPatchCmd.Flags().Uint64("page-size", 0, "Alignment of an appended PT_LOAD (default is the largest p_align)")
	viper.BindPFlag("elf.patch.set-soname", elfPatchCmd.Flags().Lookup("set-soname"))
	viper.BindPFlag("elf.patch.set-rpath", elfPatchCmd.Flags().Lookup("set-rpath"))
	viper.BindPFlag("elf.page-size", elfPatchCmd.Flags().Lookup("page-size"))
}

// parseReplacements splits OLD=NEW pairs.
func parseReplacements(pairs []string) (map[string]string, error) {
	needed := make(map[string]string, len(pairs))
	for _, p := range pairs {
		old, new, ok := strings.Cut(p, "=")
		if !ok || old == "" || new == "" {
			return nil, fmt.Errorf("invalid --replace-needed value %q: must be OLD=NEW", p)
		}
		needed[old] = new
	}
	return needed, nil
}

// elfPatchCmd represents the elf patch command
var elfPatchCmd = &cobra.Command{
	Use:   "patch <SO>...",
	Short: "Rewrite DT_SONAME, DT_RPATH and DT_NEEDED of shared objects in place",
	Example: heredoc.Doc(`
		# Point a bundled dependency at its mangled copy
		❯ repairwheel elf patch -r libz.so.1=libz-9a8b7c.so.1 --set-rpath '$ORIGIN/../foo.libs' _foo.so

		# Rename a grafted library
		❯ repairwheel elf patch --set-soname libz-9a8b7c.so.1 foo.libs/libz-9a8b7c.so.1`),
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}

		pairs, err := cmd.Flags().GetStringArray("replace-needed")
		if err != nil {
			return err
		}
		needed, err := parseReplacements(pairs)
		if err != nil {
			return err
		}
		pc := &ecmd.PatchConfig{
			Needed:   needed,
			PageSize: conf.ELF.PageSize,
		}
		if cmd.Flags().Changed("set-soname") {
			soname := viper.GetString("elf.patch.set-soname")
			pc.SOName = &soname
		}
		if cmd.Flags().Changed("set-rpath") {
			rpath := ecmd.NormalizeRPath(viper.GetString("elf.patch.set-rpath"))
			pc.RPath = &rpath
		}
		if pc.SOName == nil && pc.RPath == nil && len(pc.Needed) == 0 {
			return fmt.Errorf("nothing to patch: use --set-soname, --set-rpath or --replace-needed")
		}

		var paths []string
		for _, arg := range args {
			path := filepath.Clean(arg)
			if ok, err := magic.IsELF(path); !ok {
				return fmt.Errorf("%s: %w", path, err)
			}
			paths = append(paths, path)
		}
		return ecmd.PatchAll(context.Background(), paths, pc, conf.Jobs)
	},
}
