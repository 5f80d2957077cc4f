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
package macho

import (
	"fmt"
	"path/filepath"

	"github.com/MakeNowJust/heredoc/v2"
	mcmd "github.com/jvolkman/repairwheel/internal/commands/macho"
	"github.com/jvolkman/repairwheel/internal/config"
	"github.com/jvolkman/repairwheel/internal/magic"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	MachoCmd.AddCommand(machoChangeCmd)
	MachoCmd.AddCommand(machoIDCmd)
	for _, c := range []*cobra.Command{machoChangeCmd, machoIDCmd} {
		c.Flags().Bool("no-sign", false, "Do not ad-hoc re-sign changed files")
	}
	viper.BindPFlag("macho.change.no-sign", machoChangeCmd.Flags().Lookup("no-sign"))
	viper.BindPFlag("macho.id.no-sign", machoIDCmd.Flags().Lookup("no-sign"))
}

// resign reports whether edited files get a fresh ad-hoc signature.
func resign(conf *config.Config, key string) bool {
	return !conf.MachO.NoSign && !viper.GetBool(key)
}

// machoChangeCmd represents the macho change command
var machoChangeCmd = &cobra.Command{
	Use:   "change <OLD> <NEW> <MACHO>...",
	Short: "Change a dependent shared library install name",
	Example: heredoc.Doc(`
		# Like install_name_tool -change, followed by an ad-hoc re-sign
		❯ repairwheel macho change /opt/homebrew/lib/libz.1.dylib @loader_path/.dylibs/libz.1.dylib _foo.so`),
	Args:          cobra.MinimumNArgs(3),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}
		sign := resign(conf, "macho.change.no-sign")

		for _, arg := range args[2:] {
			path := filepath.Clean(arg)
			if ok, err := magic.IsMachO(path); !ok {
				return fmt.Errorf("%s: %w", path, err)
			}
			if err := mcmd.ChangeInstallName(path, args[0], args[1], sign); err != nil {
				return err
			}
		}
		return nil
	},
}

// machoIDCmd represents the macho id command
var machoIDCmd = &cobra.Command{
	Use:   "id <ID> <MACHO>",
	Short: "Change a shared library's identification name",
	Example: heredoc.Doc(`
		# Like install_name_tool -id, followed by an ad-hoc re-sign
		❯ repairwheel macho id @rpath/libz.1.dylib .dylibs/libz.1.dylib`),
	Args:          cobra.ExactArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}
		path := filepath.Clean(args[1])
		if ok, err := magic.IsMachO(path); !ok {
			return fmt.Errorf("%s: %w", path, err)
		}
		return mcmd.SetInstallID(path, args[0], resign(conf, "macho.id.no-sign"))
	},
}
