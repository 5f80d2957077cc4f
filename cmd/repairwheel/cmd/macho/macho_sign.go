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
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AlecAivazis/survey/v2"
	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	mcmd "github.com/jvolkman/repairwheel/internal/commands/macho"
	"github.com/jvolkman/repairwheel/internal/config"
	"github.com/jvolkman/repairwheel/internal/magic"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	MachoCmd.AddCommand(machoSignCmd)
	machoSignCmd.Flags().StringP("id", "i", "", "sign with identifier (default is the file name)")
	machoSignCmd.Flags().StringP("output", "o", "", "Output codesigned file (single input only)")
	machoSignCmd.Flags().BoolP("overwrite", "f", false, "Overwrite an existing output file without asking")
	viper.BindPFlag("macho.identifier", machoSignCmd.Flags().Lookup("id"))
	viper.BindPFlag("macho.sign.output", machoSignCmd.Flags().Lookup("output"))
	viper.BindPFlag("macho.sign.overwrite", machoSignCmd.Flags().Lookup("overwrite"))
}

func confirm(path string, overwrite bool) bool {
	if overwrite {
		return true
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return true
	}
	yes := false
	prompt := &survey.Confirm{
		Message: fmt.Sprintf("You are about to overwrite %s. Continue?", filepath.Base(path)),
	}
	survey.AskOne(prompt, &yes)
	return yes
}

// machoSignCmd represents the macho sign command
var machoSignCmd = &cobra.Command{
	Use:   "sign <MACHO>...",
	Short: "Ad-hoc codesign MachOs",
	Example: heredoc.Doc(`
		# Re-sign extension modules in place after patching them
		❯ repairwheel macho sign foo/_foo.cpython-312-darwin.so foo/.dylibs/*.dylib

		# Sign a copy
		❯ repairwheel macho sign -o signed.dylib libfoo.dylib`),
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}
		output := viper.GetString("macho.sign.output")

		var paths []string
		for _, arg := range args {
			path := filepath.Clean(arg)
			if ok, err := magic.IsMachO(path); !ok {
				return fmt.Errorf("%s: %w", path, err)
			}
			paths = append(paths, path)
		}

		if len(output) > 0 {
			if len(paths) != 1 {
				return fmt.Errorf("--output requires exactly one input file")
			}
			if !confirm(output, viper.GetBool("macho.sign.overwrite")) {
				log.Warn("Aborted")
				return nil
			}
			return mcmd.Sign(&mcmd.SignConfig{
				Input:      paths[0],
				Output:     output,
				Identifier: conf.MachO.Identifier,
			})
		}
		return mcmd.SignAll(context.Background(), paths, conf.MachO.Identifier, conf.Jobs)
	},
}
