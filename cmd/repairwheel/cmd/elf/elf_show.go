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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MakeNowJust/heredoc/v2"
	ecmd "github.com/jvolkman/repairwheel/internal/commands/elf"
	"github.com/jvolkman/repairwheel/internal/colors"
	"github.com/jvolkman/repairwheel/internal/magic"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	ElfCmd.AddCommand(elfShowCmd)
	elfShowCmd.Flags().BoolP("json", "j", false, "Print as JSON")
	viper.BindPFlag("elf.show.json", elfShowCmd.Flags().Lookup("json"))
}

// elfShowCmd represents the elf show command
var elfShowCmd = &cobra.Command{
	Use:   "show <SO>...",
	Short: "Print the dynamic linking metadata of shared objects",
	Example: heredoc.Doc(`
		# Show DT_NEEDED, DT_SONAME, DT_RPATH/DT_RUNPATH and version needs
		❯ repairwheel elf show _foo.cpython-312-x86_64-linux-gnu.so`),
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON := viper.GetBool("elf.show.json")

		var infos []*ecmd.Info
		for _, arg := range args {
			path := filepath.Clean(arg)
			if ok, err := magic.IsELF(path); !ok {
				return fmt.Errorf("%s: %w", path, err)
			}
			info, err := ecmd.Show(path)
			if err != nil {
				return err
			}
			if asJSON {
				infos = append(infos, info)
				continue
			}
			if len(args) > 1 {
				fmt.Printf("%s:\n", colors.Bold().Sprint(path))
			}
			printInfo(info)
		}
		if asJSON {
			return colors.PrintJSON(os.Stdout, infos)
		}
		return nil
	},
}

func printInfo(info *ecmd.Info) {
	if info.SOName != "" {
		fmt.Printf("%s: %s\n", colors.Key("SONAME"), colors.Path(info.SOName))
	}
	if info.RunPath != "" {
		fmt.Printf("%s: %s\n", colors.Key("RUNPATH"), colors.Path(info.RunPath))
	}
	if info.RPath != "" {
		fmt.Printf("%s: %s\n", colors.Key("RPATH"), colors.Path(info.RPath))
	}
	if len(info.Needed) > 0 {
		fmt.Println(colors.Key("NEEDED:"))
		for _, n := range info.Needed {
			fmt.Printf("    %s\n", colors.Path(n))
		}
	}
	if len(info.VersionNeeds) > 0 {
		fmt.Printf("%s: %s\n", colors.Key("VERSION NEEDS"), strings.Join(info.VersionNeeds, ", "))
	}
}
