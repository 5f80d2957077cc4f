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
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/MakeNowJust/heredoc/v2"
	mcmd "github.com/jvolkman/repairwheel/internal/commands/macho"
	"github.com/jvolkman/repairwheel/internal/colors"
	"github.com/jvolkman/repairwheel/internal/magic"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	MachoCmd.AddCommand(machoInfoCmd)
	machoInfoCmd.Flags().BoolP("json", "j", false, "Print as JSON")
	viper.BindPFlag("macho.info.json", machoInfoCmd.Flags().Lookup("json"))
}

// machoInfoCmd represents the macho info command
var machoInfoCmd = &cobra.Command{
	Use:   "info <MACHO>",
	Short: "Print the install names, rpaths and signatures of a MachO",
	Example: heredoc.Doc(`
		❯ repairwheel macho info _foo.cpython-312-darwin.so`),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Clean(args[0])
		if ok, err := magic.IsMachO(path); !ok {
			return fmt.Errorf("%s: %w", path, err)
		}
		info, err := mcmd.GetInfo(path)
		if err != nil {
			return err
		}

		if viper.GetBool("macho.info.json") {
			return colors.PrintJSON(os.Stdout, info)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, a := range info.Arches {
			sig := colors.Faint().Sprint("unsigned")
			if s := a.Signature; s != nil {
				sig = fmt.Sprintf("%s (%s) cdhash=%s", s.Identifier, s.Flags, s.CDHash)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", colors.HiBlue().Sprint(a.Name), a.Type, sig)
		}
		w.Flush()
		if info.InstallID != "" {
			fmt.Printf("%s: %s\n", colors.Key("ID"), colors.Path(info.InstallID))
		}
		if len(info.InstallNames) > 0 {
			fmt.Println(colors.Key("Install names:"))
			for _, n := range info.InstallNames {
				fmt.Printf("    %s\n", colors.Path(n))
			}
		}
		if len(info.Rpaths) > 0 {
			fmt.Println(colors.Key("Rpaths:"))
			for _, r := range info.Rpaths {
				fmt.Printf("    %s\n", colors.Path(r))
			}
		}
		return nil
	},
}
