package colors

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/alecthomas/chroma/v2/quick"
)

// PrintJSON writes v as indented JSON, syntax highlighted when colors are on.
func PrintJSON(w io.Writer, v any) error {
	dat, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if Enabled() {
		return quick.Highlight(w, string(dat)+"\n", "json", "terminal256", "nord")
	}
	_, err = fmt.Fprintln(w, string(dat))
	return err
}
