// Package display renders CLI output as pterm tables or JSON.
package display

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// ShouldOutputJSON reports whether cmd should print JSON: the --json flag
// when set, otherwise TEMPO_JSON
func ShouldOutputJSON(cmd *cobra.Command) bool {
	if cmd != nil {
		if f := cmd.Flags().Lookup("json"); f != nil && f.Changed {
			on, _ := strconv.ParseBool(f.Value.String())
			return on
		}
		if on, err := cmd.Root().PersistentFlags().GetBool("json"); err == nil && on {
			return true
		}
	}
	on, _ := strconv.ParseBool(os.Getenv("TEMPO_JSON"))
	return on
}

// OutputJSON marshals and prints v using MarshalJSON
func OutputJSON(v interface{}) error {
	data, err := MarshalJSON(v)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// Table prints rows under header as a boxed table
func Table(header []string, rows [][]string) error {
	data := make(pterm.TableData, 0, len(rows)+1)
	data = append(data, header)
	data = append(data, rows...)
	return pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(data).Render()
}

// Dim renders s in gray, for placeholders such as "-"
func Dim(s string) string { return pterm.Gray(s) }
