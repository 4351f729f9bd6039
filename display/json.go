package display

import (
	"encoding/json"
	"os"
)

// MarshalJSON marshals v indented for terminals and compact when stdout is
// piped, so `tempo job ls --json | jq` gets one document per line
func MarshalJSON(v interface{}) ([]byte, error) {
	if isTerminal(os.Stdout) {
		return json.MarshalIndent(v, "", "  ")
	}
	return json.Marshal(v)
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
