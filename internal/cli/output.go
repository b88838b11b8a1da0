package cli

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// printYAML renders a result record to stdout. The YAML shape is a stable
// contract parsed by other tooling.
func printYAML(v any) error {
	return fprintYAML(os.Stdout, v)
}

func fprintYAML(w io.Writer, v any) error {
	raw, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("render output: %w", err)
	}
	_, err = w.Write(raw)
	return err
}
