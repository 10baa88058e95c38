package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// OutputFormat selects how listing commands print results.
type OutputFormat string

const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
	OutputYAML  OutputFormat = "yaml"
)

func addOutputFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", string(OutputTable), "Output format (table, json, yaml)")
}

func outputFormat(cmd *cobra.Command) (OutputFormat, error) {
	raw, err := cmd.Flags().GetString("output")
	if err != nil {
		return OutputTable, nil
	}
	switch f := OutputFormat(raw); f {
	case OutputTable, OutputJSON, OutputYAML:
		return f, nil
	default:
		return "", errors.Errorf("invalid output format %q, must be one of table, json, yaml", raw)
	}
}

// render prints v as JSON or YAML, or calls table for the table format.
func render(format OutputFormat, v any, table func()) error {
	switch format {
	case OutputJSON:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case OutputYAML:
		out, err := yaml.Marshal(v)
		if err != nil {
			return errors.Wrap(err, "failed to marshal yaml")
		}
		fmt.Print(string(out))
		return nil
	default:
		table()
		return nil
	}
}

func enabledLabel(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

func printJSON(v any) error {
	return render(OutputJSON, v, nil)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
