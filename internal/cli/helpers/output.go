package helpers

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// OutputFormat represents the desired output format.
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
)

// AddFormatFlag adds a --format/-o flag accepting table or json.
func AddFormatFlag(cmd *cobra.Command, formatVar *string) {
	cmd.Flags().StringVarP(formatVar, "format", "o", string(FormatTable), "Output format (table, json)")
	_ = cmd.RegisterFlagCompletionFunc("format", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return []string{string(FormatTable), string(FormatJSON)}, cobra.ShellCompDirectiveNoFileComp
	})
}

// Write renders rows, a slice of structs, in format. Table columns come
// from `header` struct tags, JSON keys from `json` tags.
func Write(w io.Writer, format OutputFormat, rows any) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case FormatTable, "":
		return writeTable(w, rows)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func writeTable(w io.Writer, rows any) error {
	val := reflect.ValueOf(rows)
	if val.Kind() != reflect.Slice {
		return fmt.Errorf("data must be a slice")
	}
	elem := val.Type().Elem()
	if elem.Kind() == reflect.Pointer {
		elem = elem.Elem()
	}

	var headers []string
	var fields []int
	for i := 0; i < elem.NumField(); i++ {
		if h := elem.Field(i).Tag.Get("header"); h != "" {
			headers = append(headers, h)
			fields = append(fields, i)
		}
	}

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	if _, err := fmt.Fprintln(tw, strings.Join(headers, "\t")); err != nil {
		return err
	}
	for i := 0; i < val.Len(); i++ {
		row := val.Index(i)
		if row.Kind() == reflect.Pointer {
			row = row.Elem()
		}
		cells := make([]string, len(fields))
		for j, f := range fields {
			cells[j] = fmt.Sprintf("%v", row.Field(f).Interface())
		}
		if _, err := fmt.Fprintln(tw, strings.Join(cells, "\t")); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// Success prints a ✓ line.
func Success(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, "✓ "+format+"\n", args...)
}

// Failure prints a ✗ line.
func Failure(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, "✗ "+format+"\n", args...)
}
