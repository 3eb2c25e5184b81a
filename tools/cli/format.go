package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

type OutputFormat string

const (
	FormatDefault OutputFormat = "default"
	FormatJSON    OutputFormat = "json"
	FormatYAML    OutputFormat = "yaml"
)

var allowedFormats = []string{string(FormatDefault), string(FormatJSON), string(FormatYAML)}

func validateFormat(format string) (OutputFormat, error) {
	if !slices.Contains(allowedFormats, format) {
		return "", fmt.Errorf("invalid format %s. Must be one of %s", format, strings.Join(allowedFormats, ", "))
	}
	return OutputFormat(format), nil
}

// printer writes command results to out and diagnostics to errOut.
type printer struct {
	out    io.Writer
	errOut io.Writer
	format OutputFormat
}

// encode writes v in the structured format. It reports false for the default
// format so the caller can print its own text.
func (p printer) encode(v any) (bool, error) {
	switch p.format {
	case FormatJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return true, fmt.Errorf("failed to encode json: %w", err)
		}
		_, err = fmt.Fprintln(p.out, string(data))
		return true, err
	case FormatYAML:
		enc := yaml.NewEncoder(p.out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, fmt.Errorf("failed to encode yaml: %w", err)
		}
		return true, enc.Close()
	default:
		return false, nil
	}
}

func (p printer) println(args ...any) {
	_, _ = fmt.Fprintln(p.out, args...)
}

func (p printer) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.out, format, args...)
}

func (p printer) warnf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.errOut, format, args...)
}
