package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/multimediallc/idranges/internal/allocation"
	"github.com/multimediallc/idranges/internal/app"
	"github.com/multimediallc/idranges/internal/failure"
	f "github.com/multimediallc/idranges/pkg/functional"
	"github.com/multimediallc/idranges/pkg/ranges"
)

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func ignoreError[V any, E error](res V, _ E) V {
	return res
}

var (
	repoDir    = flag.String("dir", getEnv("GITHUB_WORKSPACE", "."), "Path to the project root")
	mode       = flag.String("mode", getEnv("INPUT_MODE", "preview"), "preview, reserve or reclaim")
	objectType = flag.String("type", getEnv("INPUT_OBJECT-TYPE", ""), "Object type, e.g. table")
	count      = flag.Int("count", ignoreError(strconv.Atoi(getEnv("INPUT_COUNT", "1"))), "Number of ids for preview and reserve")
	ids        = flag.String("ids", getEnv("INPUT_IDS", ""), "Comma separated ids to reclaim")
	preferred  = flag.String("range", getEnv("INPUT_PREFERRED-RANGE", ""), "Preferred range as from-to")
	dryRun     = flag.Bool("dry-run", ignoreError(strconv.ParseBool(getEnv("INPUT_DRY-RUN", "0"))), "Do not contact the remote allocator")
	timeout    = flag.Duration("timeout", ignoreError(time.ParseDuration(getEnv("INPUT_TIMEOUT", "2m"))), "Overall deadline")
	verbose    = flag.Bool("v", ignoreError(strconv.ParseBool(getEnv("INPUT_VERBOSE", "0"))), "Verbose output")
)

// parseIDs reads a comma or whitespace separated id list.
func parseIDs(s string) ([]int, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\n' || r == '\t' })
	out := make([]int, 0, len(fields))
	for _, field := range fields {
		id, err := strconv.Atoi(field)
		if err != nil {
			return nil, failure.New(failure.InvalidParameter, "invalid id %q", field)
		}
		out = append(out, id)
	}
	return out, nil
}

// parseRange reads "from-to" or "from..to". An empty string means no range.
func parseRange(s string) (*ranges.Range, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	sep := "-"
	if strings.Contains(s, "..") {
		sep = ".."
	}
	parts := strings.SplitN(s, sep, 2)
	if len(parts) != 2 {
		return nil, failure.New(failure.InvalidParameter, "invalid range %q, expected from-to", s)
	}
	from, errFrom := strconv.Atoi(strings.TrimSpace(parts[0]))
	to, errTo := strconv.Atoi(strings.TrimSpace(parts[1]))
	if errFrom != nil || errTo != nil {
		return nil, failure.New(failure.InvalidParameter, "invalid range %q, expected from-to", s)
	}
	r := ranges.New(from, to)
	return &r, nil
}

func buildRequest(modeArg, objectTypeArg string, countArg int, idsArg, rangeArg string, dryRunArg bool) (allocation.Request, error) {
	m, err := allocation.ParseMode(modeArg)
	if err != nil {
		return allocation.Request{}, err
	}
	idList, err := parseIDs(idsArg)
	if err != nil {
		return allocation.Request{}, err
	}
	preferredRange, err := parseRange(rangeArg)
	if err != nil {
		return allocation.Request{}, err
	}
	return allocation.Request{
		Mode:           m,
		ObjectType:     objectTypeArg,
		Count:          countArg,
		IDs:            idList,
		PreferredRange: preferredRange,
		DryRun:         dryRunArg,
	}, nil
}

// writeOutput prints the result and, when running as an action step, appends
// it to the step outputs.
func writeOutput(w io.Writer, outputFile string, od *app.OutputData) error {
	data, err := json.Marshal(od)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	if _, err := fmt.Fprintln(w, string(data)); err != nil {
		return err
	}
	if outputFile == "" {
		return nil
	}
	file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", outputFile, err)
	}
	defer func() {
		_ = file.Close()
	}()
	idList := strings.Join(f.Map(od.IDs, strconv.Itoa), ",")
	_, err = fmt.Fprintf(file, "result=%s\nids=%s\nsuccess=%t\n", data, idList, od.Success)
	return err
}

func errorAndExit(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}

func main() {
	flag.Parse()
	if *objectType == "" {
		errorAndExit("Required flags or environment variables not set: [type]\n")
	}

	req, err := buildRequest(*mode, *objectType, *count, *ids, *preferred, *dryRun)
	if err != nil {
		errorAndExit("Invalid input: %v\n", err)
	}

	a, err := app.New(app.Config{RepoDir: *repoDir, Verbose: *verbose})
	if err != nil {
		errorAndExit("Failed to initialize: %v\n", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	od, runErr := a.Run(ctx, req)
	if err := writeOutput(os.Stdout, os.Getenv("GITHUB_OUTPUT"), od); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
	}
	if runErr != nil {
		cancel()
		errorAndExit("%s failed: %v\n", req.Mode, runErr)
	}
}
