package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/multimediallc/idranges/internal/allocation"
	"github.com/multimediallc/idranges/internal/app"
	"github.com/multimediallc/idranges/internal/rangeconfig"
	f "github.com/multimediallc/idranges/pkg/functional"
	"github.com/multimediallc/idranges/pkg/objects"
	"github.com/multimediallc/idranges/pkg/ranges"
	"github.com/urfave/cli/v2"
)

func main() {
	var repo string
	var verbose bool
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "Print version",
	}
	cli.VersionPrinter = func(cCtx *cli.Context) {
		fmt.Println(cCtx.App.Version)
	}

	rootFlag := &cli.StringFlag{
		Name:        "root",
		Aliases:     []string{"r", "project"},
		Value:       "./",
		Usage:       "Path to the project root",
		Destination: &repo,
	}
	formatFlag := &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Value:   "default",
		Usage:   "Output format.  Allowed values are: default, json, and yaml",
	}
	typeFlag := &cli.StringFlag{
		Name:     "type",
		Aliases:  []string{"t"},
		Usage:    "Object type, e.g. table or pageextension",
		Required: true,
	}
	dryRunFlag := &cli.BoolFlag{
		Name:  "dry-run",
		Usage: "Do not contact the remote allocator",
	}
	newPrinter := func(cCtx *cli.Context) (printer, error) {
		format, err := validateFormat(cCtx.String("format"))
		if err != nil {
			return printer{}, err
		}
		return printer{out: os.Stdout, errOut: os.Stderr, format: format}, nil
	}
	allocationAction := func(mode allocation.Mode) cli.ActionFunc {
		return func(cCtx *cli.Context) error {
			p, err := newPrinter(cCtx)
			if err != nil {
				return err
			}
			req := allocation.Request{
				Mode:       mode,
				ObjectType: cCtx.String("type"),
				Count:      cCtx.Int("count"),
				DryRun:     cCtx.Bool("dry-run"),
			}
			if preferred := cCtx.String("range"); preferred != "" {
				r, err := parseRangeArg(preferred)
				if err != nil {
					return err
				}
				req.PreferredRange = &r
			}
			if mode == allocation.ModeReclaim {
				args := cCtx.Args().Slice()
				if len(args) == 0 && isStdinPiped() {
					if args, err = scanLines(os.Stdin); err != nil {
						return err
					}
				}
				if req.IDs, err = parseIDArgs(args); err != nil {
					return err
				}
			}
			return runAllocation(cCtx.Context, repo, verbose, req, p)
		}
	}

	cliApp := &cli.App{
		Name:        "idranges",
		Usage:       "Allocate object ids from the ranges declared in .objidconfig",
		Version:     "v0.1.0.dev",
		Description: "",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "verbose",
				Usage:       "Debug logging on stderr",
				EnvVars:     []string{"IDRANGES_VERBOSE"},
				Destination: &verbose,
			},
		},
		Commands: []*cli.Command{
			{
				Name:        "preview",
				Aliases:     []string{"p"},
				Usage:       "Show the next free ids without reserving them",
				UsageText:   "idranges preview [options] --type <type>",
				Description: "Scan the working tree and list the next ids of the given type that are free in the declared ranges. Never contacts the remote allocator.",
				Flags: []cli.Flag{
					rootFlag, formatFlag, typeFlag,
					&cli.IntFlag{Name: "count", Aliases: []string{"c"}, Value: 1, Usage: "Number of ids"},
					&cli.StringFlag{Name: "range", Usage: "Only use the declared range from-to"},
				},
				Action: allocationAction(allocation.ModePreview),
			},
			{
				Name:        "reserve",
				Aliases:     []string{"res"},
				Usage:       "Reserve ids with the remote allocator",
				UsageText:   "idranges reserve [options] --type <type>",
				Description: "Reserve the next ids of the given type. With --dry-run this is a preview.",
				Flags: []cli.Flag{
					rootFlag, formatFlag, typeFlag, dryRunFlag,
					&cli.IntFlag{Name: "count", Aliases: []string{"c"}, Value: 1, Usage: "Number of ids"},
					&cli.StringFlag{Name: "range", Usage: "Only use the declared range from-to"},
				},
				Action: allocationAction(allocation.ModeReserve),
			},
			{
				Name:        "reclaim",
				Usage:       "Return ids to the remote allocator",
				UsageText:   "idranges reclaim [options] --type <type> <id> [id]...",
				Description: "Release previously reserved ids. Ids may be given as arguments, comma separated, or one per line on stdin.",
				Flags:       []cli.Flag{rootFlag, formatFlag, typeFlag, dryRunFlag},
				Action:      allocationAction(allocation.ModeReclaim),
			},
			{
				Name:        "consumption",
				Aliases:     []string{"c"},
				Usage:       "Show the ids used in the working tree",
				UsageText:   "idranges consumption [options]",
				Description: "List consumed ids per object type as compressed ranges. With --remote, also compare with the remote ledger.",
				Flags: []cli.Flag{
					rootFlag, formatFlag,
					&cli.BoolFlag{Name: "remote", Usage: "Compare with the remote ledger"},
				},
				Action: func(cCtx *cli.Context) error {
					p, err := newPrinter(cCtx)
					if err != nil {
						return err
					}
					return showConsumption(cCtx.Context, repo, verbose, cCtx.Bool("remote"), p)
				},
			},
			{
				Name:        "collisions",
				Usage:       "List ids declared by more than one object",
				UsageText:   "idranges collisions [options]",
				Description: "Report every object type and id pair that is declared more than once in the working tree. Exits non-zero when collisions exist.",
				Flags:       []cli.Flag{rootFlag, formatFlag},
				Action: func(cCtx *cli.Context) error {
					p, err := newPrinter(cCtx)
					if err != nil {
						return err
					}
					return showCollisions(repo, verbose, p)
				},
			},
			{
				Name:        "objects",
				Aliases:     []string{"o"},
				Usage:       "List object declarations",
				UsageText:   "idranges objects [options] [file1] [file2]...",
				Description: "List the object declarations of the project, or of the given files only.",
				Flags:       []cli.Flag{rootFlag, formatFlag},
				Action: func(cCtx *cli.Context) error {
					p, err := newPrinter(cCtx)
					if err != nil {
						return err
					}
					return listObjects(repo, cCtx.Args().Slice(), p)
				},
			},
			{
				Name:  "config",
				Usage: "Inspect or change .objidconfig",
				Subcommands: []*cli.Command{
					{
						Name:      "show",
						Usage:     "Print the declared ranges",
						UsageText: "idranges config show [options]",
						Flags:     []cli.Flag{rootFlag, formatFlag},
						Action: func(cCtx *cli.Context) error {
							p, err := newPrinter(cCtx)
							if err != nil {
								return err
							}
							return showConfig(repo, verbose, p)
						},
					},
					{
						Name:      "validate",
						Usage:     "Validate .objidconfig",
						UsageText: "idranges config validate [options]",
						Flags:     []cli.Flag{rootFlag},
						Action: func(cCtx *cli.Context) error {
							return validateConfig(repo, verbose, printer{out: os.Stdout, errOut: os.Stderr, format: FormatDefault})
						},
					},
					{
						Name:        "set-range",
						Usage:       "Declare a range",
						UsageText:   "idranges config set-range [options] <from-to>",
						Description: "Append a range for --type, or to the list shared by all types when --type is omitted. With --replace the existing ranges are dropped.",
						Flags: []cli.Flag{
							rootFlag, formatFlag,
							&cli.StringFlag{Name: "type", Aliases: []string{"t"}, Usage: "Object type"},
							&cli.BoolFlag{Name: "replace", Usage: "Replace instead of append"},
						},
						Action: func(cCtx *cli.Context) error {
							if cCtx.NArg() != 1 {
								return fmt.Errorf("exactly one range is required")
							}
							r, err := parseRangeArg(cCtx.Args().First())
							if err != nil {
								return err
							}
							p, err := newPrinter(cCtx)
							if err != nil {
								return err
							}
							return setRange(repo, verbose, cCtx.String("type"), r, cCtx.Bool("replace"), p)
						},
					},
				},
			},
		},
	}

	err := cliApp.Run(os.Args)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func parseRangeArg(s string) (ranges.Range, error) {
	from, to, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return ranges.Range{}, fmt.Errorf("invalid range %q, expected from-to", s)
	}
	fromID, errFrom := strconv.Atoi(strings.TrimSpace(from))
	toID, errTo := strconv.Atoi(strings.TrimSpace(to))
	if errFrom != nil || errTo != nil {
		return ranges.Range{}, fmt.Errorf("invalid range %q, expected from-to", s)
	}
	return ranges.New(fromID, toID), nil
}

func checkRoot(repo string) error {
	repoStat, err := os.Lstat(repo)
	if err != nil {
		return fmt.Errorf("root is not a directory: %w", err)
	}
	if !repoStat.IsDir() {
		return fmt.Errorf("root is not a directory: %s", repo)
	}
	return nil
}

func newApp(repo string, verbose bool, p printer) (*app.App, error) {
	if err := checkRoot(repo); err != nil {
		return nil, err
	}
	return app.New(app.Config{RepoDir: filepath.Clean(repo), Verbose: verbose, LogOutput: p.errOut})
}

func runAllocation(ctx context.Context, repo string, verbose bool, req allocation.Request, p printer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(repo, verbose, p)
	if err != nil {
		return err
	}
	od, runErr := a.Run(ctx, req)
	handled, err := p.encode(od)
	if err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if handled {
		return nil
	}

	for _, w := range od.Warnings {
		p.warnf("warning: %s: %s\n", w.Code, w.Message)
	}
	switch req.Mode {
	case allocation.ModeReclaim:
		p.printf("%s\n", od.Message)
		for _, id := range od.FailedIDs {
			p.printf("not reclaimed: %d\n", id)
		}
	default:
		if req.Mode == allocation.ModeReserve && !od.Reserved {
			p.warnf("dry run: nothing was reserved\n")
		}
		for _, id := range od.IDs {
			p.println(id)
		}
	}
	return nil
}

func showConsumption(ctx context.Context, repo string, verbose bool, remote bool, p printer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(repo, verbose, p)
	if err != nil {
		return err
	}
	report, err := a.Consumption(ctx, remote)
	if err != nil {
		return err
	}
	if handled, err := p.encode(report); handled {
		return err
	}

	for _, objectType := range f.SortedKeys(report.Ranges) {
		runs := f.Map(report.Ranges[objectType], ranges.Range.String)
		p.printf("%s: %s (%d ids)\n", objectType, strings.Join(runs, ", "), len(report.IDs[objectType]))
	}
	for _, d := range report.Discrepancies {
		if len(d.LocalOnly) > 0 {
			p.printf("%s not on remote ledger: %s\n", d.Type, joinRuns(d.LocalOnly))
		}
		if len(d.RemoteOnly) > 0 {
			p.printf("%s only on remote ledger: %s\n", d.Type, joinRuns(d.RemoteOnly))
		}
	}
	if remote && len(report.Discrepancies) == 0 {
		p.println("working tree and remote ledger agree")
	}
	return nil
}

func joinRuns(ids []int) string {
	return strings.Join(f.Map(ranges.FromSortedIDs(f.SortedUnique(ids)), ranges.Range.String), ", ")
}

func showCollisions(repo string, verbose bool, p printer) error {
	a, err := newApp(repo, verbose, p)
	if err != nil {
		return err
	}
	collisions, err := a.Collisions()
	if err != nil {
		return err
	}
	if handled, err := p.encode(collisions); handled {
		if err != nil {
			return err
		}
	} else {
		for _, c := range collisions {
			locations := f.Map(c.Records, func(r objects.Record) string { return fmt.Sprintf("%s:%d", r.File, r.Line) })
			p.printf("%s %d: %s\n", c.Type, c.ID, strings.Join(locations, ", "))
		}
	}
	if len(collisions) > 0 {
		return fmt.Errorf("%d colliding id(s) found", len(collisions))
	}
	return nil
}

func listObjects(repo string, files []string, p printer) error {
	if err := checkRoot(repo); err != nil {
		return err
	}
	var records []objects.Record
	if len(files) == 0 {
		var err error
		if records, err = objects.NewScanner(nil, nil).Scan(repo); err != nil {
			return err
		}
	} else {
		records = make([]objects.Record, 0)
		for _, file := range files {
			if file == "" {
				return fmt.Errorf("empty target file path is not allowed")
			}
			content, err := os.ReadFile(filepath.Join(repo, file))
			if err != nil {
				return fmt.Errorf("target is not a file: %s", file)
			}
			found, err := objects.ScanFile(filepath.ToSlash(file), string(content))
			if err != nil {
				return err
			}
			records = append(records, found...)
		}
	}
	if handled, err := p.encode(records); handled {
		return err
	}
	for _, r := range records {
		p.println(r.String())
	}
	return nil
}

// configView is the typed, ordered rendering of a range declaration.
type configView struct {
	IDRanges         []ranges.Range            `json:"idRanges" yaml:"idRanges"`
	ObjectRanges     map[string][]ranges.Range `json:"objectRanges,omitempty" yaml:"objectRanges,omitempty"`
	ObjectNamePrefix string                    `json:"objectNamePrefix,omitempty" yaml:"objectNamePrefix,omitempty"`
	ObjectNameSuffix string                    `json:"objectNameSuffix,omitempty" yaml:"objectNameSuffix,omitempty"`
	License          string                    `json:"bcLicense,omitempty" yaml:"bcLicense,omitempty"`
	AppPoolID        string                    `json:"appPoolId,omitempty" yaml:"appPoolId,omitempty"`
}

func newConfigView(config *rangeconfig.Config) configView {
	idRanges := config.IDRanges
	if idRanges == nil {
		idRanges = []ranges.Range{}
	}
	return configView{
		IDRanges:         idRanges,
		ObjectRanges:     config.ObjectRanges,
		ObjectNamePrefix: config.ObjectNamePrefix,
		ObjectNameSuffix: config.ObjectNameSuffix,
		License:          config.License,
		AppPoolID:        config.AppPoolID,
	}
}

// describeRanges lists rs with their combined capacity. Ids in overlapping
// ranges are counted for every range that holds them.
func describeRanges(rs []ranges.Range) string {
	capacity := 0
	for _, r := range rs {
		capacity += r.Size()
	}
	return fmt.Sprintf("%s (%d ids)", strings.Join(f.Map(rs, ranges.Range.String), ", "), capacity)
}

func printConfig(config *rangeconfig.Config, p printer) error {
	if handled, err := p.encode(newConfigView(config)); handled {
		return err
	}
	if len(config.IDRanges) > 0 {
		p.printf("all types: %s\n", describeRanges(config.IDRanges))
	}
	for _, objectType := range f.SortedKeys(config.ObjectRanges) {
		p.printf("%s: %s\n", objectType, describeRanges(config.ObjectRanges[objectType]))
	}
	if config.AppPoolID != "" {
		p.printf("pool: %s\n", config.AppPoolID)
	}
	for _, w := range config.Warnings {
		p.warnf("warning: %s: %s\n", w.Code, w.Message)
	}
	return nil
}

func showConfig(repo string, verbose bool, p printer) error {
	a, err := newApp(repo, verbose, p)
	if err != nil {
		return err
	}
	config, err := a.RangeConfig()
	if err != nil {
		return err
	}
	return printConfig(config, p)
}

func validateConfig(repo string, verbose bool, p printer) error {
	a, err := newApp(repo, verbose, p)
	if err != nil {
		return err
	}
	config, err := a.RangeConfig()
	if err != nil {
		return err
	}
	for _, w := range config.Warnings {
		p.warnf("warning: %s: %s\n", w.Code, w.Message)
	}
	p.printf("%s is valid\n", rangeconfig.FileName)
	return nil
}

func setRange(repo string, verbose bool, objectType string, r ranges.Range, replace bool, p printer) error {
	a, err := newApp(repo, verbose, p)
	if err != nil {
		return err
	}
	config, err := a.SetRange(objectType, r, replace)
	if err != nil {
		return err
	}
	return printConfig(config, p)
}
