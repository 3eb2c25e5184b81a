package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/multimediallc/idranges/internal/allocation"
	"github.com/multimediallc/idranges/internal/backend"
	"github.com/multimediallc/idranges/internal/failure"
	"github.com/multimediallc/idranges/internal/manifest"
	"github.com/multimediallc/idranges/internal/rangeconfig"
	"github.com/multimediallc/idranges/internal/settings"
	"github.com/multimediallc/idranges/pkg/consumption"
	"github.com/multimediallc/idranges/pkg/objects"
	"github.com/multimediallc/idranges/pkg/ranges"
	"github.com/spf13/afero"
)

// OutputData is the machine-readable outcome of one request.
type OutputData struct {
	Mode           string            `json:"mode" yaml:"mode"`
	ObjectType     string            `json:"object_type" yaml:"object_type"`
	IDs            []int             `json:"ids" yaml:"ids"`
	AvailableCount int               `json:"available_count,omitempty" yaml:"available_count,omitempty"`
	Reserved       bool              `json:"reserved" yaml:"reserved"`
	Metadata       map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	ReclaimedCount int               `json:"reclaimed_count,omitempty" yaml:"reclaimed_count,omitempty"`
	FailedIDs      []int             `json:"failed_ids,omitempty" yaml:"failed_ids,omitempty"`
	Warnings       []failure.Warning `json:"warnings" yaml:"warnings"`
	Success        bool              `json:"success" yaml:"success"`
	Message        string            `json:"message" yaml:"message"`
	ErrorCode      failure.Code      `json:"error_code,omitempty" yaml:"error_code,omitempty"`
	ErrorCategory  failure.Category  `json:"error_category,omitempty" yaml:"error_category,omitempty"`
}

func NewOutputData(res *allocation.Result) *OutputData {
	warnings := res.Warnings
	if warnings == nil {
		warnings = []failure.Warning{}
	}
	return &OutputData{
		Mode:           string(res.Mode),
		ObjectType:     res.ObjectType,
		IDs:            res.IDs,
		AvailableCount: res.AvailableCount,
		Reserved:       res.Reserved,
		Metadata:       res.Metadata,
		ReclaimedCount: res.ReclaimedCount,
		FailedIDs:      res.FailedIDs,
		Warnings:       warnings,
		Success:        false,
		Message:        "",
	}
}

// NewFailureOutput describes a failed request.
func NewFailureOutput(req allocation.Request, err error) *OutputData {
	od := &OutputData{
		Mode:       string(req.Mode),
		ObjectType: objects.NormalizeType(req.ObjectType),
		IDs:        []int{},
		Warnings:   []failure.Warning{},
		ErrorCode:  failure.CodeOf(err),
	}
	var coded *failure.Error
	if errors.As(err, &coded) {
		od.ErrorCategory = coded.Category
	}
	od.UpdateOutputData(false, err.Error())
	return od
}

func (od *OutputData) UpdateOutputData(success bool, message string) {
	od.Success = success
	od.Message = message
}

// Config holds the application configuration
type Config struct {
	RepoDir string
	Verbose bool
	// Settings replaces idranges.toml when set.
	Settings *settings.Settings
	// Backend replaces the HTTP client built from Settings when set.
	Backend backend.Client
	Fs      afero.Fs
	Logger  hclog.Logger
	// LogOutput receives log lines when Logger is nil. Default: stderr.
	LogOutput io.Writer
}

// App represents the application with its dependencies
type App struct {
	Settings    *settings.Settings
	Project     allocation.Project
	config      *Config
	logger      hclog.Logger
	store       *rangeconfig.Store
	scanner     *objects.Scanner
	client      backend.Client
	coordinator *allocation.Coordinator
}

// New creates a new App instance with the given configuration
func New(cfg Config) (*App, error) {
	s := cfg.Settings
	if s == nil {
		var err error
		if s, err = settings.Read(cfg.RepoDir); err != nil {
			return nil, fmt.Errorf("error reading %s: %w", settings.FileName, err)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		level := hclog.Info
		if cfg.Verbose || s.Verbose {
			level = hclog.Debug
		}
		output := cfg.LogOutput
		if output == nil {
			output = os.Stderr
		}
		logger = hclog.New(&hclog.LoggerOptions{Name: "idranges", Level: level, Output: output})
	}

	client := cfg.Backend
	if client == nil && s.Backend.URL != "" {
		httpClient, err := backend.NewClient(backend.Config{
			BaseURL:    s.Backend.URL,
			Token:      s.Backend.Token,
			Timeout:    s.Backend.TimeoutDuration(),
			MaxRetries: s.Backend.MaxRetries,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		client = httpClient
	}

	project := allocation.Project{Root: cfg.RepoDir}
	if m, err := manifest.Read(cfg.RepoDir); err != nil {
		logger.Debug("no usable manifest", "error", err)
	} else {
		project.AppID = m.ID
	}

	store := rangeconfig.New(cfg.Fs, s.CacheTTLDuration(), logger)
	scanner := objects.NewScanner(s.Scan.Include, s.Scan.Exclude)
	app := &App{
		Settings:    s,
		Project:     project,
		config:      &cfg,
		logger:      logger,
		store:       store,
		scanner:     scanner,
		client:      client,
		coordinator: allocation.New(project, store, scanner, client, logger),
	}
	return app, nil
}

// Run executes one allocation request.
func (a *App) Run(ctx context.Context, req allocation.Request) (*OutputData, error) {
	a.logger.Debug("run", "mode", req.Mode, "type", req.ObjectType, "count", req.Count, "dry_run", req.DryRun)
	res, err := a.coordinator.Allocate(ctx, req)
	if err != nil {
		return NewFailureOutput(req, err), err
	}
	for _, w := range res.Warnings {
		a.logger.Debug(w.Message, "code", w.Code)
	}
	od := NewOutputData(res)
	od.UpdateOutputData(true, summary(res))
	return od, nil
}

func summary(res *allocation.Result) string {
	switch res.Mode {
	case allocation.ModeReserve:
		if !res.Reserved {
			return fmt.Sprintf("dry run: would reserve %d %s id(s)", len(res.IDs), res.ObjectType)
		}
		return fmt.Sprintf("reserved %d %s id(s)", len(res.IDs), res.ObjectType)
	case allocation.ModeReclaim:
		return fmt.Sprintf("reclaimed %d of %d %s id(s)", res.ReclaimedCount, res.ReclaimedCount+len(res.FailedIDs), res.ObjectType)
	default:
		return fmt.Sprintf("%d %s id(s) available", res.AvailableCount, res.ObjectType)
	}
}

// ConsumptionReport is the local consumption snapshot, optionally compared
// with the remote ledger.
type ConsumptionReport struct {
	consumption.Snapshot `yaml:",inline"`
	Discrepancies        []consumption.Discrepancy `json:"discrepancies,omitempty" yaml:"discrepancies,omitempty"`
}

// Consumption scans the working tree. With remote set, the result also lists
// where the tree and the remote ledger disagree.
func (a *App) Consumption(ctx context.Context, remote bool) (*ConsumptionReport, error) {
	records, err := a.scanner.Scan(a.config.RepoDir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", a.config.RepoDir, err)
	}
	report := &ConsumptionReport{Snapshot: consumption.Analyze(records)}
	if !remote {
		return report, nil
	}
	if a.client == nil {
		return nil, failure.New(failure.InvalidParameter, "no remote allocator configured")
	}

	config, err := a.store.Read(a.config.RepoDir)
	if err != nil {
		return nil, err
	}
	identity, err := a.Project.Identity(config)
	if err != nil {
		return nil, err
	}
	ledger, err := a.client.GetConsumption(ctx, identity)
	if err != nil {
		wrapped := failure.Wrap(failure.BackendError, err, "failed to compare with remote ledger")
		wrapped.Category = backend.CategoryOf(err)
		return nil, wrapped
	}
	report.Discrepancies = consumption.Compare(report.IDs, ledger)
	return report, nil
}

func (a *App) Collisions() ([]consumption.Collision, error) {
	records, err := a.scanner.Scan(a.config.RepoDir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", a.config.RepoDir, err)
	}
	return consumption.FindCollisions(records), nil
}

// RangeConfig returns the project's range declaration.
func (a *App) RangeConfig() (*rangeconfig.Config, error) {
	config, err := a.store.Read(a.config.RepoDir)
	if err != nil {
		return nil, err
	}
	if config == nil {
		return nil, failure.New(failure.NoRangesDefined, "%s not found in %s", rangeconfig.FileName, a.config.RepoDir)
	}
	return config, nil
}

// SetRange declares r for objectType, or for every type when objectType is
// empty. With replace set the type's existing ranges are dropped, otherwise r
// is appended to what is on disk.
func (a *App) SetRange(objectType string, r ranges.Range, replace bool) (*rangeconfig.Config, error) {
	return a.store.AddRange(a.config.RepoDir, objectType, r, replace)
}
