// Package allocation decides which object ids a project may use next. Preview
// works purely from the working tree; reserve and reclaim go through the
// remote allocator, which has the final word.
package allocation

import (
	"context"
	"slices"

	"github.com/hashicorp/go-hclog"
	"github.com/multimediallc/idranges/internal/backend"
	"github.com/multimediallc/idranges/internal/failure"
	"github.com/multimediallc/idranges/internal/rangeconfig"
	"github.com/multimediallc/idranges/pkg/consumption"
	f "github.com/multimediallc/idranges/pkg/functional"
	"github.com/multimediallc/idranges/pkg/objects"
	"github.com/multimediallc/idranges/pkg/ranges"
)

type Coordinator struct {
	project Project
	source  RangeSource
	scanner Scanner
	backend backend.Client
	logger  hclog.Logger
}

// New builds a coordinator. client may be nil, in which case only preview and
// dry runs are served.
func New(project Project, source RangeSource, scanner Scanner, client backend.Client, logger hclog.Logger) *Coordinator {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Coordinator{
		project: project,
		source:  source,
		scanner: scanner,
		backend: client,
		logger:  logger.Named("allocation"),
	}
}

// Allocate serves one request. A successful reservation is followed by a
// tracking call per id; tracking failures end up as warnings.
func (c *Coordinator) Allocate(ctx context.Context, req Request) (*Result, error) {
	switch req.Mode {
	case ModePreview:
		return c.Preview(ctx, req)
	case ModeReserve:
		res, err := c.Reserve(ctx, req)
		if err != nil || !res.Reserved {
			return res, err
		}
		res.Warnings = append(res.Warnings, c.Track(ctx, res.Metadata["identity"], res.ObjectType, res.IDs)...)
		return res, nil
	case ModeReclaim:
		return c.Reclaim(ctx, req)
	default:
		return nil, failure.New(failure.InvalidParameter, "unknown mode %q", req.Mode)
	}
}

func normalize(req Request, mode Mode) (Request, error) {
	req.Mode = mode
	req.ObjectType = objects.NormalizeType(req.ObjectType)
	if req.ObjectType == "" {
		return req, failure.New(failure.InvalidParameter, "object type is required")
	}
	if req.Count < 1 {
		req.Count = 1
	}
	if req.PreferredRange != nil && !req.PreferredRange.Valid() {
		return req, failure.New(failure.InvalidParameter, "preferred range %s is invalid", req.PreferredRange)
	}
	return req, nil
}

// declared returns the config and the ranges that apply to objectType.
func (c *Coordinator) declared(objectType string) (*rangeconfig.Config, []ranges.Range, []Warning, error) {
	config, err := c.source.Read(c.project.Root)
	if err != nil {
		return nil, nil, nil, err
	}
	if config == nil {
		return nil, nil, nil, failure.New(failure.NoRangesDefined, "%s not found in %s", rangeconfig.FileName, c.project.Root)
	}
	rs := config.RangesFor(objectType)
	if len(rs) == 0 {
		return nil, nil, nil, failure.New(failure.NoRangesDefined, "no ranges declared for %s", objectType)
	}

	warnings := make([]Warning, 0)
	if !objects.IsKnownType(objectType) {
		warnings = append(warnings, failure.Warnf(failure.WarnUnknownType, "%s is not an object type that carries an id", objectType))
	}
	if config.Migrated {
		warnings = append(warnings, failure.Warnf(failure.WarnLegacyMigrated, "legacy idRanges object was read as objectRanges"))
	}
	for _, o := range ranges.FindOverlaps(rs) {
		warnings = append(warnings, failure.Warnf(failure.WarnRangesOverlap, "%s ranges %s and %s overlap", objectType, o.First, o.Second))
	}
	return config, rs, warnings, nil
}

// Preview lists the next free ids without contacting the remote allocator.
func (c *Coordinator) Preview(ctx context.Context, req Request) (*Result, error) {
	req, err := normalize(req, ModePreview)
	if err != nil {
		return nil, failure.Annotate(err, string(ModePreview), req.ObjectType)
	}
	res, err := c.preview(ctx, req)
	if err != nil {
		return nil, failure.Annotate(err, string(ModePreview), req.ObjectType)
	}
	return res, nil
}

func (c *Coordinator) preview(ctx context.Context, req Request) (*Result, error) {
	_, rs, warnings, err := c.declared(req.ObjectType)
	if err != nil {
		return nil, err
	}
	if req.PreferredRange != nil {
		rs = ranges.Filter(rs, *req.PreferredRange)
	}

	records, err := c.scanner.Scan(c.project.Root)
	if err != nil {
		return nil, failure.Wrap(failure.Internal, err, "failed to scan %s", c.project.Root)
	}
	records = f.Filtered(records, func(r objects.Record) bool { return r.Type == req.ObjectType })
	snapshot := consumption.Analyze(records)
	for _, collision := range snapshot.CollisionsFor(req.ObjectType) {
		files := f.Map(collision.Records, func(r objects.Record) string { return r.File })
		warnings = append(warnings, failure.Warnf(failure.WarnIDCollision, "%s %d is declared %d times: %v", collision.Type, collision.ID, len(collision.Records), files))
	}

	consumed := snapshot.ConsumedSet(req.ObjectType)
	ids := make([]int, 0, req.Count)
	for _, r := range rs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for id := r.From; id <= r.To && len(ids) < req.Count; id++ {
			if consumed.Contains(id) {
				continue
			}
			ids = append(ids, id)
			// overlapping ranges must not offer the same id twice
			consumed.Add(id)
		}
		if len(ids) == req.Count {
			break
		}
	}
	if len(ids) == 0 {
		return nil, failure.New(failure.NoIdsAvailable, "no free %s ids left in %v", req.ObjectType, rs)
	}

	c.logger.Debug("preview", "type", req.ObjectType, "ids", ids, "consumed", len(snapshot.IDs[req.ObjectType]))
	return &Result{
		Mode:           ModePreview,
		ObjectType:     req.ObjectType,
		IDs:            ids,
		AvailableCount: len(ids),
		Warnings:       warnings,
	}, nil
}

// Reserve commits ids with the remote allocator. A dry run is a preview
// labelled as an unreserved reservation.
func (c *Coordinator) Reserve(ctx context.Context, req Request) (*Result, error) {
	req, err := normalize(req, ModeReserve)
	if err != nil {
		return nil, failure.Annotate(err, string(ModeReserve), req.ObjectType)
	}
	if req.DryRun {
		res, err := c.preview(ctx, req)
		if err != nil {
			return nil, failure.Annotate(err, string(ModeReserve), req.ObjectType)
		}
		res.Mode = ModeReserve
		res.Reserved = false
		return res, nil
	}
	res, err := c.reserve(ctx, req)
	if err != nil {
		return nil, failure.Annotate(err, string(ModeReserve), req.ObjectType)
	}
	return res, nil
}

func (c *Coordinator) reserve(ctx context.Context, req Request) (*Result, error) {
	config, rs, warnings, err := c.declared(req.ObjectType)
	if err != nil {
		return nil, err
	}
	if req.PreferredRange != nil {
		if rs = ranges.Filter(rs, *req.PreferredRange); len(rs) == 0 {
			return nil, failure.New(failure.NoIdsAvailable, "preferred range %s is not declared for %s", req.PreferredRange, req.ObjectType)
		}
	}
	if c.backend == nil {
		return nil, failure.New(failure.InvalidParameter, "no remote allocator configured")
	}

	identity, err := c.project.Identity(config)
	if err != nil {
		return nil, err
	}
	reserved, err := c.backend.ReserveNext(ctx, identity, req.ObjectType, rs, req.Count)
	if err != nil {
		return nil, backendFailure(err)
	}
	if len(reserved.IDs) == 0 {
		return nil, failure.New(failure.NoIdsAvailable, "remote allocator has no free %s ids in %v", req.ObjectType, rs)
	}

	for _, message := range reserved.Warnings {
		warnings = append(warnings, failure.Warnf(failure.WarnBackend, "%s", message))
	}
	for _, id := range reserved.IDs {
		if !ranges.AnyContains(rs, id) {
			c.logger.Warn("reserved id outside declared ranges", "type", req.ObjectType, "id", id)
			warnings = append(warnings, failure.Warnf(failure.WarnIDOutsideRanges, "%s %d is outside every declared range", req.ObjectType, id))
		}
	}

	c.logger.Info("reserved", "type", req.ObjectType, "ids", reserved.IDs)
	return &Result{
		Mode:       ModeReserve,
		ObjectType: req.ObjectType,
		IDs:        reserved.IDs,
		Reserved:   true,
		Metadata: map[string]string{
			"identity": identity,
			"poolId":   config.AppPoolID,
		},
		Warnings: warnings,
	}, nil
}

// Track records each id in the remote bookkeeping ledger. It never fails;
// every id that could not be tracked becomes a warning.
func (c *Coordinator) Track(ctx context.Context, identity, objectType string, ids []int) []Warning {
	warnings := make([]Warning, 0)
	if c.backend == nil {
		return warnings
	}
	objectType = objects.NormalizeType(objectType)
	for _, id := range ids {
		_, err := c.backend.TrackAssignment(ctx, identity, objectType, id)
		if err != nil {
			c.logger.Warn("failed to track assignment", "type", objectType, "id", id, "error", err)
			warnings = append(warnings, failure.Warnf(failure.WarnTrackingFailed, "%s %d reserved but not tracked: %v", objectType, id, err))
		}
	}
	return warnings
}

// Reclaim hands ids back to the remote allocator.
func (c *Coordinator) Reclaim(ctx context.Context, req Request) (*Result, error) {
	req, err := normalize(req, ModeReclaim)
	if err != nil {
		return nil, failure.Annotate(err, string(ModeReclaim), req.ObjectType)
	}
	res, err := c.reclaim(ctx, req)
	if err != nil {
		return nil, failure.Annotate(err, string(ModeReclaim), req.ObjectType)
	}
	return res, nil
}

func (c *Coordinator) reclaim(ctx context.Context, req Request) (*Result, error) {
	if len(req.IDs) == 0 {
		return nil, failure.New(failure.InvalidParameter, "reclaim needs at least one id")
	}
	ids := slices.Clone(req.IDs)
	if req.DryRun {
		return &Result{
			Mode:           ModeReclaim,
			ObjectType:     req.ObjectType,
			IDs:            ids,
			ReclaimedCount: len(ids),
		}, nil
	}
	if c.backend == nil {
		return nil, failure.New(failure.InvalidParameter, "no remote allocator configured")
	}

	config, err := c.source.Read(c.project.Root)
	if err != nil {
		return nil, err
	}
	identity, err := c.project.Identity(config)
	if err != nil {
		return nil, err
	}
	reclaimed, err := c.backend.ReclaimIDs(ctx, identity, req.ObjectType, ids)
	if err != nil {
		return nil, backendFailure(err)
	}

	failed := f.NewSet(reclaimed.FailedIDs...)
	result := &Result{
		Mode:           ModeReclaim,
		ObjectType:     req.ObjectType,
		IDs:            f.Filtered(ids, func(id int) bool { return !failed.Contains(id) }),
		ReclaimedCount: max(len(ids)-len(reclaimed.FailedIDs), 0),
		FailedIDs:      f.SortedUnique(reclaimed.FailedIDs),
	}
	if len(result.FailedIDs) > 0 {
		c.logger.Warn("ids not reclaimed", "type", req.ObjectType, "ids", result.FailedIDs)
	}
	return result, nil
}

func backendFailure(err error) error {
	wrapped := failure.Wrap(failure.BackendError, err, "remote allocator request failed")
	wrapped.Category = backend.CategoryOf(err)
	return wrapped
}
