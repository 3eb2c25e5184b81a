package allocation

import (
	"strings"

	"github.com/multimediallc/idranges/internal/failure"
	"github.com/multimediallc/idranges/internal/manifest"
	"github.com/multimediallc/idranges/internal/rangeconfig"
	"github.com/multimediallc/idranges/pkg/objects"
	"github.com/multimediallc/idranges/pkg/ranges"
)

type Mode string

const (
	ModePreview Mode = "preview"
	ModeReserve Mode = "reserve"
	ModeReclaim Mode = "reclaim"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModePreview, ModeReserve, ModeReclaim:
		return m, nil
	default:
		return "", failure.New(failure.InvalidParameter, "unknown mode %q, expected preview, reserve or reclaim", s)
	}
}

type Warning = failure.Warning

// RangeSource yields the declared ranges of a project. A nil config with a nil
// error means the project declares nothing.
type RangeSource interface {
	Read(projectPath string) (*rangeconfig.Config, error)
}

type Scanner interface {
	Scan(root string) ([]objects.Record, error)
}

// Project is the working tree being allocated for.
type Project struct {
	Root  string
	AppID string
}

// Identity is the key the remote allocator tracks the project under. A pool
// id declared in the range config replaces the manifest id.
func (p Project) Identity(config *rangeconfig.Config) (string, error) {
	poolID := ""
	if config != nil {
		poolID = config.AppPoolID
	}
	if poolID = strings.TrimSpace(poolID); poolID != "" {
		return poolID, nil
	}
	if strings.TrimSpace(p.AppID) == "" {
		return "", failure.New(failure.InvalidParameter, "project has no app id and no appPoolId")
	}
	return manifest.Identity(p.AppID), nil
}

// Request is built per call and never shared.
type Request struct {
	Mode       Mode
	ObjectType string
	// Count applies to preview and reserve. Values below 1 mean 1.
	Count int
	// IDs applies to reclaim and must not be empty.
	IDs            []int
	PreferredRange *ranges.Range
	DryRun         bool
}

type Result struct {
	Mode       Mode   `json:"mode" yaml:"mode"`
	ObjectType string `json:"objectType" yaml:"objectType"`
	IDs        []int  `json:"ids" yaml:"ids"`
	// AvailableCount is the number of free ids preview found. The scan stops
	// once Count ids are gathered, so it never exceeds the requested count and
	// is not the total free capacity of the declared ranges.
	AvailableCount int               `json:"availableCount,omitempty" yaml:"availableCount,omitempty"`
	Reserved       bool              `json:"reserved,omitempty" yaml:"reserved,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	ReclaimedCount int               `json:"reclaimedCount,omitempty" yaml:"reclaimedCount,omitempty"`
	FailedIDs      []int             `json:"failedIds,omitempty" yaml:"failedIds,omitempty"`
	Warnings       []Warning         `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}
