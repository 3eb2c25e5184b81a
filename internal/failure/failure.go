// Package failure defines the stable error codes surfaced to callers of the
// allocation engine.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

type Code string

const (
	ConfigInvalid    Code = "CONFIG_INVALID"
	NoRangesDefined  Code = "NO_RANGES_DEFINED"
	NoIdsAvailable   Code = "NO_IDS_AVAILABLE"
	InvalidParameter Code = "INVALID_PARAMETER"
	BackendError     Code = "BACKEND_ERROR"
	Internal         Code = "INTERNAL"
)

// Category narrows a BackendError down by transport status.
type Category string

const (
	CategoryNone         Category = ""
	CategoryAuthRequired Category = "auth_required"
	CategoryNotFound     Category = "not_found"
	CategoryRateLimited  Category = "rate_limited"
	CategoryUnavailable  Category = "unavailable"
	CategoryGeneric      Category = "generic"
)

// Error is a coded failure. Mode and ObjectType are filled in when the failure
// is raised while serving an allocation request.
type Error struct {
	Code       Code
	Category   Category
	Mode       string
	ObjectType string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Category != CategoryNone {
		b.WriteString("/" + string(e.Category))
	}
	if e.Mode != "" || e.ObjectType != "" {
		fmt.Fprintf(&b, " [%s %s]", e.Mode, e.ObjectType)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Annotate records the request mode and object type on a coded error. Errors
// without a code are wrapped as Internal.
func Annotate(err error, mode string, objectType string) error {
	if err == nil {
		return nil
	}
	var coded *Error
	if errors.As(err, &coded) {
		annotated := *coded
		annotated.Mode = mode
		annotated.ObjectType = objectType
		return &annotated
	}
	return &Error{Code: Internal, Mode: mode, ObjectType: objectType, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or Internal.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return Internal
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Warning is a non-fatal finding reported next to a successful result.
type Warning struct {
	Code    string `json:"code" yaml:"code"`
	Message string `json:"message" yaml:"message"`
}

const (
	WarnRangesOverlap   = "RANGES_OVERLAP"
	WarnLegacyMigrated  = "LEGACY_SHAPE_MIGRATED"
	WarnIDCollision     = "ID_COLLISION"
	WarnIDOutsideRanges = "ID_OUTSIDE_RANGES"
	WarnBackend         = "BACKEND_WARNING"
	WarnTrackingFailed  = "TRACKING_FAILED"
	WarnDuplicateType   = "DUPLICATE_OBJECT_TYPE"
	WarnUnknownType     = "UNKNOWN_OBJECT_TYPE"
)

func Warnf(code string, format string, args ...interface{}) Warning {
	return Warning{Code: code, Message: fmt.Sprintf(format, args...)}
}
