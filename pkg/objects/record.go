package objects

import (
	"fmt"
	"strings"
)

// Record is one object declaration found while scanning a project tree.
// File is slash-separated and relative to the scanned root. Line is the
// 1-based line of the declaration header, 0 when unknown.
type Record struct {
	Type string `json:"type" yaml:"type"`
	ID   int    `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	File string `json:"file" yaml:"file"`
	Line int    `json:"line,omitempty" yaml:"line,omitempty"`
}

func (r Record) String() string {
	if r.Line > 0 {
		return fmt.Sprintf("%s %d %q (%s:%d)", r.Type, r.ID, r.Name, r.File, r.Line)
	}
	return fmt.Sprintf("%s %d %q (%s)", r.Type, r.ID, r.Name, r.File)
}

// Keywords are the object type keywords that open a declaration carrying a numeric id.
var Keywords = []string{
	"codeunit",
	"enum",
	"enumextension",
	"page",
	"pageextension",
	"permissionset",
	"permissionsetextension",
	"query",
	"report",
	"reportextension",
	"table",
	"tableextension",
	"xmlport",
}

// NormalizeType lower-cases and trims an object type tag so user input and
// scanned keywords compare equal.
func NormalizeType(objectType string) string {
	return strings.ToLower(strings.TrimSpace(objectType))
}

func IsKnownType(objectType string) bool {
	objectType = NormalizeType(objectType)
	for _, k := range Keywords {
		if k == objectType {
			return true
		}
	}
	return false
}
