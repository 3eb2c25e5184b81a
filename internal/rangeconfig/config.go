// Package rangeconfig reads, validates and writes the per-project id range
// declaration (.objidconfig).
package rangeconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	"github.com/multimediallc/idranges/internal/failure"
	f "github.com/multimediallc/idranges/pkg/functional"
	"github.com/multimediallc/idranges/pkg/objects"
	"github.com/multimediallc/idranges/pkg/ranges"
	"github.com/tailscale/hujson"
)

const FileName = ".objidconfig"

const (
	keyIDRanges     = "idRanges"
	keyObjectRanges = "objectRanges"
)

// Config is the typed view of a range declaration. The raw document is kept so
// that keys this package does not know about survive a merge-write.
type Config struct {
	// IDRanges is the legacy flat list; it applies to every object type that
	// has no entry in ObjectRanges.
	IDRanges         []ranges.Range            `mapstructure:"idRanges"`
	ObjectRanges     map[string][]ranges.Range `mapstructure:"objectRanges"`
	ObjectNamePrefix string                    `mapstructure:"objectNamePrefix"`
	ObjectNameSuffix string                    `mapstructure:"objectNameSuffix"`
	License          string                    `mapstructure:"bcLicense"`
	AppPoolID        string                    `mapstructure:"appPoolId"`

	// Migrated is set when the legacy idRanges-as-object shape was rewritten on load.
	Migrated bool `mapstructure:"-"`
	// Warnings are non-fatal validation findings such as overlapping ranges.
	Warnings []failure.Warning `mapstructure:"-"`

	raw map[string]any
}

// Parse reads a relaxed-JSON document (comments and trailing commas allowed)
// and returns the validated config.
func Parse(data []byte) (*Config, error) {
	standard, err := hujson.Standardize(data)
	if err != nil {
		return nil, failure.Wrap(failure.ConfigInvalid, err, "cannot parse %s", FileName)
	}
	raw, err := decodeRaw(standard)
	if err != nil {
		return nil, err
	}
	return fromRaw(raw)
}

func decodeRaw(data []byte) (map[string]any, error) {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, failure.Wrap(failure.ConfigInvalid, err, "%s must contain a JSON object", FileName)
	}
	if raw == nil {
		return nil, failure.New(failure.ConfigInvalid, "%s must contain a JSON object", FileName)
	}
	return raw, nil
}

// normalizeRaw converts an arbitrary value into the same representation a
// parsed document has (maps, slices, json.Number).
func normalizeRaw(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, failure.Wrap(failure.InvalidParameter, err, "patch is not serializable")
	}
	return decodeRaw(data)
}

func fromRaw(raw map[string]any) (*Config, error) {
	migrated := migrateLegacyShape(raw)
	if err := checkBounds(raw); err != nil {
		return nil, err
	}

	config := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      config,
		ErrorUnused: false,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, failure.Wrap(failure.ConfigInvalid, err, "unexpected shape in %s", FileName)
	}
	config.raw = raw
	config.Migrated = migrated

	warnings, err := Validate(config)
	if err != nil {
		return nil, err
	}
	if migrated {
		warnings = append([]failure.Warning{failure.Warnf(failure.WarnLegacyMigrated,
			"%s was an object; it was read as %s", keyIDRanges, keyObjectRanges)}, warnings...)
	}
	config.Warnings = warnings
	return config, nil
}

// migrateLegacyShape handles documents written by old tooling that stored the
// per-type map under idRanges. It only triggers when idRanges is an object and
// objectRanges is absent; the map moves to objectRanges and idRanges becomes
// an empty list.
func migrateLegacyShape(raw map[string]any) bool {
	legacy, ok := raw[keyIDRanges].(map[string]any)
	if !ok {
		return false
	}
	if _, exists := raw[keyObjectRanges]; exists {
		return false
	}
	raw[keyObjectRanges] = legacy
	raw[keyIDRanges] = []any{}
	return true
}

func validateRange(r ranges.Range) error {
	return validation.ValidateStruct(&r,
		// Min skips zero values, so the bound check has to run through By.
		validation.Field(&r.To, validation.By(func(interface{}) error {
			if r.To < r.From {
				return fmt.Errorf("must not be less than from (%d)", r.From)
			}
			return nil
		})),
	)
}

var boundKeys = []string{"from", "to"}

// checkBounds rejects range objects in the raw document that lack a bound;
// decoding alone would read a missing bound as zero.
func checkBounds(raw map[string]any) error {
	var result *multierror.Error
	check := func(label string, v any) {
		list, ok := v.([]any)
		if !ok {
			return
		}
		for i, item := range list {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			for _, key := range boundKeys {
				if _, ok := obj[key]; !ok {
					result = multierror.Append(result, fmt.Errorf("%s[%d]: %s is required", label, i, key))
				}
			}
		}
	}
	check(keyIDRanges, raw[keyIDRanges])
	if perType, ok := raw[keyObjectRanges].(map[string]any); ok {
		for _, objectType := range f.SortedKeys(perType) {
			check(keyObjectRanges+"."+objectType, perType[objectType])
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return failure.Wrap(failure.ConfigInvalid, err, "invalid range declaration")
	}
	return nil
}

// Validate checks every declared range and that at least one range exists.
// Overlapping ranges within one list are returned as warnings.
func Validate(config *Config) ([]failure.Warning, error) {
	if config == nil {
		return nil, failure.New(failure.ConfigInvalid, "config is empty")
	}
	var result *multierror.Error
	warnings := make([]failure.Warning, 0)
	total := 0

	check := func(label string, rs []ranges.Range) {
		total += len(rs)
		for i, r := range rs {
			if err := validateRange(r); err != nil {
				result = multierror.Append(result, fmt.Errorf("%s[%d]: %w", label, i, err))
			}
		}
		for _, o := range ranges.FindOverlaps(rs) {
			warnings = append(warnings, failure.Warnf(failure.WarnRangesOverlap,
				"%s: range %s overlaps %s", label, o.First, o.Second))
		}
	}

	check(keyIDRanges, config.IDRanges)
	for _, objectType := range f.SortedKeys(config.ObjectRanges) {
		check(keyObjectRanges+"."+objectType, config.ObjectRanges[objectType])
	}
	byType := f.GroupBy(f.SortedKeys(config.ObjectRanges), objects.NormalizeType)
	for _, normalized := range f.SortedKeys(byType) {
		if keys := byType[normalized]; len(keys) > 1 {
			winner, _ := matchKey(config.ObjectRanges, normalized)
			warnings = append(warnings, failure.Warnf(failure.WarnDuplicateType,
				"%s declares %s more than once (%s); %q is used", keyObjectRanges, normalized, strings.Join(keys, ", "), winner))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, failure.Wrap(failure.ConfigInvalid, err, "invalid range declaration")
	}
	if total == 0 {
		return nil, failure.New(failure.NoRangesDefined, "%s declares no id ranges", FileName)
	}
	return warnings, nil
}

// RangesFor returns the declared ranges of objectType in declaration order:
// its own objectRanges entry when present and non-empty, otherwise the flat
// idRanges list.
func (c *Config) RangesFor(objectType string) []ranges.Range {
	if key, ok := matchKey(c.ObjectRanges, objectType); ok && len(c.ObjectRanges[key]) > 0 {
		return slices.Clone(c.ObjectRanges[key])
	}
	return slices.Clone(c.IDRanges)
}

// matchKey finds the objectRanges key for objectType. The exact normalized key
// wins; otherwise the first key in sorted order that normalizes to it.
func matchKey[V any](perType map[string]V, objectType string) (string, bool) {
	want := objects.NormalizeType(objectType)
	if _, ok := perType[want]; ok {
		return want, true
	}
	return f.Find(f.SortedKeys(perType), func(key string) bool {
		return objects.NormalizeType(key) == want
	})
}

// rangesIn decodes the list stored under objectType, or the flat idRanges
// list when objectType is empty, from a raw document.
func rangesIn(raw map[string]any, objectType string) ([]ranges.Range, error) {
	var v any
	if objectType == "" {
		v = raw[keyIDRanges]
	} else if perType, ok := raw[keyObjectRanges].(map[string]any); ok {
		if key, ok := matchKey(perType, objectType); ok {
			v = perType[key]
		}
	}
	if v == nil {
		return nil, nil
	}
	var rs []ranges.Range
	if err := mapstructure.Decode(v, &rs); err != nil {
		return nil, failure.Wrap(failure.ConfigInvalid, err, "unexpected shape in %s", FileName)
	}
	return rs, nil
}

// Raw returns a copy of the underlying document.
func (c *Config) Raw() map[string]any {
	clone, err := normalizeRaw(c.raw)
	if err != nil {
		return map[string]any{}
	}
	return clone
}

// Marshal renders the document as indented JSON. Comments from the source are not kept.
func (c *Config) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(c.raw, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Merge applies patch on top of base. Map values present on both sides are
// merged key by key with patch winning; every other patch value (lists,
// scalars) replaces the base value; a nil patch value removes the key.
func Merge(base, patch map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(merged, k)
			continue
		}
		patchMap, patchIsMap := v.(map[string]any)
		baseMap, baseIsMap := merged[k].(map[string]any)
		if patchIsMap && baseIsMap {
			inner := make(map[string]any, len(baseMap)+len(patchMap))
			for ik, iv := range baseMap {
				inner[ik] = iv
			}
			for ik, iv := range patchMap {
				inner[ik] = iv
			}
			merged[k] = inner
			continue
		}
		merged[k] = v
	}
	return merged
}
