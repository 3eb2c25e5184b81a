package rangeconfig

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/multimediallc/idranges/internal/failure"
	"github.com/multimediallc/idranges/pkg/objects"
	"github.com/multimediallc/idranges/pkg/ranges"
	"github.com/spf13/afero"
	"github.com/tailscale/hujson"
)

type cacheEntry struct {
	config   *Config
	loadedAt time.Time
}

// Store loads and persists range declarations. Reads may be served from a
// per-project cache for up to ttl; a ttl of zero disables caching. A Store is
// safe for concurrent use.
type Store struct {
	fs     afero.Fs
	ttl    time.Duration
	now    func() time.Time
	logger hclog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry

	writeMu sync.Mutex
}

func New(fs afero.Fs, ttl time.Duration, logger hclog.Logger) *Store {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Store{
		fs:     fs,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.Named("rangeconfig"),
		cache:  make(map[string]cacheEntry),
	}
}

// Path is the location of the range declaration inside projectPath.
func Path(projectPath string) string {
	return filepath.Join(projectPath, FileName)
}

func cacheKey(projectPath string) string {
	return filepath.Clean(projectPath)
}

// Read returns the project's config, or nil without error when the project has
// no declaration file.
func (s *Store) Read(projectPath string) (*Config, error) {
	key := cacheKey(projectPath)
	if s.ttl > 0 {
		s.mu.RLock()
		entry, ok := s.cache[key]
		s.mu.RUnlock()
		if ok && s.now().Sub(entry.loadedAt) < s.ttl {
			return entry.config, nil
		}
	}

	config, err := s.load(projectPath)
	if err != nil || config == nil {
		s.Invalidate(projectPath)
		return config, err
	}

	if s.ttl > 0 {
		s.mu.Lock()
		s.cache[key] = cacheEntry{config: config, loadedAt: s.now()}
		s.mu.Unlock()
	}
	return config, nil
}

func (s *Store) load(projectPath string) (*Config, error) {
	path := Path(projectPath)
	data, err := afero.ReadFile(s.fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, failure.Wrap(failure.ConfigInvalid, err, "cannot read %s", path)
	}
	config, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if config.Migrated {
		s.logger.Info("read legacy range shape", "path", path)
	}
	for _, w := range config.Warnings {
		s.logger.Debug("range config warning", "path", path, "code", w.Code, "message", w.Message)
	}
	return config, nil
}

// loadRaw reads the document without validating it, so a merge-write can
// repair a declaration that is currently invalid.
func (s *Store) loadRaw(projectPath string) (map[string]any, error) {
	path := Path(projectPath)
	data, err := afero.ReadFile(s.fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, failure.Wrap(failure.ConfigInvalid, err, "cannot read %s", path)
	}
	standard, err := hujson.Standardize(data)
	if err != nil {
		return nil, failure.Wrap(failure.ConfigInvalid, err, "cannot parse %s", path)
	}
	raw, err := decodeRaw(standard)
	if err != nil {
		return nil, err
	}
	migrateLegacyShape(raw)
	return raw, nil
}

// Write persists patch to the project's declaration. With merge, the current
// file is re-read from disk (never from the cache) and patch is applied with
// Merge; otherwise patch replaces the whole document. The result is validated
// before anything is written.
func (s *Store) Write(projectPath string, patch map[string]any, merge bool) (*Config, error) {
	if merge {
		return s.update(projectPath, func(map[string]any) (map[string]any, error) {
			return patch, nil
		})
	}
	normalized, err := normalizeRaw(patch)
	if err != nil {
		return nil, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.persist(projectPath, normalized, merge)
}

// AddRange declares r for objectType, or in the flat idRanges list when
// objectType is empty. Unless replace is set, r is appended to the ranges
// currently on disk.
func (s *Store) AddRange(projectPath string, objectType string, r ranges.Range, replace bool) (*Config, error) {
	objectType = objects.NormalizeType(objectType)
	return s.update(projectPath, func(current map[string]any) (map[string]any, error) {
		key := objectType
		if perType, ok := current[keyObjectRanges].(map[string]any); ok && objectType != "" {
			if existing, ok := matchKey(perType, objectType); ok {
				key = existing
			}
		}

		var existing []ranges.Range
		if !replace {
			var err error
			if existing, err = rangesIn(current, objectType); err != nil {
				return nil, err
			}
		}
		updated := append(slices.Clone(existing), r)
		s.logger.Info("updating ranges", "type", objectType, "ranges", updated)

		if objectType == "" {
			return map[string]any{keyIDRanges: updated}, nil
		}
		return map[string]any{keyObjectRanges: map[string]any{key: updated}}, nil
	})
}

// update builds a patch from the document on disk and merges it in. The
// write lock spans the read and the write so concurrent updates in this
// process do not lose each other's changes.
func (s *Store) update(projectPath string, patchFn func(current map[string]any) (map[string]any, error)) (*Config, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, err := s.loadRaw(projectPath)
	if err != nil {
		return nil, err
	}
	patch, err := patchFn(existing)
	if err != nil {
		return nil, err
	}
	normalized, err := normalizeRaw(patch)
	if err != nil {
		return nil, err
	}
	document := normalized
	if existing != nil {
		document = Merge(existing, normalized)
	}
	return s.persist(projectPath, document, true)
}

func (s *Store) persist(projectPath string, document map[string]any, merge bool) (*Config, error) {
	config, err := fromRaw(document)
	if err != nil {
		return nil, err
	}
	data, err := config.Marshal()
	if err != nil {
		return nil, failure.Wrap(failure.Internal, err, "cannot encode %s", FileName)
	}
	path := Path(projectPath)
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, failure.Wrap(failure.Internal, err, "cannot create %s", filepath.Dir(path))
	}
	if err := afero.WriteFile(s.fs, path, data, 0o644); err != nil {
		return nil, failure.Wrap(failure.Internal, err, "cannot write %s", path)
	}
	s.Invalidate(projectPath)
	s.logger.Debug("wrote range config", "path", path, "merge", merge)
	return config, nil
}

// Invalidate drops the cached config of one project.
func (s *Store) Invalidate(projectPath string) {
	s.mu.Lock()
	delete(s.cache, cacheKey(projectPath))
	s.mu.Unlock()
}

// Clear drops every cached config.
func (s *Store) Clear() {
	s.mu.Lock()
	s.cache = make(map[string]cacheEntry)
	s.mu.Unlock()
}
