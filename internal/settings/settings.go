package settings

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/pelletier/go-toml/v2"
)

const FileName = "idranges.toml"

type Settings struct {
	Backend *Backend `toml:"backend"`
	Scan    *Scan    `toml:"scan"`
	// CacheTTL is how long a parsed range declaration may be reused, e.g. "30s".
	CacheTTL string `toml:"cache_ttl"`
	Verbose  bool   `toml:"verbose"`
}

type Backend struct {
	URL        string `toml:"url"`
	Token      string `toml:"token"`
	Timeout    string `toml:"timeout"`
	MaxRetries int    `toml:"max_retries"`
}

type Scan struct {
	Include []string `toml:"include"`
	Exclude []string `toml:"exclude"`
}

func Default() *Settings {
	return &Settings{
		Backend:  &Backend{URL: "", Token: "", Timeout: "30s", MaxRetries: 0},
		Scan:     &Scan{Include: nil, Exclude: nil},
		CacheTTL: "0s",
		Verbose:  false,
	}
}

// Read loads idranges.toml from the project root. A missing file yields the
// defaults; environment overrides are applied either way.
func Read(path string) (*Settings, error) {
	settings, err := readFile(path)
	if err != nil {
		return settings, err
	}
	if err := settings.applyEnv(os.LookupEnv); err != nil {
		return settings, err
	}
	return settings, settings.Validate()
}

func readFile(path string) (*Settings, error) {
	defaultSettings := Default()

	fileName := filepath.Join(path, FileName)
	if _, err := os.Stat(fileName); errors.Is(err, os.ErrNotExist) {
		return defaultSettings, nil
	}
	file, err := os.ReadFile(fileName)
	if err != nil {
		return defaultSettings, err
	}
	settings := Default()
	if err := toml.Unmarshal(file, settings); err != nil {
		return defaultSettings, fmt.Errorf("error parsing %s: %w", fileName, err)
	}
	if settings.Backend == nil {
		settings.Backend = defaultSettings.Backend
	}
	if settings.Scan == nil {
		settings.Scan = defaultSettings.Scan
	}
	return settings, nil
}

type lookupFunc func(key string) (string, bool)

func (s *Settings) applyEnv(lookup lookupFunc) error {
	if v, ok := lookup("IDRANGES_URL"); ok {
		s.Backend.URL = v
	}
	if v, ok := lookup("IDRANGES_TOKEN"); ok {
		s.Backend.Token = v
	}
	if v, ok := lookup("IDRANGES_TIMEOUT"); ok {
		s.Backend.Timeout = v
	}
	if v, ok := lookup("IDRANGES_CACHE_TTL"); ok {
		s.CacheTTL = v
	}
	if v, ok := lookup("IDRANGES_MAX_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("IDRANGES_MAX_RETRIES: %w", err)
		}
		s.Backend.MaxRetries = n
	}
	if v, ok := lookup("IDRANGES_VERBOSE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("IDRANGES_VERBOSE: %w", err)
		}
		s.Verbose = b
	}
	return nil
}

func isDuration(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if d, err := time.ParseDuration(s); err != nil || d < 0 {
		return errors.New("must be a non-negative duration such as 30s")
	}
	return nil
}

func isHTTPURL(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("must be an http or https URL")
	}
	return nil
}

func (s *Settings) Validate() error {
	if err := validation.ValidateStruct(s.Backend,
		validation.Field(&s.Backend.URL, validation.By(isHTTPURL)),
		validation.Field(&s.Backend.Timeout, validation.By(isDuration)),
		validation.Field(&s.Backend.MaxRetries, validation.Min(0)),
	); err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	return validation.ValidateStruct(s,
		validation.Field(&s.CacheTTL, validation.By(isDuration)),
	)
}

// CacheTTLDuration returns the parsed cache TTL, zero when unset.
func (s *Settings) CacheTTLDuration() time.Duration {
	d, _ := time.ParseDuration(s.CacheTTL)
	return d
}

// TimeoutDuration returns the parsed backend timeout, zero when unset.
func (b *Backend) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(b.Timeout)
	return d
}
