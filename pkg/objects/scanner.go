package objects

import (
	"bufio"
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/boyter/gocodewalker"
)

var (
	DefaultInclude = []string{"**/*.al"}
	DefaultExclude = []string{
		"**/.alpackages/**",
		"**/.snapshots/**",
		"**/.netpackages/**",
		"**/bin/**",
		"**/obj/**",
		"**/node_modules/**",
	}
)

// headerRe matches `<keyword> <id> [name]` at the start of a line. The name is
// either double-quoted (may contain spaces) or a bare identifier.
var headerRe = regexp.MustCompile(
	`(?i)^\s*(?P<type>` + strings.Join(Keywords, "|") + `)\s+(?P<id>\d+)(?:\s+(?:"(?P<quoted>[^"]*)"|(?P<bare>[A-Za-z_][\w]*)))?(?:\s|$|\{)`,
)

// Scanner extracts object declarations from the source files of a project.
// Include and Exclude are doublestar patterns matched against slash-separated
// paths relative to the scanned root. An empty Include falls back to
// DefaultInclude. A nil Exclude falls back to DefaultExclude, while an empty
// non-nil Exclude (exclude = [] in idranges.toml) excludes nothing.
type Scanner struct {
	Include []string
	Exclude []string
}

func NewScanner(include, exclude []string) *Scanner {
	return &Scanner{Include: include, Exclude: exclude}
}

func (s *Scanner) include() []string {
	if len(s.Include) == 0 {
		return DefaultInclude
	}
	return s.Include
}

func (s *Scanner) exclude() []string {
	if s.Exclude == nil {
		return DefaultExclude
	}
	return s.Exclude
}

func stripRoot(root string, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// Matches reports whether a root-relative path is selected by the include
// patterns and not rejected by the exclude patterns.
func (s *Scanner) Matches(relPath string) (bool, error) {
	for _, pattern := range s.exclude() {
		match, err := doublestar.Match(pattern, relPath)
		if err != nil {
			return false, fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
		}
		if match {
			return false, nil
		}
	}
	for _, pattern := range s.include() {
		match, err := doublestar.Match(pattern, relPath)
		if err != nil {
			return false, fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// Files walks root and returns the matching files as root-relative slash paths, sorted.
func (s *Scanner) Files(root string) ([]string, error) {
	rootStat, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("cannot scan %s: %w", root, err)
	}
	if !rootStat.IsDir() {
		return nil, fmt.Errorf("root is not a directory: %s", root)
	}

	fileListQueue := make(chan *gocodewalker.File, 100)

	walker := gocodewalker.NewFileWalker(root, fileListQueue)
	walker.IncludeHidden = true
	walker.ExcludeDirectory = []string{".git"}

	errChan := make(chan error, 1)

	go func() {
		errChan <- walker.Start()
		close(errChan)
	}()

	files := make([]string, 0)
	var matchErr error
	for f := range fileListQueue {
		if matchErr != nil {
			continue
		}
		file := stripRoot(root, f.Location)
		ok, err := s.Matches(file)
		if err != nil {
			matchErr = err
			walker.Terminate()
			continue
		}
		if ok {
			files = append(files, file)
		}
	}

	if err := <-errChan; err != nil && matchErr == nil {
		return nil, fmt.Errorf("error walking %s: %w", root, err)
	}
	if matchErr != nil {
		return nil, matchErr
	}
	slices.Sort(files)
	return files, nil
}

// Scan reads every matching file under root and returns all declarations,
// ordered by file then line. A file that cannot be read fails the scan.
func (s *Scanner) Scan(root string) ([]Record, error) {
	files, err := s.Files(root)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0)
	for _, file := range files {
		content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(file)))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		found, err := ScanFile(file, string(content))
		if err != nil {
			return nil, err
		}
		records = append(records, found...)
	}
	slices.SortStableFunc(records, func(a, b Record) int {
		if c := cmp.Compare(a.File, b.File); c != 0 {
			return c
		}
		return cmp.Compare(a.Line, b.Line)
	})
	return records, nil
}

// ScanFile extracts the declarations of a single file's content. Each matching
// header line yields one record; lines inside an object body never match the
// header pattern because it requires the keyword to open the line.
func ScanFile(file string, content string) ([]Record, error) {
	records := make([]Record, 0)
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		m := headerRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[headerRe.SubexpIndex("id")])
		if err != nil {
			// out of int range; not an id we can allocate against
			continue
		}
		name := m[headerRe.SubexpIndex("quoted")]
		if name == "" {
			name = m[headerRe.SubexpIndex("bare")]
		}
		records = append(records, Record{
			Type: NormalizeType(m[headerRe.SubexpIndex("type")]),
			ID:   id,
			Name: name,
			File: file,
			Line: lineNo,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", file, err)
	}
	return records, nil
}
