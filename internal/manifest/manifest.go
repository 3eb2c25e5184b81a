// Package manifest reads the project manifest (app.json) and derives the
// identity under which the remote allocator tracks the project.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/multimediallc/idranges/internal/failure"
)

const FileName = "app.json"

type Manifest struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Publisher string `json:"publisher"`
	Version   string `json:"version"`
}

// Read loads app.json from the project root.
func Read(projectPath string) (*Manifest, error) {
	fileName := filepath.Join(projectPath, FileName)
	data, err := os.ReadFile(fileName)
	if errors.Is(err, os.ErrNotExist) {
		return nil, failure.New(failure.InvalidParameter, "%s not found in %s", FileName, projectPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", fileName, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, failure.Wrap(failure.InvalidParameter, err, "cannot parse %s", fileName)
	}
	if strings.TrimSpace(m.ID) == "" {
		return nil, failure.New(failure.InvalidParameter, "%s has no id", fileName)
	}
	return &m, nil
}

// Identity is the stable hash the remote allocator keys a project by.
func Identity(appID string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(appID))))
	return hex.EncodeToString(sum[:])
}
