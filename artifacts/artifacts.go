// Package artifacts persists run artifacts (plans, reports) to disk
// for audit.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirStore implements workflow.ArtifactStore on a local directory, one
// subdirectory per run.
type DirStore struct {
	root string
}

// NewDirStore creates a store rooted at root.
func NewDirStore(root string) *DirStore {
	return &DirStore{root: root}
}

// Save writes content to <root>/<runID>/<name> and returns the path.
func (s *DirStore) Save(runID, name string, content []byte) (string, error) {
	if strings.ContainsAny(name, "/\\") {
		return "", fmt.Errorf("artifact name %q must not contain path separators", name)
	}
	dir := filepath.Join(s.root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
