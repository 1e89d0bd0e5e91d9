// Package workspace manages the on-disk workspace: directory layout,
// schema versioning, and migrations between layout versions.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/anthropics/cascade-engine/internal/domain"
)

// LayerDir returns the directory of a layer by cascade index.
func LayerDir(workspace string, layer int) string {
	return filepath.Join(workspace, domain.LayerDirs[layer])
}

// DirPath returns the directory of a layer or core by name.
func DirPath(workspace, dirName string) string {
	return filepath.Join(workspace, dirName)
}

// SessionsDir returns the transcript sessions directory under a layer
// or core directory.
func SessionsDir(workspace, dirName string) string {
	return filepath.Join(workspace, dirName, "sessions")
}

// EgoPath returns the ego file path under a layer or core directory.
func EgoPath(workspace, dirName string) string {
	return filepath.Join(workspace, dirName, "ego.md")
}

// CoreStatePath returns the dual-core checkpoint file path.
func CoreStatePath(workspace string) string {
	return filepath.Join(workspace, "core-state.json")
}

// WriteFileAtomic writes data to path via a temp file and rename, so a
// crash never leaves a partially written file behind.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
