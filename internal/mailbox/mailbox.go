// Package mailbox implements the file-backed injection bus.
//
// Lower layers and cores publish short insight messages as uniquely
// named files; the Gateway drains them before its next turn. Multiple
// uncoordinated writers are safe because filenames never collide, and
// consumption is made crash-safe by an atomic rename into an
// in-progress directory before the read. A crash between rename and
// delete leaves an orphan that the next drain sweeps up, so delivery
// is at-least-once and never zero.
package mailbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anthropics/cascade-engine/internal/domain"
	"github.com/anthropics/cascade-engine/internal/textutil"
)

const (
	dirName        = "injections"
	inProgressName = ".in-progress"
	filePrefix     = "inject-"
	fileSuffix     = ".txt"
)

// Mailbox is a crash-safe, multi-producer/single-consumer queue of
// short text messages rooted in a workspace directory.
type Mailbox struct {
	workspace string
	log       *zap.Logger
}

// New creates a Mailbox for the given workspace. Directories are
// created lazily on first publish or drain.
func New(workspace string, log *zap.Logger) *Mailbox {
	if log == nil {
		log = zap.NewNop()
	}
	return &Mailbox{workspace: workspace, log: log}
}

// Dir returns the mailbox directory path.
func (m *Mailbox) Dir() string {
	return filepath.Join(m.workspace, dirName)
}

func (m *Mailbox) inProgressDir() string {
	return filepath.Join(m.Dir(), inProgressName)
}

// Publish trims content to at most maxChars bytes at a rune boundary,
// trims surrounding whitespace, and writes it as a new uniquely named
// file. It never blocks waiting for a consumer; failure is I/O only.
func (m *Mailbox) Publish(content string, maxChars int) error {
	if err := os.MkdirAll(m.Dir(), 0o755); err != nil {
		return domain.WrapStackError(domain.ErrMailboxWrite.Code, "create mailbox dir", err)
	}

	bounded := strings.TrimSpace(textutil.Head(content, maxChars))
	if bounded == "" {
		m.log.Debug("injection empty after trimming, skipping publish")
		return nil
	}

	name := fmt.Sprintf("%s%s%s", filePrefix, uuid.NewString(), fileSuffix)
	path := filepath.Join(m.Dir(), name)

	if err := os.WriteFile(path, []byte(bounded), 0o644); err != nil {
		return domain.WrapStackError(domain.ErrMailboxWrite.Code, "write injection file", err)
	}

	m.log.Debug("published injection",
		zap.String("file", name),
		zap.Int("chars", len(bounded)))
	return nil
}

// DrainAndClear consumes all pending injections and returns them as a
// single delimited block, or the empty string if there are none.
//
// Each file is claimed by an atomic rename into the in-progress
// directory; a rename failure means another consumer took it and is
// not an error. Orphans left in the in-progress directory by a crashed
// prior drain are swept and delivered too.
func (m *Mailbox) DrainAndClear() string {
	dir := m.Dir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	progressDir := m.inProgressDir()
	_ = os.MkdirAll(progressDir, 0o755)

	var collected []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}

		claimed := filepath.Join(progressDir, name)
		if err := os.Rename(filepath.Join(dir, name), claimed); err != nil {
			// Another consumer already claimed this file.
			continue
		}

		data, err := os.ReadFile(claimed)
		if err != nil {
			m.log.Warn("failed to read claimed injection",
				zap.String("file", name), zap.Error(err))
		} else if text := strings.TrimSpace(string(data)); text != "" {
			collected = append(collected, text)
		}

		_ = os.Remove(claimed)
	}

	// Sweep orphans from a drain that crashed between rename and delete.
	if orphans, err := os.ReadDir(progressDir); err == nil {
		for _, entry := range orphans {
			if entry.IsDir() {
				continue
			}
			path := filepath.Join(progressDir, entry.Name())
			if data, err := os.ReadFile(path); err == nil {
				if text := strings.TrimSpace(string(data)); text != "" {
					collected = append(collected, text)
				}
			}
			_ = os.Remove(path)
		}
	}

	if len(collected) == 0 {
		return ""
	}

	m.log.Info("drained injections", zap.Int("count", len(collected)))
	return fmt.Sprintf("\n--- injected insights ---\n%s\n--- end insights ---\n",
		strings.Join(collected, "\n"))
}
