package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/anthropics/cascade-engine/internal/domain"
)

// VersionFile is the workspace schema marker: a single decimal integer.
const VersionFile = ".schema-version"

// SchemaVersion is the layout version this binary targets.
const SchemaVersion = 2

// MigrationStep upgrades a workspace to one schema version. Steps must
// be idempotent: an interrupted run re-applies the failed step on the
// next startup.
type MigrationStep struct {
	Version int
	Name    string
	Apply   func(workspace string) error
}

// VersionController brings a workspace to a target schema version by
// applying ordered migration steps, persisting the version after each
// one so an interrupted migration resumes where it stopped.
type VersionController struct {
	workspace string
	steps     []MigrationStep
	log       *zap.Logger
}

// New creates a VersionController with the default migration chain.
func New(workspace string, log *zap.Logger) *VersionController {
	return NewWithMigrations(workspace, DefaultMigrations(), log)
}

// NewWithMigrations creates a VersionController with an explicit
// migration chain. Steps must be ordered by ascending version.
func NewWithMigrations(workspace string, steps []MigrationStep, log *zap.Logger) *VersionController {
	if log == nil {
		log = zap.NewNop()
	}
	return &VersionController{workspace: workspace, steps: steps, log: log}
}

func (vc *VersionController) versionPath() string {
	return filepath.Join(vc.workspace, VersionFile)
}

// CurrentVersion reads the workspace schema version. It never fails:
// a missing or garbled version file reads as 0 (uninitialized).
func (vc *VersionController) CurrentVersion() int {
	data, err := os.ReadFile(vc.versionPath())
	if err != nil {
		return 0
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// EnsureVersion migrates the workspace to the target version. A
// workspace already at the target is a no-op; a workspace beyond it is
// refused. Each applied step is persisted before the next one runs,
// and a failed step aborts with the version reflecting the completed
// steps.
func (vc *VersionController) EnsureVersion(target int) error {
	current := vc.CurrentVersion()

	if current > target {
		return domain.NewStackError(domain.ErrSchemaNewer.Code,
			fmt.Sprintf("workspace is at schema version %d but this binary targets %d; refusing to downgrade",
				current, target))
	}
	if current == target {
		vc.log.Debug("workspace already at target schema version", zap.Int("version", target))
		return nil
	}

	if err := os.MkdirAll(vc.workspace, 0o755); err != nil {
		return domain.WrapStackError(domain.ErrSchemaMigration.Code, "create workspace", err)
	}

	for _, step := range vc.steps {
		if step.Version <= current || step.Version > target {
			continue
		}
		vc.log.Info("applying workspace migration",
			zap.Int("version", step.Version),
			zap.String("name", step.Name))
		if err := step.Apply(vc.workspace); err != nil {
			return domain.WrapStackError(domain.ErrSchemaMigration.Code,
				fmt.Sprintf("migration to version %d (%s) failed", step.Version, step.Name), err)
		}
		if err := vc.writeVersion(step.Version); err != nil {
			return domain.WrapStackError(domain.ErrSchemaMigration.Code,
				fmt.Sprintf("persist schema version %d", step.Version), err)
		}
		current = step.Version
	}

	if current != target {
		return domain.NewStackError(domain.ErrSchemaMigration.Code,
			fmt.Sprintf("no migration path from version %d to %d", current, target))
	}
	vc.log.Info("workspace at schema version", zap.Int("version", target))
	return nil
}

func (vc *VersionController) writeVersion(v int) error {
	return WriteFileAtomic(vc.versionPath(), []byte(strconv.Itoa(v)+"\n"), 0o644)
}
