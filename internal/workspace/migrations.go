package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/anthropics/cascade-engine/internal/domain"
)

// Initial shared core budget written by the dual-core migration. The
// runtime value comes from config; this only seeds the checkpoint.
const initialCoreBudgetTokens = 200000

// DefaultMigrations is the production migration chain.
//
// v1 creates the layer layout (L0 through L3 with sessions dirs).
// v2 converts the deep end to the dual-core layout: L4 is renamed to
// core-a when present, core-b is created, and the initial core
// checkpoint is written.
func DefaultMigrations() []MigrationStep {
	return []MigrationStep{
		{Version: 1, Name: "layer layout", Apply: migrateLayerLayout},
		{Version: 2, Name: "dual core", Apply: migrateDualCore},
	}
}

func migrateLayerLayout(workspace string) error {
	for _, dir := range domain.LayerDirs {
		if err := os.MkdirAll(SessionsDir(workspace, dir), 0o755); err != nil {
			return fmt.Errorf("create layer dir %s: %w", dir, err)
		}
	}
	return nil
}

func migrateDualCore(workspace string) error {
	l4 := filepath.Join(workspace, "L4")
	coreA := filepath.Join(workspace, domain.CoreA.DirName())

	if _, err := os.Stat(coreA); os.IsNotExist(err) {
		if _, err := os.Stat(l4); err == nil {
			if err := os.Rename(l4, coreA); err != nil {
				return fmt.Errorf("rename L4 to core-a: %w", err)
			}
		}
	}

	for _, core := range []domain.CoreID{domain.CoreA, domain.CoreB} {
		if err := os.MkdirAll(SessionsDir(workspace, core.DirName()), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", core.DirName(), err)
		}
	}

	statePath := CoreStatePath(workspace)
	if _, err := os.Stat(statePath); os.IsNotExist(err) {
		state := domain.NewCoreState(initialCoreBudgetTokens)
		data, err := json.MarshalIndent(state, "", "  ")
		if err != nil {
			return fmt.Errorf("encode core state: %w", err)
		}
		if err := WriteFileAtomic(statePath, data, 0o644); err != nil {
			return fmt.Errorf("write core state: %w", err)
		}
	}
	return nil
}
