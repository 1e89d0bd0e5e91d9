// Package core implements the phase-locked dual-core pair at the deep
// end of the cascade.
//
// Two redundant cores consume the Integration layer's deltas under one
// shared token budget. At any time one core holds deep context while
// the other recovers: a core that crosses half the budget asks its
// peer to approve compaction, hands the peer a distilled seed, and
// restarts from zero. All phase state lives in a single mutex-owned
// CoreState so every update is serialized.
package core

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anthropics/cascade-engine/internal/agent"
	"github.com/anthropics/cascade-engine/internal/config"
	"github.com/anthropics/cascade-engine/internal/domain"
	"github.com/anthropics/cascade-engine/internal/textutil"
	"github.com/anthropics/cascade-engine/internal/workspace"
)

// A Ready core that waits longer than this for peer approval reverts
// to Growing so the pair cannot deadlock.
const defaultReadyTimeout = 30 * time.Second

const seedFileName = "seed.txt"

// InsightHandler receives a core's turn output for correlation-gated
// routing back to the Gateway.
type InsightHandler func(core domain.CoreID, response string, deltaLen int)

// DualCore drives the two redundant cores.
type DualCore struct {
	workspace string
	runtimes  [2]agent.Runtime
	cfg       *config.Config
	log       *zap.Logger

	readyTimeout time.Duration
	onInsight    InsightHandler

	mu         sync.Mutex
	state      domain.CoreState
	readySince [2]time.Time
	busy       [2]bool
}

// New creates a DualCore, hydrating phase state from the workspace
// checkpoint when one exists.
func New(ws string, runtimes [2]agent.Runtime, cfg *config.Config, log *zap.Logger) *DualCore {
	if log == nil {
		log = zap.NewNop()
	}
	d := &DualCore{
		workspace:    ws,
		runtimes:     runtimes,
		cfg:          cfg,
		log:          log,
		readyTimeout: defaultReadyTimeout,
	}
	d.state = d.hydrateOrCreate()
	return d
}

// SetInsightHandler wires the callback invoked with each core response.
func (d *DualCore) SetInsightHandler(h InsightHandler) {
	d.onInsight = h
}

// State returns a copy of the current dual-core state.
func (d *DualCore) State() domain.CoreState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// WarmCoreDir returns the directory name of the core currently holding
// deep context (the Growing one), defaulting to core-a.
func (d *DualCore) WarmCoreDir() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.CoreB.Phase == domain.PhaseGrowing && d.state.CoreA.Phase != domain.PhaseGrowing {
		return domain.CoreB.DirName()
	}
	return domain.CoreA.DirName()
}

func (d *DualCore) hydrateOrCreate() domain.CoreState {
	path := workspace.CoreStatePath(d.workspace)
	data, err := os.ReadFile(path)
	if err == nil {
		var state domain.CoreState
		jsonErr := json.Unmarshal(data, &state)
		if jsonErr == nil {
			d.log.Info("hydrated core state from checkpoint",
				zap.String("core_a", string(state.CoreA.Phase)),
				zap.String("core_b", string(state.CoreB.Phase)))
			if state.BudgetTokens == 0 {
				state.BudgetTokens = d.cfg.Core.BudgetTokens
			}
			return state
		}
		d.log.Warn("failed to parse core checkpoint, creating fresh", zap.Error(jsonErr))
	}
	return domain.NewCoreState(d.cfg.Core.BudgetTokens)
}

// ProcessDelta routes an Integration-layer delta to the core(s) whose
// phase accepts input, then runs the full phase bookkeeping: sampling,
// budget thresholds, the compaction handshake, seed absorption, and
// checkpointing.
func (d *DualCore) ProcessDelta(ctx context.Context, delta string) {
	d.checkReadyTimeout()

	// Receptivity is decided for both cores up front: a turn may change
	// the peer's phase (seed absorption), and that must not let the peer
	// consume the delta it already declined.
	var claimed []domain.CoreID
	for _, id := range []domain.CoreID{domain.CoreA, domain.CoreB} {
		if d.claimForDelta(id) {
			claimed = append(claimed, id)
		}
	}
	for _, id := range claimed {
		d.runAndSettle(ctx, id, delta)
		d.release(id)
	}
}

// claimForDelta decides whether a core takes this delta and marks it
// busy if so. The smaller core samples at half rate so the pair stays
// phase-locked instead of exhausting the budget together.
func (d *DualCore) claimForDelta(id domain.CoreID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	core := d.state.Core(id)
	if core.Phase != domain.PhaseGrowing && core.Phase != domain.PhaseSeeded {
		return false
	}

	if core.EstimatedTokens < d.state.Core(id.Other()).EstimatedTokens {
		core.SkipCounter++
		if core.SkipCounter%2 != 0 {
			return false
		}
	}

	if d.busy[id] {
		d.log.Info("core already processing, skipping delta", zap.Stringer("core", id))
		return false
	}
	d.busy[id] = true
	return true
}

func (d *DualCore) release(id domain.CoreID) {
	d.mu.Lock()
	d.busy[id] = false
	d.mu.Unlock()
}

func (d *DualCore) runAndSettle(ctx context.Context, id domain.CoreID, delta string) {
	bounded := textutil.Tail(delta, d.cfg.Cascade.DeltaMaxChars)

	session := "cascade-" + domain.CoreNames[id]
	result, err := d.runtimes[id].RunTurn(ctx, session, bounded)
	if err != nil {
		d.log.Error("core turn failed", zap.Stringer("core", id), zap.Error(err))
		return
	}
	if result.Output == "" {
		return
	}
	d.log.Info("core produced output",
		zap.Stringer("core", id), zap.Int("chars", len(result.Output)))

	d.settleTurn(id, result.Output)

	if d.onInsight != nil {
		d.onInsight(id, result.Output, len(delta))
	}
}

// settleTurn applies all state updates that follow one core turn. One
// lock acquisition covers the whole sequence so a concurrent reader
// never observes a half-applied handshake.
func (d *DualCore) settleTurn(id domain.CoreID, response string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	core := d.state.Core(id)

	if core.Phase == domain.PhaseSeeded {
		core.Phase = domain.PhaseGrowing
	}

	core.EstimatedTokens += textutil.EstimateTokens(response)
	core.Samples++

	budgetHalf := d.state.BudgetTokens / 2

	if core.EstimatedTokens >= budgetHalf && core.Phase == domain.PhaseGrowing {
		core.Phase = domain.PhaseReady
		d.readySince[id] = time.Now()
		d.log.Info("core reached half budget, entering ready phase",
			zap.Stringer("core", id), zap.Int("tokens", core.EstimatedTokens))
	}

	if core.Phase == domain.PhaseReady {
		peer := id.Other()
		if d.state.Core(peer).Phase == domain.PhaseGrowing {
			d.log.Info("peer approved compaction",
				zap.Stringer("compacting", id), zap.Stringer("approver", peer))
			core.Phase = domain.PhaseCompacting
			d.checkpointLocked()
			d.compactLocked(id, response, budgetHalf/10)
		}
	}

	// Both Ready would deadlock; the core with fewer samples compacts
	// and the other resumes growing.
	if d.state.CoreA.Phase == domain.PhaseReady && d.state.CoreB.Phase == domain.PhaseReady {
		compactor := domain.CoreA
		if d.state.CoreB.Samples < d.state.CoreA.Samples {
			compactor = domain.CoreB
		}
		approver := compactor.Other()
		d.log.Info("both cores ready, tie-break by fewer samples",
			zap.Stringer("compacting", compactor),
			zap.Int("compactor_samples", d.state.Core(compactor).Samples),
			zap.Int("approver_samples", d.state.Core(approver).Samples))

		d.state.Core(compactor).Phase = domain.PhaseCompacting
		d.state.Core(approver).Phase = domain.PhaseGrowing
		d.compactLocked(compactor, response, budgetHalf/10)
	}

	d.checkpointLocked()
	d.absorbSeedsLocked()
}

// compactLocked writes a seed for the peer and resets the compacting
// core to Infant. Caller holds the state lock.
func (d *DualCore) compactLocked(id domain.CoreID, response string, seedBudgetTokens int) {
	seed := selectSeed(response, seedBudgetTokens)
	peer := id.Other()
	peerDir := workspace.DirPath(d.workspace, peer.DirName())
	if err := os.MkdirAll(peerDir, 0o755); err == nil {
		if err := os.WriteFile(filepath.Join(peerDir, seedFileName), []byte(seed), 0o644); err != nil {
			d.log.Error("failed to write seed file", zap.Stringer("peer", peer), zap.Error(err))
		}
	}
	d.log.Info("core compacting",
		zap.Stringer("core", id),
		zap.Int("seed_chars", len(seed)),
		zap.Stringer("seed_for", peer))

	core := d.state.Core(id)
	core.Phase = domain.PhaseInfant
	core.EstimatedTokens = 0
	core.Samples = 0
	core.SkipCounter = 0
	d.readySince[id] = time.Time{}
	d.state.LastCompactionCore = id.DirName()
	d.state.LastCompactionUnix = time.Now().Unix()
}

// absorbSeedsLocked moves any Infant core holding a seed file to
// Seeded. Caller holds the state lock.
func (d *DualCore) absorbSeedsLocked() {
	for _, id := range []domain.CoreID{domain.CoreA, domain.CoreB} {
		if d.state.Core(id).Phase != domain.PhaseInfant {
			continue
		}
		seedPath := filepath.Join(workspace.DirPath(d.workspace, id.DirName()), seedFileName)
		seed, err := os.ReadFile(seedPath)
		if err != nil {
			continue
		}
		d.log.Info("core absorbing seed",
			zap.Stringer("core", id), zap.Int("chars", len(seed)))
		core := d.state.Core(id)
		core.Phase = domain.PhaseSeeded
		core.EstimatedTokens = textutil.EstimateTokens(string(seed))
		os.Remove(seedPath)
		d.checkpointLocked()
	}
}

// checkReadyTimeout reverts a core stuck in Ready back to Growing.
func (d *DualCore) checkReadyTimeout() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, id := range []domain.CoreID{domain.CoreA, domain.CoreB} {
		since := d.readySince[id]
		if since.IsZero() || time.Since(since) <= d.readyTimeout {
			continue
		}
		if d.state.Core(id).Phase == domain.PhaseReady {
			d.log.Warn("core ready timeout, reverting to growing", zap.Stringer("core", id))
			d.state.Core(id).Phase = domain.PhaseGrowing
			d.readySince[id] = time.Time{}
			d.checkpointLocked()
		}
	}
}

// checkpointLocked persists the state via atomic rename. Caller holds
// the state lock.
func (d *DualCore) checkpointLocked() {
	data, err := json.MarshalIndent(&d.state, "", "  ")
	if err != nil {
		d.log.Error("failed to encode core state", zap.Error(err))
		return
	}
	if err := workspace.WriteFileAtomic(workspace.CoreStatePath(d.workspace), data, 0o644); err != nil {
		d.log.Error("failed to checkpoint core state", zap.Error(err))
	}
}

// Reseed restarts both core sessions with the given opening prompt.
func (d *DualCore) Reseed(ctx context.Context, prompt string) error {
	for _, id := range []domain.CoreID{domain.CoreA, domain.CoreB} {
		session := "cascade-" + domain.CoreNames[id]
		if err := d.runtimes[id].Reseed(ctx, session, prompt); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint persists the current state on demand (shutdown path).
func (d *DualCore) Checkpoint() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkpointLocked()
}
