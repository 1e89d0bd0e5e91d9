package core

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/cascade-engine/internal/agent"
	"github.com/anthropics/cascade-engine/internal/config"
	"github.com/anthropics/cascade-engine/internal/domain"
	"github.com/anthropics/cascade-engine/internal/workspace"
)

// fakeRuntime returns a fixed output for every turn and records inputs.
type fakeRuntime struct {
	output string
	inputs []string
}

func (f *fakeRuntime) RunTurn(_ context.Context, _, input string) (domain.TurnResult, error) {
	f.inputs = append(f.inputs, input)
	return domain.TurnResult{Output: f.output, Tokens: len(f.output) / 4}, nil
}

func (f *fakeRuntime) Reseed(context.Context, string, string) error { return nil }

func testConfig(ws string, budget int) *config.Config {
	cfg := config.Default()
	cfg.Workspace = ws
	cfg.Core.BudgetTokens = budget
	return cfg
}

func newTestDualCore(t *testing.T, ws string, budget int, a, b *fakeRuntime) *DualCore {
	t.Helper()
	return New(ws, [2]agent.Runtime{a, b}, testConfig(ws, budget), nil)
}

func writeCheckpoint(t *testing.T, ws string, state domain.CoreState) {
	t.Helper()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		t.Fatalf("encode state: %v", err)
	}
	if err := os.WriteFile(workspace.CoreStatePath(ws), data, 0o644); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}
}

func TestNew_FreshState(t *testing.T) {
	ws := t.TempDir()
	d := newTestDualCore(t, ws, 1000, &fakeRuntime{}, &fakeRuntime{})

	state := d.State()
	if state.CoreA.Phase != domain.PhaseGrowing {
		t.Errorf("core A phase = %s, want growing", state.CoreA.Phase)
	}
	if state.CoreB.Phase != domain.PhaseInfant {
		t.Errorf("core B phase = %s, want infant", state.CoreB.Phase)
	}
	if state.BudgetTokens != 1000 {
		t.Errorf("budget = %d, want 1000", state.BudgetTokens)
	}
}

func TestNew_HydratesCheckpoint(t *testing.T) {
	ws := t.TempDir()
	saved := domain.NewCoreState(500)
	saved.CoreA.EstimatedTokens = 123
	saved.CoreA.Samples = 7
	saved.CoreB.Phase = domain.PhaseSeeded
	writeCheckpoint(t, ws, saved)

	d := newTestDualCore(t, ws, 1000, &fakeRuntime{}, &fakeRuntime{})
	state := d.State()
	if state.CoreA.EstimatedTokens != 123 || state.CoreA.Samples != 7 {
		t.Errorf("core A not hydrated: %+v", state.CoreA)
	}
	if state.CoreB.Phase != domain.PhaseSeeded {
		t.Errorf("core B phase = %s, want seeded", state.CoreB.Phase)
	}
	if state.BudgetTokens != 500 {
		t.Errorf("budget = %d, want checkpointed 500", state.BudgetTokens)
	}
}

func TestNew_GarbledCheckpointStartsFresh(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(workspace.CoreStatePath(ws), []byte("{broken"), 0o644); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}
	d := newTestDualCore(t, ws, 1000, &fakeRuntime{}, &fakeRuntime{})
	if d.State().CoreA.Phase != domain.PhaseGrowing {
		t.Error("garbled checkpoint should yield a fresh state")
	}
}

func TestProcessDelta_OnlyReceptivePhasesProcess(t *testing.T) {
	ws := t.TempDir()
	a := &fakeRuntime{output: "response"}
	b := &fakeRuntime{output: "response"}
	d := newTestDualCore(t, ws, 100000, a, b)

	// A growing, B infant: only A takes the delta.
	d.ProcessDelta(context.Background(), "integration delta")
	if len(a.inputs) != 1 {
		t.Errorf("core A turns = %d, want 1", len(a.inputs))
	}
	if len(b.inputs) != 0 {
		t.Errorf("core B turns = %d, want 0 (infant)", len(b.inputs))
	}

	state := d.State()
	if state.CoreA.Samples != 1 {
		t.Errorf("core A samples = %d, want 1", state.CoreA.Samples)
	}
	if state.CoreA.EstimatedTokens != len("response")/4 {
		t.Errorf("core A tokens = %d", state.CoreA.EstimatedTokens)
	}
}

func TestProcessDelta_BoundsDeltaAtRuneBoundary(t *testing.T) {
	ws := t.TempDir()
	a := &fakeRuntime{output: "ok"}
	cfg := testConfig(ws, 100000)
	cfg.Cascade.DeltaMaxChars = 10
	d := New(ws, [2]agent.Runtime{a, &fakeRuntime{}}, cfg, nil)

	d.ProcessDelta(context.Background(), strings.Repeat("é", 20))
	if len(a.inputs) != 1 {
		t.Fatalf("core A turns = %d, want 1", len(a.inputs))
	}
	if len(a.inputs[0]) > 10 {
		t.Errorf("bounded delta = %d bytes, want <= 10", len(a.inputs[0]))
	}
	if len(a.inputs[0])%2 != 0 {
		t.Error("bounded delta split a 2-byte rune")
	}
}

func TestProcessDelta_SmallerCoreSamplesAtHalfRate(t *testing.T) {
	ws := t.TempDir()
	state := domain.NewCoreState(1000000)
	state.CoreA.EstimatedTokens = 500
	state.CoreB.Phase = domain.PhaseGrowing
	writeCheckpoint(t, ws, state)

	a := &fakeRuntime{output: "out"}
	b := &fakeRuntime{output: "out"}
	d := newTestDualCore(t, ws, 1000000, a, b)

	for i := 0; i < 4; i++ {
		d.ProcessDelta(context.Background(), "delta")
	}
	if len(a.inputs) != 4 {
		t.Errorf("large core turns = %d, want 4", len(a.inputs))
	}
	if len(b.inputs) != 2 {
		t.Errorf("small core turns = %d, want 2 (half rate)", len(b.inputs))
	}
}

func TestProcessDelta_CompactionHandshake(t *testing.T) {
	ws := t.TempDir()
	// Both growing near half budget so A's next turn crosses it.
	state := domain.NewCoreState(100)
	state.CoreA.EstimatedTokens = 40
	state.CoreB.Phase = domain.PhaseGrowing
	state.CoreB.EstimatedTokens = 40
	writeCheckpoint(t, ws, state)

	out := strings.Repeat("dense unique tokens forever", 2) // 54 chars, 13 tokens
	a := &fakeRuntime{output: out}
	b := &fakeRuntime{output: out}
	d := newTestDualCore(t, ws, 100, a, b)

	d.ProcessDelta(context.Background(), "delta")

	got := d.State()
	// A crossed half budget, B (still growing at that moment) approved;
	// A compacted to infant with counters reset.
	if got.CoreA.Phase != domain.PhaseInfant {
		t.Errorf("core A phase = %s, want infant after compaction", got.CoreA.Phase)
	}
	if got.CoreA.EstimatedTokens != 0 || got.CoreA.Samples != 0 || got.CoreA.SkipCounter != 0 {
		t.Errorf("core A counters not reset: %+v", got.CoreA)
	}
	if got.LastCompactionCore != "core-a" {
		t.Errorf("last compaction core = %q, want core-a", got.LastCompactionCore)
	}
	if got.LastCompactionUnix == 0 {
		t.Error("last compaction time not recorded")
	}

	// The seed was left in the peer's directory.
	seed, err := os.ReadFile(filepath.Join(ws, "core-b", "seed.txt"))
	if err != nil {
		t.Fatalf("seed file for peer missing: %v", err)
	}
	if len(seed) == 0 {
		t.Error("seed file empty")
	}

	// Checkpoint reflects the handshake.
	data, err := os.ReadFile(workspace.CoreStatePath(ws))
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	var persisted domain.CoreState
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("parse checkpoint: %v", err)
	}
	if persisted.CoreA.Phase != domain.PhaseInfant {
		t.Errorf("persisted core A phase = %s, want infant", persisted.CoreA.Phase)
	}
}

func TestProcessDelta_InfantAbsorbsSeed(t *testing.T) {
	ws := t.TempDir()
	state := domain.NewCoreState(100000)
	writeCheckpoint(t, ws, state) // A growing, B infant

	seed := "distilled knowledge from the peer"
	if err := os.MkdirAll(filepath.Join(ws, "core-b"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ws, "core-b", "seed.txt"), []byte(seed), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	a := &fakeRuntime{output: "out"}
	b := &fakeRuntime{output: "out"}
	d := newTestDualCore(t, ws, 100000, a, b)

	d.ProcessDelta(context.Background(), "delta")

	got := d.State()
	if got.CoreB.Phase != domain.PhaseSeeded {
		t.Errorf("core B phase = %s, want seeded after absorbing", got.CoreB.Phase)
	}
	if got.CoreB.EstimatedTokens != len(seed)/4 {
		t.Errorf("core B tokens = %d, want seed estimate %d", got.CoreB.EstimatedTokens, len(seed)/4)
	}
	if _, err := os.Stat(filepath.Join(ws, "core-b", "seed.txt")); !os.IsNotExist(err) {
		t.Error("seed file should be removed after absorption")
	}

	// B was infant when the delta arrived, so it must not have consumed
	// the delta whose turn triggered the absorption.
	if len(b.inputs) != 0 {
		t.Errorf("core B turns = %d, want 0 on the absorbing delta", len(b.inputs))
	}

	// The seeded core participates from the next delta onward.
	d.ProcessDelta(context.Background(), "next delta")
	if len(b.inputs) != 1 {
		t.Errorf("core B turns = %d, want 1 on the following delta", len(b.inputs))
	}
	if gotPhase := d.State().CoreB.Phase; gotPhase != domain.PhaseGrowing {
		t.Errorf("core B phase = %s, want growing after its first sample", gotPhase)
	}
}

func TestProcessDelta_SeededBecomesGrowingOnFirstSample(t *testing.T) {
	ws := t.TempDir()
	state := domain.NewCoreState(100000)
	state.CoreA.Phase = domain.PhaseSeeded
	state.CoreA.EstimatedTokens = 10
	state.CoreB.Phase = domain.PhaseInfant
	writeCheckpoint(t, ws, state)

	a := &fakeRuntime{output: "output text"}
	d := newTestDualCore(t, ws, 100000, a, &fakeRuntime{})

	d.ProcessDelta(context.Background(), "delta")
	if got := d.State().CoreA.Phase; got != domain.PhaseGrowing {
		t.Errorf("core A phase = %s, want growing after first sample", got)
	}
}

func TestProcessDelta_ReadyTimeoutReverts(t *testing.T) {
	ws := t.TempDir()
	state := domain.NewCoreState(100)
	state.CoreA.Phase = domain.PhaseReady
	state.CoreA.EstimatedTokens = 60
	writeCheckpoint(t, ws, state)

	// Empty output keeps the turn from mutating state further.
	d := newTestDualCore(t, ws, 100, &fakeRuntime{output: ""}, &fakeRuntime{output: ""})
	d.readySince[domain.CoreA] = time.Now().Add(-time.Minute)

	d.ProcessDelta(context.Background(), "delta")
	if got := d.State().CoreA.Phase; got != domain.PhaseGrowing {
		t.Errorf("core A phase = %s, want growing after ready timeout", got)
	}
}

func TestProcessDelta_InvokesInsightHandler(t *testing.T) {
	ws := t.TempDir()
	a := &fakeRuntime{output: "an insight worth routing"}
	d := newTestDualCore(t, ws, 100000, a, &fakeRuntime{})

	var gotCore domain.CoreID
	var gotResponse string
	d.SetInsightHandler(func(core domain.CoreID, response string, deltaLen int) {
		gotCore = core
		gotResponse = response
	})

	d.ProcessDelta(context.Background(), "delta")
	if gotCore != domain.CoreA {
		t.Errorf("insight core = %v, want core A", gotCore)
	}
	if gotResponse != "an insight worth routing" {
		t.Errorf("insight response = %q", gotResponse)
	}
}

func TestWarmCoreDir(t *testing.T) {
	ws := t.TempDir()
	d := newTestDualCore(t, ws, 1000, &fakeRuntime{}, &fakeRuntime{})
	if got := d.WarmCoreDir(); got != "core-a" {
		t.Errorf("WarmCoreDir = %q, want core-a", got)
	}

	ws2 := t.TempDir()
	state := domain.NewCoreState(1000)
	state.CoreA.Phase = domain.PhaseInfant
	state.CoreB.Phase = domain.PhaseGrowing
	writeCheckpoint(t, ws2, state)
	d2 := newTestDualCore(t, ws2, 1000, &fakeRuntime{}, &fakeRuntime{})
	if got := d2.WarmCoreDir(); got != "core-b" {
		t.Errorf("WarmCoreDir = %q, want core-b", got)
	}
}

func TestCheckpoint_AtomicNoTempLeftover(t *testing.T) {
	ws := t.TempDir()
	d := newTestDualCore(t, ws, 1000, &fakeRuntime{}, &fakeRuntime{})
	d.Checkpoint()

	if _, err := os.Stat(workspace.CoreStatePath(ws)); err != nil {
		t.Fatalf("checkpoint missing: %v", err)
	}
	if _, err := os.Stat(workspace.CoreStatePath(ws) + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after checkpoint")
	}
}
