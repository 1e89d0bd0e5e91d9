// Package domain defines the core types for the Cascade Engine stack.
package domain

// LayerCount is the number of cascade layers (Gateway through Integration).
const LayerCount = 4

// LayerNames are the display names for layers L0-L3, in cascade order.
var LayerNames = [LayerCount]string{"Gateway", "Attention", "Pattern", "Integration"}

// LayerDirs are the workspace directory names for layers L0-L3.
var LayerDirs = [LayerCount]string{"L0", "L1", "L2", "L3"}

// Layer describes one stage in the ordered cascade. Layer i watches
// layer i-1's transcript; the Gateway (index 0) has no parent and is
// the terminus of the injection path.
type Layer struct {
	Index      int
	Name       string
	Port       int
	Model      string
	Transcript string
	SleepPct   float64
}

// LayerState is the sleep/wake state of a layer or core driver.
type LayerState string

const (
	LayerAwake    LayerState = "awake"
	LayerSleeping LayerState = "sleeping"
)

// TranscriptChange is a delta event: new bytes appended to a watched
// transcript file. Produced only when the observed size grows.
type TranscriptChange struct {
	Layer     int
	Path      string
	Delta     string
	TotalSize int64
}

// CoreID identifies one of the two redundant deep-layer cores.
type CoreID int

const (
	CoreA CoreID = iota
	CoreB
)

// CoreNames are the display names for the two cores.
var CoreNames = [2]string{"Core-A", "Core-B"}

// Other returns the peer core.
func (c CoreID) Other() CoreID {
	if c == CoreA {
		return CoreB
	}
	return CoreA
}

// DirName returns the workspace directory name for a core.
func (c CoreID) DirName() string {
	if c == CoreA {
		return "core-a"
	}
	return "core-b"
}

func (c CoreID) String() string { return CoreNames[c] }

// CorePhase is the phase-lock state of a single core.
type CorePhase string

const (
	PhaseGrowing    CorePhase = "growing"
	PhaseReady      CorePhase = "ready"
	PhaseCompacting CorePhase = "compacting"
	PhaseInfant     CorePhase = "infant"
	PhaseSeeded     CorePhase = "seeded"
)

// SingleCoreState tracks one core's position in the phase cycle.
type SingleCoreState struct {
	Phase           CorePhase `json:"phase"`
	EstimatedTokens int       `json:"estimated_tokens"`
	Samples         int       `json:"samples"`
	SkipCounter     int       `json:"skip_counter"`
}

// CoreState is the checkpointed state of the dual-core pair. The shared
// token budget is the one piece of mutable state coordinating both cores;
// it is only updated through the DualCore's serialized owner.
type CoreState struct {
	Version            int             `json:"version"`
	CoreA              SingleCoreState `json:"core_a"`
	CoreB              SingleCoreState `json:"core_b"`
	BudgetTokens       int             `json:"budget_tokens"`
	LastCompactionCore string          `json:"last_compaction_core,omitempty"`
	LastCompactionUnix int64           `json:"last_compaction_unix,omitempty"`
}

// NewCoreState returns the initial dual-core state: Core-A growing,
// Core-B infant, with the given shared token budget.
func NewCoreState(budgetTokens int) CoreState {
	return CoreState{
		Version:      2,
		CoreA:        SingleCoreState{Phase: PhaseGrowing},
		CoreB:        SingleCoreState{Phase: PhaseInfant},
		BudgetTokens: budgetTokens,
	}
}

// Core returns the state for one core.
func (s *CoreState) Core(id CoreID) *SingleCoreState {
	if id == CoreA {
		return &s.CoreA
	}
	return &s.CoreB
}

// TurnResult is what the agent runtime returns for one tick: the text
// output plus the token count the turn consumed.
type TurnResult struct {
	Output string
	Tokens int
}

// CascadeEvent is one journaled control-plane event.
type CascadeEvent struct {
	ID          int64
	Source      string
	EventType   string
	PayloadJSON string
	CreatedAt   int64
}

// InjectionRecord journals one correlated insight routed to the Gateway.
type InjectionRecord struct {
	ID        string
	Source    string
	Score     float64
	Chars     int
	CreatedAt int64
}

// Cascade event types written to the journal.
const (
	EventTick      = "cascade_tick"
	EventInjection = "injection"
	EventSleep     = "layer_sleep"
	EventWake      = "layer_wake"
	EventCompact   = "core_compaction"
	EventStartup   = "stack_startup"
)
