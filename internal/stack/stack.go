// Package stack wires the cascade together: the transcript watcher
// feeds layer drivers, layer output feeds the next layer down, deep
// output feeds the dual core, and correlated insights flow back to the
// Gateway through the mailbox.
package stack

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anthropics/cascade-engine/internal/agent"
	"github.com/anthropics/cascade-engine/internal/config"
	"github.com/anthropics/cascade-engine/internal/core"
	"github.com/anthropics/cascade-engine/internal/correlate"
	"github.com/anthropics/cascade-engine/internal/domain"
	"github.com/anthropics/cascade-engine/internal/ego"
	"github.com/anthropics/cascade-engine/internal/mailbox"
	"github.com/anthropics/cascade-engine/internal/store"
	"github.com/anthropics/cascade-engine/internal/textutil"
	"github.com/anthropics/cascade-engine/internal/watch"
	"github.com/anthropics/cascade-engine/internal/workspace"
)

// changeBuffer bounds the watcher-to-orchestrator channel; a full
// buffer throttles detection to processing speed.
const changeBuffer = 100

var soulFiles = [domain.LayerCount]string{
	"L0-gateway.md",
	"L1-attention.md",
	"L2-pattern.md",
	"L3-integration.md",
}

// Orchestrator runs the cascade control plane for one workspace.
type Orchestrator struct {
	cfg       *config.Config
	log       *zap.Logger
	runtimes  [domain.LayerCount]agent.Runtime
	dual      *core.DualCore
	distiller *ego.Distiller
	mailbox   *mailbox.Mailbox
	db        *sql.DB
	journal   *store.JournalRepo

	mu          sync.Mutex
	layerTokens [domain.LayerCount]int
	layerBusy   [domain.LayerCount]bool
	layerState  [domain.LayerCount]domain.LayerState
}

// New creates an Orchestrator. db may be nil, disabling the journal.
func New(cfg *config.Config, runtimes [domain.LayerCount]agent.Runtime, dual *core.DualCore,
	distiller *ego.Distiller, db *sql.DB, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	o := &Orchestrator{
		cfg:       cfg,
		log:       log,
		runtimes:  runtimes,
		dual:      dual,
		distiller: distiller,
		mailbox:   mailbox.New(cfg.Workspace, log),
		db:        db,
		journal:   &store.JournalRepo{},
	}
	for i := range o.layerState {
		o.layerState[i] = domain.LayerAwake
	}
	dual.SetInsightHandler(func(id domain.CoreID, response string, deltaLen int) {
		o.maybeInject(context.Background(), id.String(), response)
	})
	return o
}

// Soul returns a layer's identity file content, with a generic
// fallback when the souls directory has no file for it.
func (o *Orchestrator) Soul(layer int) string {
	if layer >= 0 && layer < domain.LayerCount {
		data, err := os.ReadFile(filepath.Join(o.cfg.SoulsDir, soulFiles[layer]))
		if err == nil {
			return string(data)
		}
	}
	return fmt.Sprintf("You are cascade layer %d (%s).", layer, domain.LayerNames[layer])
}

// CoreSoul returns the core identity file content or its fallback.
func (o *Orchestrator) CoreSoul() string {
	data, err := os.ReadFile(filepath.Join(o.cfg.SoulsDir, "core.md"))
	if err == nil {
		return string(data)
	}
	return "You are a core identity layer. You maintain continuity across compaction cycles."
}

// wakePrompt appends the soul as workspace context after the wake
// context, keeping the distilled identity first.
func (o *Orchestrator) wakePrompt(wake, soul string) string {
	return fmt.Sprintf("%s\n\n---\nThe following workspace files are available and may affect "+
		"your experience (they are not your identity — your identity is above):\n\n%s\n",
		strings.TrimSpace(wake), strings.TrimSpace(soul))
}

// SeedLayers reseeds every layer session and both cores. Birth mode
// seeds from souls; wake mode distills fresh egos, falling back to
// birth for a layer with no prior transcript.
func (o *Orchestrator) SeedLayers(ctx context.Context, birth bool) error {
	for layer := 0; layer < domain.LayerCount; layer++ {
		prompt := o.Soul(layer)
		if !birth {
			if wake := o.distiller.DistillLayer(ctx, layer, o.dual.WarmCoreDir()); wake != "" {
				prompt = o.wakePrompt(wake, prompt)
			} else {
				o.log.Warn("no prior context for layer, seeding from soul",
					zap.String("layer", domain.LayerDirs[layer]))
			}
		}
		if err := o.runtimes[layer].Reseed(ctx, sessionName(layer), prompt); err != nil {
			return fmt.Errorf("reseed %s: %w", domain.LayerDirs[layer], err)
		}
	}

	corePrompt := o.CoreSoul()
	if !birth {
		if wake := o.distiller.DistillCore(ctx, o.dual.WarmCoreDir()); wake != "" {
			corePrompt = o.wakePrompt(wake, corePrompt)
		} else {
			o.log.Warn("no prior core context, seeding from soul")
		}
	}
	if err := o.dual.Reseed(ctx, corePrompt); err != nil {
		return fmt.Errorf("reseed cores: %w", err)
	}
	return nil
}

// Run watches all layer transcripts and routes deltas until ctx is
// cancelled. The workspace must already be at the current schema
// version.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.journalEvent(ctx, "stack", domain.EventStartup, "{}")

	watcher := watch.New(time.Duration(o.cfg.Cascade.WatcherPollMs)*time.Millisecond, o.log)
	for layer := 0; layer < domain.LayerCount; layer++ {
		sessions := workspace.SessionsDir(o.cfg.Workspace, domain.LayerDirs[layer])
		if err := os.MkdirAll(sessions, 0o755); err != nil {
			return fmt.Errorf("create sessions dir: %w", err)
		}
		watcher.WatchDir(layer, sessions)
		if path := watch.FindLatestTranscript(sessions); path != "" {
			watcher.Watch(layer, path)
		}
	}

	changes := make(chan domain.TranscriptChange, changeBuffer)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		watcher.Run(ctx, changes)
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				o.dual.Checkpoint()
				return ctx.Err()
			case change := <-changes:
				o.RouteChange(ctx, change)
			}
		}
	})

	o.log.Info("cascade stack active", zap.String("workspace", o.cfg.Workspace))
	return g.Wait()
}

// RouteChange forwards one transcript delta down the cascade: layer
// i's growth ticks layer i+1, and Integration's growth feeds the dual
// core. Gateway has nothing above it watching in reverse; the mailbox
// handles the return path.
func (o *Orchestrator) RouteChange(ctx context.Context, change domain.TranscriptChange) {
	o.journalEvent(ctx, domain.LayerDirs[change.Layer], domain.EventTick,
		fmt.Sprintf(`{"bytes":%d}`, len(change.Delta)))

	target := change.Layer + 1
	if target == domain.LayerCount {
		before := o.dual.State().LastCompactionUnix
		o.dual.ProcessDelta(ctx, change.Delta)
		if after := o.dual.State(); after.LastCompactionUnix != before {
			o.journalEvent(ctx, after.LastCompactionCore, domain.EventCompact, "{}")
		}
		return
	}
	if target > domain.LayerCount {
		return
	}

	o.log.Info("transcript grew, triggering next layer",
		zap.Int("layer", change.Layer),
		zap.Int("bytes", len(change.Delta)),
		zap.String("target", domain.LayerNames[target]))

	o.processLayerUpdate(ctx, target, change.Delta)
}

// processLayerUpdate sends the delta as raw context to a layer's
// agent. No chat framing: the delta is the prompt.
func (o *Orchestrator) processLayerUpdate(ctx context.Context, layer int, delta string) {
	if !o.claimLayer(layer) {
		o.log.Info("layer already processing, skipping delta", zap.Int("layer", layer))
		return
	}
	defer o.releaseLayer(layer)

	bounded := textutil.Tail(delta, o.cfg.Cascade.DeltaMaxChars)
	result, err := o.runtimes[layer].RunTurn(ctx, sessionName(layer), bounded)
	if err != nil {
		o.log.Error("layer turn failed",
			zap.String("layer", domain.LayerNames[layer]), zap.Error(err))
		return
	}
	if result.Output == "" {
		return
	}
	o.log.Info("layer produced output",
		zap.String("layer", domain.LayerNames[layer]), zap.Int("chars", len(result.Output)))

	// Only the deeper layers have enough distance from the Gateway for
	// their reflections to be worth routing back.
	if layer >= 2 {
		o.maybeInject(ctx, domain.LayerDirs[layer], result.Output)
	}

	o.noteTokens(ctx, layer, result.Tokens)
}

// maybeInject publishes a response to the Gateway mailbox when it
// correlates with what the Gateway is currently discussing.
func (o *Orchestrator) maybeInject(ctx context.Context, source, response string) {
	l0Tail := o.gatewayTail()
	if l0Tail == "" {
		return
	}
	score := correlate.Score(l0Tail, response)
	if score <= o.cfg.Injection.CorrelationThreshold {
		return
	}
	o.log.Info("routing insight to gateway",
		zap.String("source", source), zap.Float64("correlation", score))

	if err := o.mailbox.Publish(response, o.cfg.Cascade.DeltaMaxChars); err != nil {
		o.log.Warn("failed to publish injection", zap.Error(err))
		return
	}
	o.journalEvent(ctx, source, domain.EventInjection,
		fmt.Sprintf(`{"score":%.3f,"chars":%d}`, score, len(response)))
	if o.db != nil {
		rec := domain.InjectionRecord{
			ID:        uuid.NewString(),
			Source:    source,
			Score:     score,
			Chars:     len(response),
			CreatedAt: time.Now().Unix(),
		}
		if err := o.journal.RecordInjection(ctx, o.db, rec); err != nil {
			o.log.Warn("failed to record injection", zap.Error(err))
		}
	}
}

// gatewayTail returns the tail of the Gateway's latest transcript.
func (o *Orchestrator) gatewayTail() string {
	sessions := workspace.SessionsDir(o.cfg.Workspace, domain.LayerDirs[0])
	path := watch.FindLatestTranscript(sessions)
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return textutil.Tail(string(data), o.cfg.Injection.L0TailChars)
}

// GatewayTurn runs one Gateway turn, delivering any pending mailbox
// injections ahead of the input. Nothing inside Run calls this: the
// Gateway's turns are driven by whatever front end owns the user
// conversation, which is expected to route each user message through
// here so the mailbox gets drained.
func (o *Orchestrator) GatewayTurn(ctx context.Context, input string) (domain.TurnResult, error) {
	if injected := o.mailbox.DrainAndClear(); injected != "" {
		input = injected + "\n" + input
	}
	result, err := o.runtimes[0].RunTurn(ctx, sessionName(0), input)
	if err != nil {
		return domain.TurnResult{}, err
	}
	o.noteTokens(ctx, 0, result.Tokens)
	return result, nil
}

// noteTokens accumulates a layer's context usage and puts the layer to
// sleep once utilization crosses the threshold.
func (o *Orchestrator) noteTokens(ctx context.Context, layer, tokens int) {
	o.mu.Lock()
	o.layerTokens[layer] += tokens
	utilization := float64(o.layerTokens[layer]) / float64(o.cfg.Sleep.ContextWindowTokens)
	o.mu.Unlock()

	if utilization > o.cfg.Sleep.ContextThresholdPct {
		o.sleepAndWake(ctx, layer, utilization)
	}
}

// sleepAndWake cycles a layer: journal the sleep, distill a fresh wake
// context, and reseed the layer's session with it. Distillation
// failure falls back to the raw tail inside the distiller, and an
// empty wake context falls back to the soul, so the layer always comes
// back.
func (o *Orchestrator) sleepAndWake(ctx context.Context, layer int, utilization float64) {
	o.mu.Lock()
	if o.layerState[layer] == domain.LayerSleeping {
		o.mu.Unlock()
		return
	}
	o.layerState[layer] = domain.LayerSleeping
	o.mu.Unlock()

	o.log.Info("layer crossing sleep threshold",
		zap.String("layer", domain.LayerDirs[layer]),
		zap.Float64("utilization", utilization))
	o.journalEvent(ctx, domain.LayerDirs[layer], domain.EventSleep,
		fmt.Sprintf(`{"utilization":%.3f}`, utilization))

	prompt := o.Soul(layer)
	if wake := o.distiller.DistillLayer(ctx, layer, o.dual.WarmCoreDir()); wake != "" {
		prompt = o.wakePrompt(wake, prompt)
	}
	if err := o.runtimes[layer].Reseed(ctx, sessionName(layer), prompt); err != nil {
		o.log.Error("failed to reseed layer on wake",
			zap.String("layer", domain.LayerDirs[layer]), zap.Error(err))
	}

	o.mu.Lock()
	o.layerTokens[layer] = 0
	o.layerState[layer] = domain.LayerAwake
	o.mu.Unlock()

	o.journalEvent(ctx, domain.LayerDirs[layer], domain.EventWake, "{}")
	o.log.Info("layer woke with fresh context", zap.String("layer", domain.LayerDirs[layer]))
}

// LayerState reports whether a layer is awake or mid sleep cycle.
func (o *Orchestrator) LayerState(layer int) domain.LayerState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.layerState[layer]
}

func (o *Orchestrator) claimLayer(layer int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.layerBusy[layer] {
		return false
	}
	o.layerBusy[layer] = true
	return true
}

func (o *Orchestrator) releaseLayer(layer int) {
	o.mu.Lock()
	o.layerBusy[layer] = false
	o.mu.Unlock()
}

func (o *Orchestrator) journalEvent(ctx context.Context, source, eventType, payload string) {
	if o.db == nil {
		return
	}
	event := domain.CascadeEvent{
		Source:      source,
		EventType:   eventType,
		PayloadJSON: payload,
		CreatedAt:   time.Now().Unix(),
	}
	if _, err := o.journal.AppendEvent(ctx, o.db, event); err != nil {
		o.log.Warn("journal write failed",
			zap.String("event", eventType), zap.Error(err))
	}
}

func sessionName(layer int) string {
	return fmt.Sprintf("cascade-L%d", layer)
}
