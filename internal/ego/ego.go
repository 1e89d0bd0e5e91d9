// Package ego distills layer identity summaries for sleep and wake.
//
// Each layer's ego is written by the layer that watches it: L1
// describes L0, L2 describes L1, L3 describes L2, and the warm core
// describes L3 plus itself. The distilled summary, stapled to the
// sleeping layer's recent transcript tail, becomes the first thing the
// layer sees on wake.
package ego

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/anthropics/cascade-engine/internal/agent"
	"github.com/anthropics/cascade-engine/internal/config"
	"github.com/anthropics/cascade-engine/internal/domain"
	"github.com/anthropics/cascade-engine/internal/textutil"
	"github.com/anthropics/cascade-engine/internal/watch"
	"github.com/anthropics/cascade-engine/internal/workspace"
)

const recentContextMarker = "--- Recent context ---"

// Distiller produces wake contexts from watcher transcripts.
type Distiller struct {
	workspace string
	completer agent.Completer
	cfg       *config.Config
	log       *zap.Logger
}

// NewDistiller creates a Distiller rooted in the given workspace.
func NewDistiller(ws string, completer agent.Completer, cfg *config.Config, log *zap.Logger) *Distiller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Distiller{workspace: ws, completer: completer, cfg: cfg, log: log}
}

// WriteEgo persists a layer's or core's ego file.
func WriteEgo(ws, dirName, content string) error {
	if err := os.MkdirAll(workspace.DirPath(ws, dirName), 0o755); err != nil {
		return fmt.Errorf("create layer dir: %w", err)
	}
	if err := os.WriteFile(workspace.EgoPath(ws, dirName), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write ego file: %w", err)
	}
	return nil
}

// ReadEgo loads a layer's or core's ego file. The second return is
// false when the file is absent or effectively empty.
func ReadEgo(ws, dirName string) (string, bool) {
	data, err := os.ReadFile(workspace.EgoPath(ws, dirName))
	if err != nil || strings.TrimSpace(string(data)) == "" {
		return "", false
	}
	return string(data), true
}

// DistillLayer builds the wake context for a sleeping layer: a
// first-person summary distilled from the watcher's transcript, then
// the sleeping layer's own recent tail. warmCore names the core
// directory acting as L3's watcher.
//
// Distillation failure never blocks the wake: the raw transcript tail,
// bounded to the layer's fallback budget, stands in for the summary.
// The result is written to the layer's ego file and returned; an empty
// return means no material existed at all.
func (d *Distiller) DistillLayer(ctx context.Context, layer int, warmCore string) string {
	if layer < 0 || layer >= domain.LayerCount {
		return ""
	}
	layerDir := domain.LayerDirs[layer]

	var (
		watcherDir string
		model      string
		prompt     string
		ctxBudget  int
		maxTokens  int
	)
	switch layer {
	case 0:
		watcherDir, model = domain.LayerDirs[1], d.cfg.Models.L1
		prompt, ctxBudget, maxTokens = d.cfg.Ego.L1DistillPrompt, d.cfg.Ego.LayerBudgetChars, d.cfg.Ego.L1DistillBudget
	case 1:
		watcherDir, model = domain.LayerDirs[2], d.cfg.Models.L2
		prompt, ctxBudget, maxTokens = d.cfg.Ego.L2DistillPrompt, d.cfg.Ego.LayerBudgetChars, d.cfg.Ego.L2DistillBudget
	case 2:
		watcherDir, model = domain.LayerDirs[3], d.cfg.Models.L3
		prompt, ctxBudget, maxTokens = d.cfg.Ego.L3DistillPrompt, d.cfg.Ego.LayerBudgetChars, d.cfg.Ego.L3DistillBudget
	case 3:
		watcherDir, model = warmCore, d.cfg.Models.Core
		prompt, ctxBudget, maxTokens = d.cfg.Ego.CoreDistillPrompt, d.cfg.Ego.CoreBudgetChars, d.cfg.Ego.CoreDistillBudget
	}

	summary, err := d.distill(ctx, model, watcherDir, layerDir, prompt, ctxBudget, maxTokens)
	if err != nil {
		d.log.Warn("ego distillation failed, falling back to raw tail",
			zap.String("layer", layerDir), zap.Error(err))
		summary = d.rawTail(layerDir, d.fallbackBudget(layer))
	}

	wake := d.assembleWake(layerDir, summary)
	if wake == "" {
		if prior, ok := ReadEgo(d.workspace, layerDir); ok {
			return prior
		}
		return ""
	}
	if err := WriteEgo(d.workspace, layerDir, wake); err != nil {
		d.log.Warn("failed to write ego file", zap.String("layer", layerDir), zap.Error(err))
	}
	d.log.Info("distilled wake context",
		zap.String("layer", layerDir), zap.Int("chars", len(wake)))
	return wake
}

// DistillCore builds the warm core's own wake context by self-distilling
// its transcript. Same fallback rules as DistillLayer.
func (d *Distiller) DistillCore(ctx context.Context, warmCore string) string {
	summary, err := d.distill(ctx, d.cfg.Models.Core, warmCore, warmCore,
		d.cfg.Ego.CoreSelfDistillPrompt, d.cfg.Ego.CoreBudgetChars, d.cfg.Ego.CoreSelfDistillBudget)
	if err != nil {
		d.log.Warn("core self-distillation failed, falling back to raw tail",
			zap.String("core", warmCore), zap.Error(err))
		summary = d.rawTail(warmCore, d.cfg.Ego.CoreBudgetChars)
	}

	wake := d.assembleWake(warmCore, summary)
	if wake == "" {
		if prior, ok := ReadEgo(d.workspace, warmCore); ok {
			return prior
		}
		return ""
	}
	if err := WriteEgo(d.workspace, warmCore, wake); err != nil {
		d.log.Warn("failed to write core ego file", zap.String("core", warmCore), zap.Error(err))
	}
	return wake
}

// distill asks the watcher's model to describe the target, with the
// tail of the watcher's transcript as context.
func (d *Distiller) distill(ctx context.Context, model, watcherDir, targetDir, prompt string, ctxBudget, maxTokens int) (string, error) {
	ctxPath := watch.FindLatestTranscript(workspace.SessionsDir(d.workspace, watcherDir))
	if ctxPath == "" {
		return "", domain.NewStackError(domain.ErrDistillFailed.Code,
			fmt.Sprintf("no transcript for watcher %s of %s", watcherDir, targetDir))
	}
	data, err := os.ReadFile(ctxPath)
	if err != nil {
		return "", domain.WrapStackError(domain.ErrDistillFailed.Code, "read watcher transcript", err)
	}
	observed := textutil.Tail(string(data), ctxBudget)
	if strings.TrimSpace(observed) == "" {
		return "", domain.NewStackError(domain.ErrDistillFailed.Code,
			fmt.Sprintf("watcher %s transcript is empty", watcherDir))
	}

	return d.completer.Complete(ctx, agent.CompletionRequest{
		Model:     model,
		Prompt:    fmt.Sprintf("%s\n\n--- Your context (what you've observed) ---\n\n%s", prompt, observed),
		MaxTokens: maxTokens,
	})
}

// assembleWake staples the sleeper's recent transcript tail after the
// summary. Either part may be empty; both empty yields "".
func (d *Distiller) assembleWake(sleeperDir, summary string) string {
	tail := d.tailParagraphs(sleeperDir)
	summary = strings.TrimSpace(summary)
	switch {
	case summary == "" && tail == "":
		return ""
	case tail == "":
		return summary
	case summary == "":
		return tail
	default:
		return fmt.Sprintf("%s\n\n%s\n\n%s", summary, recentContextMarker, tail)
	}
}

func (d *Distiller) tailParagraphs(dirName string) string {
	path := watch.FindLatestTranscript(workspace.SessionsDir(d.workspace, dirName))
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(textutil.TailParagraphs(string(data), d.cfg.Ego.TailParagraphs))
}

func (d *Distiller) rawTail(dirName string, budget int) string {
	path := watch.FindLatestTranscript(workspace.SessionsDir(d.workspace, dirName))
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return textutil.Tail(string(data), budget)
}

func (d *Distiller) fallbackBudget(layer int) int {
	switch layer {
	case 0:
		return d.cfg.Ego.L0BudgetChars
	case 3:
		return d.cfg.Ego.CoreBudgetChars
	default:
		return d.cfg.Ego.LayerBudgetChars
	}
}
