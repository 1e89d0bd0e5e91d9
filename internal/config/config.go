// Package config loads and validates the engine's runtime configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/anthropics/cascade-engine/internal/domain"
)

// PortConfig assigns a network port to each layer and core.
type PortConfig struct {
	L0    int `json:"l0"`
	L1    int `json:"l1"`
	L2    int `json:"l2"`
	L3    int `json:"l3"`
	CoreA int `json:"core_a"`
	CoreB int `json:"core_b"`
}

// ModelConfig selects the model identifier per layer tier and for the cores.
type ModelConfig struct {
	L0   string `json:"l0"`
	L1   string `json:"l1"`
	L2   string `json:"l2"`
	L3   string `json:"l3"`
	Core string `json:"core"`
}

// EgoConfig holds distillation prompts and budgets.
type EgoConfig struct {
	// Fallback character budgets when distillation fails: the raw
	// transcript tail is truncated to this size instead.
	L0BudgetChars    int `json:"l0_budget_chars"`
	LayerBudgetChars int `json:"layer_budget_chars"`
	CoreBudgetChars  int `json:"core_budget_chars"`

	// Per-layer distillation prompts. L1's prompt describes L0, L2's
	// describes L1, and so on down the cascade.
	L1DistillPrompt       string `json:"l1_distill_prompt"`
	L2DistillPrompt       string `json:"l2_distill_prompt"`
	L3DistillPrompt       string `json:"l3_distill_prompt"`
	CoreDistillPrompt     string `json:"core_distill_prompt"`
	CoreSelfDistillPrompt string `json:"core_self_distill_prompt"`

	// Paragraph-delimited chunks of the sleeping layer's transcript tail
	// included in the wake context alongside the ego summary.
	TailParagraphs int `json:"tail_paragraphs"`

	// Max output tokens per distillation call.
	L1DistillBudget       int `json:"l1_distill_budget"`
	L2DistillBudget       int `json:"l2_distill_budget"`
	L3DistillBudget       int `json:"l3_distill_budget"`
	CoreDistillBudget     int `json:"core_distill_budget"`
	CoreSelfDistillBudget int `json:"core_self_distill_budget"`
}

// CascadeConfig tunes delta processing.
type CascadeConfig struct {
	DeltaMaxChars     int `json:"delta_max_chars"`
	MaxToolIterations int `json:"max_tool_iterations"`
	WatcherPollMs     int `json:"watcher_poll_ms"`
	// GatewaySettleSecs is consumed by the process launcher that starts
	// the layer agents, not by this binary.
	GatewaySettleSecs int `json:"gateway_settle_secs"`
}

// CoreConfig tunes the dual-core pair.
type CoreConfig struct {
	// Total token budget shared across both cores per compaction cycle.
	BudgetTokens      int `json:"budget_tokens"`
	MaxToolIterations int `json:"max_tool_iterations"`
}

// InjectionConfig gates insight routing back to the Gateway.
type InjectionConfig struct {
	CorrelationThreshold float64 `json:"correlation_threshold"`
	L0TailChars          int     `json:"l0_tail_chars"`
}

// SleepConfig controls when a layer sleeps. Agents perform best around
// 35% context utilization, so the default threshold leaves headroom.
type SleepConfig struct {
	ContextThresholdPct float64 `json:"context_threshold_pct"`
	ContextWindowTokens int     `json:"context_window_tokens"`
}

// Config holds the engine's runtime configuration.
type Config struct {
	Workspace string          `json:"workspace"`
	SoulsDir  string          `json:"souls_dir"`
	DBPath    string          `json:"db_path"`
	Ports     PortConfig      `json:"ports"`
	Models    ModelConfig     `json:"models"`
	Ego       EgoConfig       `json:"ego"`
	Cascade   CascadeConfig   `json:"cascade"`
	Core      CoreConfig      `json:"core"`
	Injection InjectionConfig `json:"injection"`
	Sleep     SleepConfig     `json:"sleep"`
}

// Load reads a JSON config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config JSON: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration populated entirely from defaults.
// The workspace must still be set by the caller before validation.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Ports.L0 == 0 {
		c.Ports.L0 = 18789
	}
	if c.Ports.L1 == 0 {
		c.Ports.L1 = 18791
	}
	if c.Ports.L2 == 0 {
		c.Ports.L2 = 18792
	}
	if c.Ports.L3 == 0 {
		c.Ports.L3 = 18793
	}
	if c.Ports.CoreA == 0 {
		c.Ports.CoreA = 18794
	}
	if c.Ports.CoreB == 0 {
		c.Ports.CoreB = 18795
	}

	if c.Models.L0 == "" {
		c.Models.L0 = "claude-sonnet-4-5"
	}
	if c.Models.L1 == "" {
		c.Models.L1 = "claude-sonnet-4-5"
	}
	if c.Models.L2 == "" {
		c.Models.L2 = "claude-sonnet-4-5"
	}
	if c.Models.L3 == "" {
		c.Models.L3 = "claude-sonnet-4-5"
	}
	if c.Models.Core == "" {
		c.Models.Core = c.Models.L3
	}

	if c.Ego.L0BudgetChars == 0 {
		c.Ego.L0BudgetChars = 16000
	}
	if c.Ego.LayerBudgetChars == 0 {
		c.Ego.LayerBudgetChars = 8000
	}
	if c.Ego.CoreBudgetChars == 0 {
		c.Ego.CoreBudgetChars = 16000
	}
	if c.Ego.L1DistillPrompt == "" {
		c.Ego.L1DistillPrompt = defaultL1Prompt
	}
	if c.Ego.L2DistillPrompt == "" {
		c.Ego.L2DistillPrompt = defaultL2Prompt
	}
	if c.Ego.L3DistillPrompt == "" {
		c.Ego.L3DistillPrompt = defaultL3Prompt
	}
	if c.Ego.CoreDistillPrompt == "" {
		c.Ego.CoreDistillPrompt = defaultCorePrompt
	}
	if c.Ego.CoreSelfDistillPrompt == "" {
		c.Ego.CoreSelfDistillPrompt = defaultCoreSelfPrompt
	}
	if c.Ego.TailParagraphs == 0 {
		c.Ego.TailParagraphs = 15
	}
	if c.Ego.L1DistillBudget == 0 {
		c.Ego.L1DistillBudget = 4000
	}
	if c.Ego.L2DistillBudget == 0 {
		c.Ego.L2DistillBudget = 3000
	}
	if c.Ego.L3DistillBudget == 0 {
		c.Ego.L3DistillBudget = 3000
	}
	if c.Ego.CoreDistillBudget == 0 {
		c.Ego.CoreDistillBudget = 4000
	}
	if c.Ego.CoreSelfDistillBudget == 0 {
		c.Ego.CoreSelfDistillBudget = 8000
	}

	if c.Cascade.DeltaMaxChars == 0 {
		c.Cascade.DeltaMaxChars = 4000
	}
	if c.Cascade.MaxToolIterations == 0 {
		c.Cascade.MaxToolIterations = 3
	}
	if c.Cascade.WatcherPollMs == 0 {
		c.Cascade.WatcherPollMs = 500
	}
	if c.Cascade.GatewaySettleSecs == 0 {
		c.Cascade.GatewaySettleSecs = 2
	}

	if c.Core.BudgetTokens == 0 {
		c.Core.BudgetTokens = 200000
	}
	if c.Core.MaxToolIterations == 0 {
		c.Core.MaxToolIterations = 3
	}

	if c.Injection.CorrelationThreshold == 0 {
		c.Injection.CorrelationThreshold = 0.1
	}
	if c.Injection.L0TailChars == 0 {
		c.Injection.L0TailChars = 2000
	}

	if c.Sleep.ContextThresholdPct == 0 {
		c.Sleep.ContextThresholdPct = 0.55
	}
	if c.Sleep.ContextWindowTokens == 0 {
		c.Sleep.ContextWindowTokens = 200000
	}
}

func (c *Config) validate() error {
	var problems []string

	if c.Workspace == "" {
		problems = append(problems, "workspace is required")
	}
	if c.Injection.CorrelationThreshold < 0 || c.Injection.CorrelationThreshold > 1 {
		problems = append(problems, "injection.correlation_threshold must be in [0,1]")
	}
	if c.Sleep.ContextThresholdPct < 0 || c.Sleep.ContextThresholdPct > 1 {
		problems = append(problems, "sleep.context_threshold_pct must be in [0,1]")
	}
	if c.Cascade.DeltaMaxChars < 0 {
		problems = append(problems, "cascade.delta_max_chars must not be negative")
	}
	if c.Core.BudgetTokens < 0 {
		problems = append(problems, "core.budget_tokens must not be negative")
	}

	if len(problems) > 0 {
		return &domain.StackError{
			Code:    domain.ErrConfigInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
		}
	}
	return nil
}

// LayerPorts returns the layer ports in cascade order.
func (c *Config) LayerPorts() [domain.LayerCount]int {
	return [domain.LayerCount]int{c.Ports.L0, c.Ports.L1, c.Ports.L2, c.Ports.L3}
}

// LayerModels returns the layer model identifiers in cascade order.
func (c *Config) LayerModels() [domain.LayerCount]string {
	return [domain.LayerCount]string{c.Models.L0, c.Models.L1, c.Models.L2, c.Models.L3}
}

// Dump renders the configuration as indented JSON.
func (c *Config) Dump() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return ""
	}
	return string(data)
}

const (
	defaultL1Prompt = "You are L1 (Attention). L0 (Gateway) is about to wake. Write a what-is " +
		"and frontier for L0. What-is: who was L0 talking to, what task was active, what state " +
		"are things in, what happened recently. Frontier: what's next, what was promised, " +
		"what needs attention, where things are heading. L0 lives in the what-is and frontier."

	defaultL2Prompt = "You are L2 (Pattern). Summarize what L1 (Attention) was tracking — " +
		"what signals it flagged as important, what it was filtering for, what anomalies " +
		"it detected. L1 needs to resume watching effectively."

	defaultL3Prompt = "You are L3 (Integration). Summarize what L2 (Pattern) found — " +
		"what recurring themes, what structural arcs, what connections across time. " +
		"L2 needs to resume pattern recognition with this context."

	defaultCorePrompt = "You are a Core identity layer. Summarize what L3 (Integration) synthesized — " +
		"what meaning emerged, what cross-cutting understanding, what the layers produced together. " +
		"L3 needs to resume integration with this context."

	defaultCoreSelfPrompt = "You are a Core identity layer. Summarize your own identity — " +
		"who this system is, what it has learned about itself, what promises it holds, " +
		"what relationships matter, what it was becoming. This is the deepest self-knowledge " +
		"and persists across all restarts."
)
