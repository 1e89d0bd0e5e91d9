// Package main is the entry point for the cascade engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/anthropics/cascade-engine/internal/agent"
	"github.com/anthropics/cascade-engine/internal/config"
	"github.com/anthropics/cascade-engine/internal/core"
	"github.com/anthropics/cascade-engine/internal/domain"
	"github.com/anthropics/cascade-engine/internal/ego"
	"github.com/anthropics/cascade-engine/internal/stack"
	"github.com/anthropics/cascade-engine/internal/store"
	"github.com/anthropics/cascade-engine/internal/workspace"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and workspace schema version, then exit")
	configPath := flag.String("config", "", "path to configuration JSON file")
	workspaceDir := flag.String("workspace", "", "workspace directory (overrides config)")
	soulsDir := flag.String("souls", "", "souls directory (overrides config)")
	birth := flag.Bool("birth", false, "seed layers from souls instead of distilled wake context")
	dumpConfig := flag.Bool("dump-config", false, "print the resolved configuration and exit")
	flag.Parse()

	cfg := loadConfig(*configPath, *workspaceDir, *soulsDir)

	if *showVersion {
		fmt.Printf("cascade %s (commit=%s, built=%s)\n", version, commit, date)
		if cfg != nil && cfg.Workspace != "" {
			vc := workspace.New(cfg.Workspace, nil)
			if current := vc.CurrentVersion(); current == 0 {
				fmt.Println("workspace: uninitialized")
			} else {
				fmt.Printf("workspace: schema v%d\n", current)
			}
		}
		os.Exit(0)
	}

	if cfg == nil {
		fatal("no config found. Place config.json next to the exe, use --config <path>, " +
			"set CASCADE_CONFIG, or pass --workspace.")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.Workspace, "cascade.db")
	}

	if *dumpConfig {
		fmt.Println(cfg.Dump())
		os.Exit(0)
	}

	log, err := zap.NewProduction()
	if err != nil {
		fatal(fmt.Sprintf("init logger: %v", err))
	}
	defer log.Sync()

	vc := workspace.New(cfg.Workspace, log)
	if err := vc.EnsureVersion(workspace.SchemaVersion); err != nil {
		fatal(fmt.Sprintf("migrate workspace: %v", err))
	}

	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		fatal(fmt.Sprintf("open database: %v", err))
	}
	defer db.Close()

	// One agent runtime per layer plus one per core, each a local
	// session server on its own port.
	var runtimes [domain.LayerCount]agent.Runtime
	for layer, port := range cfg.LayerPorts() {
		runtimes[layer] = agent.NewHTTPRuntime(
			fmt.Sprintf("http://127.0.0.1:%d", port), cfg.Cascade.MaxToolIterations, log)
	}
	coreRuntimes := [2]agent.Runtime{
		agent.NewHTTPRuntime(fmt.Sprintf("http://127.0.0.1:%d", cfg.Ports.CoreA), cfg.Core.MaxToolIterations, log),
		agent.NewHTTPRuntime(fmt.Sprintf("http://127.0.0.1:%d", cfg.Ports.CoreB), cfg.Core.MaxToolIterations, log),
	}

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		log.Warn("ANTHROPIC_API_KEY not set, ego distillation will fall back to raw tails")
	}
	completer := agent.NewCompletionClient(agent.DefaultCompletionURL, apiKey, log)

	dual := core.New(cfg.Workspace, coreRuntimes, cfg, log)
	distiller := ego.NewDistiller(cfg.Workspace, completer, cfg, log)
	orch := stack.New(cfg, runtimes, dual, distiller, db, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.SeedLayers(ctx, *birth); err != nil {
		log.Warn("seeding layers incomplete", zap.Error(err))
	}

	log.Info("cascade engine starting",
		zap.String("version", version),
		zap.String("workspace", cfg.Workspace),
		zap.Bool("birth", *birth))

	if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(fmt.Sprintf("stack error: %v", err))
	}
	log.Info("cascade engine stopped")
}

// loadConfig resolves the config path (flag > CASCADE_CONFIG env >
// auto-discovery) and applies flag overrides. With no config file but a
// --workspace flag, defaults are used. Returns nil when no config can
// be resolved.
func loadConfig(path, workspaceDir, soulsDir string) *config.Config {
	if path == "" {
		path = os.Getenv("CASCADE_CONFIG")
	}
	if path == "" {
		path = discoverConfig()
	}

	var cfg *config.Config
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			fatal(fmt.Sprintf("load config: %v", err))
		}
		cfg = loaded
	} else if workspaceDir != "" {
		cfg = config.Default()
	} else {
		return nil
	}

	if workspaceDir != "" {
		cfg.Workspace = workspaceDir
	}
	if soulsDir != "" {
		cfg.SoulsDir = soulsDir
	}
	if cfg.SoulsDir == "" {
		cfg.SoulsDir = filepath.Join(cfg.Workspace, "souls")
	}
	return cfg
}

// discoverConfig looks for config.json next to the executable, then in the cwd.
func discoverConfig() string {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "config.json")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	if _, err := os.Stat("config.json"); err == nil {
		return "config.json"
	}
	return ""
}

func fatal(msg string) {
	fmt.Fprintf(os.Stderr, "ERROR: %s\n", msg)
	os.Exit(1)
}
