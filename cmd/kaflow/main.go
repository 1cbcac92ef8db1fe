// Command kaflow serves declarative YAML agent workflows over HTTP.
//
// Usage:
//
//	kaflow serve --config config.yaml --configs-dir ./configs
//	kaflow validate ./configs/research.yaml
//	kaflow version
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/kaflow-ai/kaflow/pkg/config"
	"github.com/kaflow-ai/kaflow/pkg/engine"
	"github.com/kaflow-ai/kaflow/pkg/logger"
	"github.com/kaflow-ai/kaflow/pkg/protocol"
	"github.com/kaflow-ai/kaflow/pkg/server"
	"github.com/kaflow-ai/kaflow/pkg/tool"
	"github.com/kaflow-ai/kaflow/pkg/version"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve    ServeCmd    `cmd:"" help:"Start the workflow server."`
	Validate ValidateCmd `cmd:"" help:"Validate protocol files."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to server config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:""`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or colored)." default:""`
}

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Host       string `help:"Listen host."`
	Port       int    `help:"Listen port." default:"0"`
	ConfigsDir string `name:"configs-dir" help:"Directory of protocol YAML files."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.ConfigsDir != "" {
		cfg.Protocols.Dir = c.ConfigsDir
	}

	cleanup, err := initLogger(cli, cfg)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	protocols := protocol.NewRegistry()
	if err := protocols.LoadDir(cfg.Protocols.Dir); err != nil {
		return fmt.Errorf("failed to load protocols: %w", err)
	}
	if len(protocols.IDs()) == 0 {
		slog.Warn("No protocols loaded", "dir", cfg.Protocols.Dir)
	}

	tools := tool.NewRegistry()
	tool.RegisterBuiltins(tools)

	manager := engine.NewManager(cfg, protocols, tools)
	defer func() {
		if err := manager.Close(context.Background()); err != nil {
			slog.Warn("Failed to close checkpoint stores", "error", err)
		}
	}()

	srv := server.New(cfg.Server, manager)

	fmt.Printf("\nKaFlow server ready\n")
	fmt.Printf("   API:     http://%s:%d/api/configs\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("   Health:  http://%s:%d/health\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("   Workflows:\n")
	for _, id := range protocols.IDs() {
		fmt.Printf("     - %s\n", id)
	}
	fmt.Println("\nPress Ctrl+C to stop")

	return srv.Start(ctx)
}

// ValidateCmd parses and validates one or more protocol files.
type ValidateCmd struct {
	Files []string `arg:"" help:"Protocol YAML files to validate." type:"path"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	failed := 0
	for _, path := range c.Files {
		p, err := protocol.ParseFile(path)
		if err == nil {
			err = p.Validate()
		}
		if err != nil {
			failed++
			fmt.Printf("✗ %s\n  %v\n", path, err)
			continue
		}
		fmt.Printf("✓ %s (%s %s, %d nodes)\n",
			path, p.Meta.Name, p.Meta.Version, len(p.Workflow.Nodes))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed validation", failed, len(c.Files))
	}
	return nil
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	info := version.Get()
	fmt.Printf("kaflow %s (commit %s, built %s, %s)\n",
		info.Version, info.GitCommit, info.BuildDate, info.GoVersion)
	return nil
}

func loadConfig(cli *CLI) (*config.Config, error) {
	if cli.Config == "" {
		return config.Default(), nil
	}
	cfg, err := config.LoadFile(cli.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// initLogger applies CLI overrides on top of the config file's logging
// settings and installs the default slog logger.
func initLogger(cli *CLI, cfg *config.Config) (func(), error) {
	levelStr := cfg.Logging.Level
	if cli.LogLevel != "" {
		levelStr = cli.LogLevel
	}
	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		return nil, err
	}

	format := cfg.Logging.Format
	if cli.LogFormat != "" {
		format = cli.LogFormat
	}

	logPath := cfg.Logging.File
	if cli.LogFile != "" {
		logPath = cli.LogFile
	}

	output := os.Stderr
	var cleanup func()
	if logPath != "" {
		file, closeFn, err := logger.OpenLogFile(logPath)
		if err != nil {
			return nil, err
		}
		output = file
		cleanup = closeFn
	}

	logger.Init(level, output, format)
	return cleanup, nil
}

func main() {
	config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("kaflow"),
		kong.Description("KaFlow - declarative YAML agent workflow engine"),
		kong.UsageOnError(),
	)

	// Commands other than serve still need a logger; serve installs its
	// own after merging config file settings.
	if ctx.Command() != "serve" {
		logger.Init(slogLevelOrInfo(cli.LogLevel), os.Stderr, cli.LogFormat)
	}

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}

func slogLevelOrInfo(levelStr string) (level slog.Level) {
	level = slog.LevelInfo
	if levelStr != "" {
		if parsed, err := logger.ParseLevel(levelStr); err == nil {
			level = parsed
		}
	}
	return level
}
