package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"

	"github.com/JakeFAU/stagecrawl/internal/config"
	"github.com/JakeFAU/stagecrawl/internal/crawler"
	"github.com/JakeFAU/stagecrawl/internal/server"
	"github.com/JakeFAU/stagecrawl/internal/taskdef"
)

// CLI is the kong command tree.
type CLI struct {
	Config string `help:"Path to the YAML config file. Environment variables prefixed STAGECRAWL_ override it." short:"c" type:"path"`

	Serve ServeCmd `cmd:"" help:"Run the HTTP API and the worker pool."`
	Run   RunCmd   `cmd:"" help:"Execute one task synchronously and print the run summary as JSON."`
}

// Dependencies are bound into every command's Run method.
type Dependencies struct {
	Ctx        context.Context
	Stdout     io.Writer
	Stderr     io.Writer
	ConfigPath string
}

// Main represents the program.
type Main struct{}

// NewMain returns a new instance of Main.
func NewMain() *Main {
	return &Main{}
}

// Run executes the CLI with the given arguments.
func (m *Main) Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	deps := &Dependencies{Ctx: ctx, Stdout: stdout, Stderr: stderr}
	cli := &CLI{}
	parser, err := kong.New(cli,
		kong.Name("stagecrawl"),
		kong.Description("Two-stage crawler: markdown cleaning plus LLM structured extraction."),
		kong.Writers(stdout, stderr),
		kong.Exit(func(int) {}),
		kong.Bind(deps),
	)
	if err != nil {
		return fmt.Errorf("failed to create parser: %w", err)
	}

	if len(args) == 0 {
		_, _ = parser.Parse([]string{"--help"})
		return fmt.Errorf("no command specified. Run 'stagecrawl --help' to see available commands")
	}
	if args[0] == "help" || args[0] == "--help" || args[0] == "-h" {
		_, _ = parser.Parse([]string{"--help"})
		return nil
	}

	kongCtx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	deps.ConfigPath = cli.Config
	return kongCtx.Run()
}

// ServeCmd runs the long-lived service.
type ServeCmd struct{}

// Run builds the application and blocks until shutdown.
func (c *ServeCmd) Run(deps *Dependencies) error {
	cfg, err := config.Load(deps.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	app, err := server.Build(deps.Ctx, cfg)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	return app.Run(deps.Ctx)
}

// RunCmd executes a single task file.
type RunCmd struct {
	Task string `arg:"" help:"Task definition file (.yaml, .yml or .json)." type:"existingfile"`
}

// Run executes the task in process and prints the finished run.
func (c *RunCmd) Run(deps *Dependencies) error {
	cfg, err := config.Load(deps.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	data, err := os.ReadFile(c.Task)
	if err != nil {
		return fmt.Errorf("read task: %w", err)
	}
	task, err := taskdef.Parse(data, taskdef.FormatFromPath(c.Task))
	if err != nil {
		return fmt.Errorf("parse task %s: %w", c.Task, err)
	}

	app, err := server.Build(deps.Ctx, cfg)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() { _ = app.Close(context.WithoutCancel(deps.Ctx)) }()

	run, err := app.RunTask(deps.Ctx, task)
	if err != nil {
		return fmt.Errorf("run task: %w", err)
	}
	out, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	if _, err := fmt.Fprintln(deps.Stdout, string(out)); err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	if run.Status == crawler.RunStatusFailed {
		return fmt.Errorf("run %s failed", run.ID)
	}
	return nil
}
