package main

import (
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"slug/internal/config"
	"slug/internal/hierarchy"
	"slug/internal/logging"
	"slug/internal/pipeline"
)

type globalFlags struct {
	config   string
	data     string
	logLevel string
	json     bool
}

type commandContext struct {
	flags *globalFlags

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(flags *globalFlags) *commandContext {
	return &commandContext{flags: flags}
}

// ensureConfig loads the configuration once, applying --data and any --mode
// or --port flag the running command defines and the user set.
func (c *commandContext) ensureConfig(cmd *cobra.Command) (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, _, _, err := config.LoadWithOverrides(strings.TrimSpace(c.flags.config), c.overrides(cmd))
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) overrides(cmd *cobra.Command) config.Overrides {
	o := config.Overrides{DataDir: c.flags.data}
	if cmd == nil {
		return o
	}
	if f := cmd.Flags().Lookup("mode"); f != nil && f.Changed {
		o.Mode = f.Value.String()
	}
	if cmd.Flags().Changed("port") {
		if port, err := cmd.Flags().GetInt("port"); err == nil {
			o.Port = &port
		}
	}
	return o
}

// logger returns a stderr logger for one-shot commands. It stays quiet below
// warn unless --log-level says otherwise.
func (c *commandContext) logger() *slog.Logger {
	level := strings.TrimSpace(c.flags.logLevel)
	if level == "" {
		level = "warn"
	}
	format := "console"
	if c.config != nil && c.config.Logging.Format == "json" {
		format = "json"
	}
	logger, err := logging.New(logging.Options{Level: level, Format: format, OutputPaths: []string{"stderr"}})
	if err != nil {
		return logging.NewNop()
	}
	return logger
}

// pipeline builds the resolver, registry and pipeline used by direct commands.
func (c *commandContext) pipeline(cmd *cobra.Command) (*hierarchy.Resolver, *pipeline.Pipeline, error) {
	cfg, err := c.ensureConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger := c.logger()
	resolver, err := hierarchy.NewResolver(cfg, logger, nil)
	if err != nil {
		return nil, nil, err
	}
	registry, err := pipeline.NewRegistry(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	pipe, err := pipeline.New(cfg, registry, resolver, logger)
	if err != nil {
		return nil, nil, err
	}
	return resolver, pipe, nil
}

// wantJSON reports whether output should be JSON: --json was given or stdout
// is not an interactive terminal.
func (c *commandContext) wantJSON(cmd *cobra.Command) bool {
	if c.flags.json {
		return true
	}
	f, ok := cmd.OutOrStdout().(*os.File)
	if !ok {
		return true
	}
	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
