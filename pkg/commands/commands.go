// Package commands provides the CLI commands for driving deployment
// operations. Domain binaries embed them:
//
//	cmds := commands.New(commands.Config{
//	    Logger:   lggr,
//	    Registry: registry,
//	    Store:    store,
//	})
//	root.AddCommand(cmds.Process(), cmds.Status())
package commands

import (
	"github.com/spf13/cobra"

	"github.com/deployops/deployops-framework/datastore"
	"github.com/deployops/deployops-framework/engine"
	"github.com/deployops/deployops-framework/operations"
	"github.com/deployops/deployops-framework/pkg/logger"
)

// Config holds the shared dependencies for all commands.
type Config struct {
	Logger   logger.Logger
	Registry *operations.Registry
	Store    datastore.Store

	// LockStore backs --isolate. When nil, an in-process store is used,
	// which only guards against concurrent runs inside one process.
	LockStore engine.LockStore

	// Engine holds the engine defaults; zero value falls back to
	// engine.DefaultConfig().
	Engine *engine.Config
}

func (c Config) engineConfig() engine.Config {
	if c.Engine != nil {
		return *c.Engine
	}

	return engine.DefaultConfig()
}

func (c Config) engineOptions() []engine.Option {
	var opts []engine.Option
	if c.LockStore != nil {
		opts = append(opts, engine.WithLockStore(c.LockStore))
	}

	return opts
}

// Commands is a factory for CLI commands with shared configuration.
type Commands struct {
	cfg Config
}

// New creates a new Commands factory.
func New(cfg Config) *Commands {
	return &Commands{cfg: cfg}
}

// Process returns the process command.
func (c *Commands) Process() *cobra.Command {
	return NewProcessCommand(c.cfg)
}

// Status returns the status command.
func (c *Commands) Status() *cobra.Command {
	return NewStatusCommand(c.cfg)
}
