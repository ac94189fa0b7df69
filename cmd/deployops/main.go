// Command deployops is the reference assembly of the framework: it wires a
// registry, an execution state store and the CLI commands into one binary.
// Deployment domains typically build their own binary the same way,
// registering their operations before calling Execute.
package main

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/deployops/deployops-framework/datastore"
	"github.com/deployops/deployops-framework/engine"
	"github.com/deployops/deployops-framework/operations"
	"github.com/deployops/deployops-framework/pkg/commands"
	"github.com/deployops/deployops-framework/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run() error {
	lggr, err := logger.New()
	if err != nil {
		return err
	}
	defer func() { _ = lggr.Sync() }()

	root := &cobra.Command{
		Use:           "deployops",
		Short:         "Orchestrate ordered deployment-time operations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Config has to be resolved before the store is constructed, so the
	// file path comes from the environment rather than a flag.
	cfg, err := engine.LoadConfig(os.Getenv("DEPLOYOPS_CONFIG"))
	if err != nil {
		return err
	}

	registry := operations.NewRegistry()

	var (
		store     datastore.Store
		lockStore engine.LockStore
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()
		store = datastore.NewSQLStore(db)
		lockStore = engine.NewSQLLockStore(db)
	} else {
		store = datastore.NewMemoryStore()
		lockStore = engine.NewMemoryLockStore()
	}

	cmds := commands.New(commands.Config{
		Logger:    lggr,
		Registry:  registry,
		Store:     store,
		LockStore: lockStore,
		Engine:    &cfg,
	})
	root.AddCommand(cmds.Process(), cmds.Status())

	return root.Execute()
}
