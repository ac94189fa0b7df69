package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/deployops/deployops-framework/datastore"
	"github.com/deployops/deployops-framework/operations"
)

// statusEntry is one row of the status view.
type statusEntry struct {
	Record datastore.ExecutionRecord `yaml:"record"`
	Errors []datastore.ErrorRecord   `yaml:"errors,omitempty"`
}

// NewStatusCommand creates the status command: it surfaces recorded
// execution state for post-mortem inspection, including error detail for
// failed operations.
func NewStatusCommand(cfg Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "status",
		Short:        "Show recorded operation execution state",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pending, _ := cmd.Flags().GetBool("pending")
			failed, _ := cmd.Flags().GetBool("failed")

			if pending {
				return printPending(cmd, cfg)
			}

			return printRecords(cmd, cfg, failed)
		},
	}

	cmd.Flags().Bool("pending", false, "Show operations that have not completed yet")
	cmd.Flags().Bool("failed", false, "Show failed operations with recorded error detail")

	return cmd
}

func printPending(cmd *cobra.Command, cfg Config) error {
	repo := operations.NewRepository(cfg.Registry, cfg.Store)
	descs, err := repo.ListPending(cmd.Context(), false)
	if err != nil {
		return err
	}

	identities := make([]string, 0, len(descs))
	for _, d := range descs {
		identities = append(identities, d.Identity())
	}

	return writeYAML(cmd, map[string]any{"pending": identities})
}

func printRecords(cmd *cobra.Command, cfg Config, failedOnly bool) error {
	recs, err := cfg.Store.List(cmd.Context())
	if err != nil {
		return err
	}

	entries := make([]statusEntry, 0, len(recs))
	for _, rec := range recs {
		if failedOnly && rec.State != datastore.StateFailed {
			continue
		}
		entry := statusEntry{Record: rec}
		if rec.State == datastore.StateFailed {
			if entry.Errors, err = cfg.Store.ListErrors(cmd.Context(), rec.ID); err != nil {
				return err
			}
		}
		entries = append(entries, entry)
	}

	return writeYAML(cmd, map[string]any{"records": entries})
}

func writeYAML(cmd *cobra.Command, v any) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal status output: %w", err)
	}
	cmd.Print(string(out))

	return nil
}
