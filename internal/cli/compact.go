package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleksandrSl/client/internal/action"
	"github.com/AleksandrSl/client/internal/oplog"
)

// CompactResult holds compact output.
type CompactResult struct {
	Scanned int `json:"scanned"`
	Removed int `json:"removed"`
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	var dbPath, driver string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Drop entries that carry no retention reasons",
		Long: `Remove log entries whose reason list is empty.

The engine never stores such entries itself, so they only appear in
databases written by other tools or damaged by partial writes. Use
--dry-run to count them without deleting.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompact(rootOpts, cmd, dbPath, driver, dryRun)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "path to the log database (required)")
	cmd.Flags().StringVar(&driver, "driver", "sqlite", "log database driver (sqlite|bolt)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be removed without deleting")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runCompact(opts *RootOptions, cmd *cobra.Command, dbPath, driver string, dryRun bool) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	st, err := openStore(driver, dbPath)
	if err != nil {
		_ = formatter.Error(ErrCodeStoreOpen, err.Error(), nil)
		return WrapExitError(ExitCommandError, "open log database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	result := &CompactResult{}
	var stale []action.ID
	err = st.Each(ctx, oplog.EachOptions{}, func(a action.Action, meta *action.Meta) (bool, error) {
		result.Scanned++
		if len(meta.Reasons) == 0 {
			stale = append(stale, meta.ID)
		}
		return true, nil
	})
	if err != nil {
		_ = formatter.Error(ErrCodeStoreRead, err.Error(), nil)
		return WrapExitError(ExitCommandError, "read log", err)
	}

	for _, id := range stale {
		formatter.VerboseLog("removing %s", id)
		if dryRun {
			result.Removed++
			continue
		}
		if _, err := st.Remove(ctx, id); err != nil {
			_ = formatter.Error(ErrCodeStoreWrite, err.Error(), nil)
			return WrapExitError(ExitCommandError, "remove entry", err)
		}
		result.Removed++
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	verb := "removed"
	if dryRun {
		verb = "would remove"
	}
	fmt.Fprintf(formatter.Writer, "scanned %d entries, %s %d\n", result.Scanned, verb, result.Removed)
	return nil
}
