package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleksandrSl/client/internal/action"
	"github.com/AleksandrSl/client/internal/oplog"
)

// InspectEntry is one log entry in inspect output.
type InspectEntry struct {
	ID      string         `json:"id"`
	Added   uint64         `json:"added"`
	Time    int64          `json:"time"`
	Type    string         `json:"type"`
	Fields  map[string]any `json:"fields,omitempty"`
	Reasons []string       `json:"reasons,omitempty"`
	Indexes []string       `json:"indexes,omitempty"`
	Sync    bool           `json:"sync,omitempty"`
}

// InspectResult holds inspect output.
type InspectResult struct {
	Entries []InspectEntry `json:"entries"`
	Count   int            `json:"count"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	var dbPath, driver, index string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Dump log entries, newest first",
		Long: `Dump the entries of a persisted action log, newest first.

With --index only entries carrying that index tag are shown, e.g.
--index users/38 for one record's history.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(rootOpts, cmd, dbPath, driver, index)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "path to the log database (required)")
	cmd.Flags().StringVar(&driver, "driver", "sqlite", "log database driver (sqlite|bolt)")
	cmd.Flags().StringVar(&index, "index", "", "only entries carrying this index tag")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runInspect(opts *RootOptions, cmd *cobra.Command, dbPath, driver, index string) error {
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
	result := &InspectResult{}
	err = st.Each(ctx, oplog.EachOptions{Index: index}, func(a action.Action, meta *action.Meta) (bool, error) {
		result.Entries = append(result.Entries, InspectEntry{
			ID:      string(meta.ID),
			Added:   meta.Added,
			Time:    meta.Time,
			Type:    a.Type,
			Fields:  a.Fields,
			Reasons: meta.Reasons,
			Indexes: meta.Indexes,
			Sync:    meta.Sync,
		})
		return true, nil
	})
	if err != nil {
		_ = formatter.Error(ErrCodeStoreRead, err.Error(), nil)
		return WrapExitError(ExitCommandError, "read log", err)
	}
	result.Count = len(result.Entries)

	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	if result.Count == 0 {
		fmt.Fprintln(formatter.Writer, "log is empty")
		return nil
	}
	for _, e := range result.Entries {
		fmt.Fprintf(formatter.Writer, "#%d %s %s", e.Added, e.ID, e.Type)
		if e.Sync {
			fmt.Fprint(formatter.Writer, " sync")
		}
		fmt.Fprintln(formatter.Writer)
		if len(e.Fields) > 0 {
			fields, err := action.MarshalFields(e.Fields)
			if err != nil {
				return WrapExitError(ExitCommandError, "render fields", err)
			}
			fmt.Fprintf(formatter.Writer, "  fields  %s\n", fields)
		}
		if len(e.Reasons) > 0 {
			fmt.Fprintf(formatter.Writer, "  reasons %s\n", strings.Join(e.Reasons, " "))
		}
		if len(e.Indexes) > 0 {
			fmt.Fprintf(formatter.Writer, "  indexes %s\n", strings.Join(e.Indexes, " "))
		}
	}
	fmt.Fprintf(formatter.Writer, "%d entries\n", result.Count)
	return nil
}
