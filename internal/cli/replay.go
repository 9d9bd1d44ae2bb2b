package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/AleksandrSl/client/internal/action"
	"github.com/AleksandrSl/client/internal/oplog"
	"github.com/AleksandrSl/client/internal/schema"
	"github.com/AleksandrSl/client/internal/syncmap"
	"github.com/AleksandrSl/client/internal/track"
)

// ReplayResult holds the state rebuilt from the log for one record.
type ReplayResult struct {
	Plural string         `json:"plural"`
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`

	// UnknownFields lists replayed fields the schema does not allow.
	// Only set when replay runs with --schema.
	UnknownFields []string `json:"unknownFields,omitempty"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	var dbPath, driver, schemaPath string

	cmd := &cobra.Command{
		Use:   "replay <plural> <id>",
		Short: "Rebuild a record's fields from the log alone",
		Long: `Rebuild the current fields of one record by replaying its history
from the persisted log, the same way an offline map type loads. A record
whose history starts with a delete, or that has no history, reports not
found.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(rootOpts, cmd, dbPath, driver, schemaPath, args[0], args[1])
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "path to the log database (required)")
	cmd.Flags().StringVar(&driver, "driver", "sqlite", "log database driver (sqlite|bolt)")
	cmd.Flags().StringVar(&schemaPath, "schema", "", "CUE definitions to check replayed fields against")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runReplay(opts *RootOptions, cmd *cobra.Command, dbPath, driver, schemaPath, plural, id string) error {
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
	gen := action.NewGenerator(action.GenerateNodeID("ctl"))
	lg := oplog.New(st, gen)
	client := syncmap.NewClient(lg)
	defer client.Close()

	registry := syncmap.NewRegistry(client)
	if _, err := registry.Define(syncmap.MapType{Plural: plural, Offline: true}); err != nil {
		return WrapExitError(ExitCommandError, "define map type", err)
	}

	formatter.VerboseLog("replaying %s/%s from %s", plural, id, dbPath)
	m, err := registry.Instantiate(ctx, plural, id)
	if err != nil {
		return WrapExitError(ExitCommandError, "instantiate record", err)
	}
	defer m.Release(ctx)

	if err := m.Loading(ctx); err != nil {
		if track.IsNotFound(err) {
			_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("record %s/%s not found in log", plural, id), nil)
			return NewExitError(ExitFailure, "record not found")
		}
		_ = formatter.Error(ErrCodeStoreRead, err.Error(), nil)
		return WrapExitError(ExitCommandError, "replay record", err)
	}

	result := &ReplayResult{Plural: plural, ID: id, Fields: m.Fields()}

	if schemaPath != "" {
		unknown, err := checkFields(schemaPath, plural, result.Fields)
		if err != nil {
			_ = formatter.Error(ErrCodeBadSchema, err.Error(), nil)
			return WrapExitError(ExitCommandError, "load schema", err)
		}
		result.UnknownFields = unknown
		for _, name := range unknown {
			fmt.Fprintf(formatter.ErrWriter, "warning: field %q is not allowed by the %s schema\n", name, plural)
		}
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fields, err := action.MarshalFields(result.Fields)
	if err != nil {
		return WrapExitError(ExitCommandError, "render fields", err)
	}
	fmt.Fprintf(formatter.Writer, "%s/%s\n%s\n", plural, id, fields)
	return nil
}

// checkFields loads the definition for plural and returns the replayed
// field names the schema does not allow, sorted.
func checkFields(schemaPath, plural string, fields map[string]any) ([]string, error) {
	loaded, errs := schema.LoadFiles([]string{schemaPath}, schema.LoadModeFailFast)
	if len(errs) > 0 {
		return nil, errs[0]
	}

	var def *schema.Def
	for i := range loaded.Defs {
		if loaded.Defs[i].Plural == plural {
			def = &loaded.Defs[i]
			break
		}
	}
	if def == nil {
		return nil, fmt.Errorf("%s: no definition for %q", schemaPath, plural)
	}

	var unknown []string
	for name := range fields {
		if !def.Allows(name) {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}
