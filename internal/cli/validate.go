package cli

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleksandrSl/client/internal/schema"
)

// ValidationIssue is one definition error in validate output.
type ValidationIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Types  []string          `json:"types,omitempty"`
	Errors []ValidationIssue `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <definitions.cue...>",
		Short: "Validate map type definitions",
		Long: `Compile CUE map type definitions and report errors.

Each file contributes the definitions under its top-level mapType
struct: the record type name, remote/offline flags, and an optional
fields block constraining field names and types.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, cmd, args)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, cmd *cobra.Command, files []string) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	formatter.VerboseLog("validating %d file(s)", len(files))
	result, loadErrors := schema.LoadFiles(files, schema.LoadModeCollectAll)

	vr := &ValidationResult{Valid: len(loadErrors) == 0}
	if result != nil {
		for _, def := range result.Defs {
			vr.Types = append(vr.Types, def.Plural)
		}
		sort.Strings(vr.Types)
	}
	for _, err := range loadErrors {
		vr.Errors = append(vr.Errors, validationIssue(err))
	}

	if vr.Valid {
		if formatter.Format == "json" {
			return formatter.Success(vr)
		}
		fmt.Fprintf(formatter.Writer, "✓ %d map type(s) valid: %s\n",
			len(vr.Types), strings.Join(vr.Types, ", "))
		return nil
	}

	if formatter.Format == "json" {
		if err := formatter.Error(vr.Errors[0].Code, vr.Errors[0].Message, vr); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(vr.Errors)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, issue := range vr.Errors {
		if issue.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", issue.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", issue.Code, issue.Message)
	}
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(vr.Errors)))
}

// validationIssue converts a loader error to an output issue.
func validationIssue(err error) ValidationIssue {
	var compileErr *schema.CompileError
	if errors.As(err, &compileErr) {
		issue := ValidationIssue{
			Code:    ErrCodeBadSchema,
			Message: fmt.Sprintf("%s: %s", compileErr.Field, compileErr.Message),
		}
		if compileErr.Pos.IsValid() {
			issue.Line = compileErr.Pos.Line()
		}
		return issue
	}
	return ValidationIssue{Code: ErrCodeGeneric, Message: err.Error()}
}
