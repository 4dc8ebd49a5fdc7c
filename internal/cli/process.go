package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kkkkikiki/giftcard/internal/service"
)

// NewProcessCommand creates the process command.
func NewProcessCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "process <program> <record-id>...",
		Short: "Reward the given records under a program",
		Long: `Process re-checks each record's eligibility and reserves a gift card for the
eligible ones, emailing the participant as the program is configured to.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(cmd, rootOpts, args[0], args[1:])
		},
	}
}

func runProcess(cmd *cobra.Command, opts *RootOptions, title string, recordIDs []string) error {
	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	program, err := a.Engine.Program(title)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid arguments", err)
	}

	results := a.Coordinator.ProcessBatch(cmd.Context(), program, recordIDs)
	failed := 0
	for _, r := range results {
		if r.Result != nil && !r.Result.Success {
			failed++
		}
	}

	err = output{opts.Format, cmd.OutOrStdout()}.emit(results, func(w io.Writer) {
		for _, r := range results {
			printRecordResult(w, r)
		}
	})
	if err != nil {
		return err
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d records need attention", failed))
	}
	return nil
}

func printRecordResult(w io.Writer, r service.RecordResult) {
	if r.Result == nil {
		fmt.Fprintf(w, "record %s: %s\n", r.RecordID, r.Eligibility)
		return
	}
	fmt.Fprintf(w, "record %s: %s: %s\n", r.RecordID, r.Result.Outcome, r.Result.Message)
}
