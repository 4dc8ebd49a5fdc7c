package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kkkkikiki/giftcard/internal/service"
)

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep [program]",
		Short: "Reward every eligible record that has no gift card yet",
		Long: `Sweep evaluates all records without a linked reward and processes the eligible
ones. Without a program it sweeps every cron-enabled program, like the daily job.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, rootOpts, args)
		},
	}
}

func runSweep(cmd *cobra.Command, opts *RootOptions, args []string) error {
	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	var reports []service.SweepReport
	var sweepErr error
	if len(args) == 1 {
		program, err := a.Engine.Program(args[0])
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid arguments", err)
		}
		report, err := a.Coordinator.Sweep(cmd.Context(), program)
		reports, sweepErr = []service.SweepReport{report}, err
	} else {
		reports, sweepErr = a.Coordinator.SweepAll(cmd.Context())
	}

	failed := 0
	for _, r := range reports {
		failed += r.Failed
	}

	err = output{opts.Format, cmd.OutOrStdout()}.emit(reports, func(w io.Writer) {
		if len(reports) == 0 {
			fmt.Fprintln(w, "no cron-enabled programs")
		}
		for _, r := range reports {
			fmt.Fprintf(w, "%s: evaluated %d, eligible %d, reserved %d, failed %d\n",
				r.Program, r.Evaluated, r.Eligible, r.Reserved, r.Failed)
			for _, rr := range r.Results {
				if rr.Result != nil && rr.Result.Outcome != service.OutcomeReserved {
					fmt.Fprint(w, "  ")
					printRecordResult(w, rr)
				}
			}
		}
	})
	if err != nil {
		return err
	}
	if sweepErr != nil {
		return WrapExitError(ExitFailure, "sweep failed", sweepErr)
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d records need attention", failed))
	}
	return nil
}
