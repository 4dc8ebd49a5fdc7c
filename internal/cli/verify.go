package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kkkkikiki/giftcard/internal/model"
	"github.com/kkkkikiki/giftcard/internal/service"
)

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [program...]",
		Short: "Check program logic, inventory and the pool lock",
		Long: `Verify evaluates each program's logic against a sample record, counts matching
gift cards and takes the pool lock once. Nothing is written. All programs are
checked when none are named.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, rootOpts, args)
		},
	}
}

// selectPrograms resolves titles, or every program when titles is empty
func selectPrograms(engine *service.RewardEngine, titles []string) ([]*model.RewardProgram, error) {
	catalog := engine.Catalog()
	if len(titles) == 0 {
		programs := make([]*model.RewardProgram, 0, len(catalog.Programs))
		for i := range catalog.Programs {
			programs = append(programs, &catalog.Programs[i])
		}
		return programs, nil
	}
	programs := make([]*model.RewardProgram, 0, len(titles))
	for _, title := range titles {
		p, err := engine.Program(title)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid arguments", err)
		}
		programs = append(programs, p)
	}
	return programs, nil
}

func runVerify(cmd *cobra.Command, opts *RootOptions, titles []string) error {
	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	programs, err := selectPrograms(a.Engine, titles)
	if err != nil {
		return err
	}

	reports := make([]service.VerifyReport, 0, len(programs))
	failed := 0
	for _, p := range programs {
		report := a.Engine.VerifyProgram(cmd.Context(), p)
		if !report.OK {
			failed++
		}
		reports = append(reports, report)
	}

	err = output{opts.Format, cmd.OutOrStdout()}.emit(reports, func(w io.Writer) {
		for _, r := range reports {
			status := "ok"
			if !r.OK {
				status = "FAILED"
			}
			fmt.Fprintf(w, "%s: %s (sample record %q %s, %d available)\n", r.Program, status, r.SampleRecord, r.Eligibility, r.Available)
			for _, problem := range r.Problems {
				fmt.Fprintf(w, "  - %s\n", problem)
			}
		}
	})
	if err != nil {
		return err
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d programs failed verification", failed, len(reports)))
	}
	return nil
}
