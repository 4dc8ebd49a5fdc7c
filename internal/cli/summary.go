package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/kkkkikiki/giftcard/internal/model"
)

// NewSummaryCommand creates the summary command.
func NewSummaryCommand(rootOpts *RootOptions) *cobra.Command {
	var send bool
	cmd := &cobra.Command{
		Use:   "summary [program...]",
		Short: "Print the daily gift card summary",
		Long: `Summary prints yesterday's sends and claims and the library balance per program.
With --send the daily summary email is sent to the pool alert address instead, covering
every program that has not opted out.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSummary(cmd, rootOpts, args, send)
		},
	}
	cmd.Flags().BoolVar(&send, "send", false, "email the daily summary instead of printing it")
	return cmd
}

func runSummary(cmd *cobra.Command, opts *RootOptions, titles []string, send bool) error {
	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	out := output{opts.Format, cmd.OutOrStdout()}
	if send {
		if len(titles) > 0 {
			return NewExitError(ExitCommandError, "--send always covers every program; do not name programs")
		}
		if err := a.Engine.SendDailySummary(cmd.Context()); err != nil {
			return WrapExitError(ExitFailure, "summary email failed", err)
		}
		return out.emit(map[string]bool{"sent": true}, func(w io.Writer) {
			fmt.Fprintf(w, "daily summary sent to %s\n", a.Catalog.Pool.AlertEmail)
		})
	}

	programs, err := selectPrograms(a.Engine, titles)
	if err != nil {
		return err
	}
	summaries := make([]model.Summary, 0, len(programs))
	for _, p := range programs {
		summaries = append(summaries, a.Engine.RetrieveSummary(cmd.Context(), p))
	}

	return out.emit(summaries, func(w io.Writer) {
		for _, s := range summaries {
			fmt.Fprintf(w, "%s\n", s.Program)
			fmt.Fprintf(w, "  sent yesterday:            %d\n", s.SentYesterday)
			fmt.Fprintf(w, "  claimed yesterday:         %d\n", s.ClaimedYesterday)
			fmt.Fprintf(w, "  unclaimed over 7 days:     %d\n", s.UnclaimedOverWeek)
			fmt.Fprintf(w, "  unclaimed within 7 days:   %d\n", s.UnclaimedInWeek)
			fmt.Fprintf(w, "  not ready:                 %d\n", s.NotReady)
			fmt.Fprintf(w, "  awarded:                   %d\n", s.Awarded)
			fmt.Fprintf(w, "  claimed:                   %d\n", s.Claimed)
			fmt.Fprintf(w, "  available:                 %d\n", s.Available)
			brands := make([]string, 0, len(s.AvailableByBrand))
			for b := range s.AvailableByBrand {
				brands = append(brands, b)
			}
			sort.Strings(brands)
			for _, b := range brands {
				fmt.Fprintf(w, "    %s: %d\n", b, s.AvailableByBrand[b])
			}
		}
	})
}
