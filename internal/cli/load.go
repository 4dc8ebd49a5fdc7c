package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kkkkikiki/giftcard/internal/service"
)

// LoadResult is the outcome of a gift card load
type LoadResult struct {
	Pool    string `json:"pool"`
	Created int    `json:"created"`
}

// NewLoadCommand creates the load command.
func NewLoadCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "load <cards.csv>",
		Short: "Load gift cards into the pool from CSV",
		Long: `Load gift cards from a CSV file with a header row. Recognized columns are
egift_number and amount (required), brand, challenge_code, url and not_ready.
Use "-" to read from stdin. The load is all or nothing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(cmd, rootOpts, args[0])
		},
	}
}

func runLoad(cmd *cobra.Command, opts *RootOptions, path string) error {
	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open card file", err)
		}
		defer f.Close()
		r = f
	}

	cards, err := service.ParseRewardsCSV(r)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid card file", err)
	}

	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	created, err := a.Engine.LoadRewards(cmd.Context(), cards)
	if err != nil {
		return WrapExitError(ExitFailure, "load failed", err)
	}

	result := LoadResult{Pool: a.Catalog.Pool.ID, Created: created}
	return output{opts.Format, cmd.OutOrStdout()}.emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "loaded %d gift cards into pool %s\n", result.Created, result.Pool)
	})
}
