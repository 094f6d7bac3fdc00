// Package cli implements the stockcountctl operator commands.
package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/stockcount/jobs"
)

// ErrStuckPostsFound is returned by stuck-posts when at least one count is stuck.
var ErrStuckPostsFound = errors.New("stuck posts found")

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string
}

// Deps opens the backends commands talk to. Each opener returns a close func.
type Deps struct {
	OpenStore func(ctx context.Context) (jobs.StuckPostLister, func(), error)
	OpenQueue func() (Queue, error)
}

// NewRootCommand creates the root command.
func NewRootCommand(deps Deps) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "stockcountctl",
		Short: "Operator tooling for the stock count service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewJobsCommand(opts, deps))
	cmd.AddCommand(NewStuckPostsCommand(opts, deps))
	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
