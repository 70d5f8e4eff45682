package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"battlelog/internal/clash"
	"battlelog/internal/pipeline"
)

var errTokenRejected = errors.New("API token was rejected")

// newPipeline builds a pipeline; withMirrors also connects the configured
// database mirrors.
func (a *app) newPipeline(ctx context.Context, withMirrors bool) (*pipeline.Pipeline, error) {
	opts := []pipeline.Option{pipeline.WithLogger(a.log)}
	if withMirrors {
		canonical := filepath.Join(a.cfg.DataDir, a.cfg.CanonicalName)
		pubs, err := pipeline.OpenPublishers(ctx, a.cfg.Publish, canonical)
		if err != nil {
			return nil, err
		}
		opts = append(opts, pipeline.WithPublishers(pubs...))
	}
	return pipeline.New(a.cfg, opts...)
}

func newCollectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "collect",
		Short: "Fetch the battle log and store it as a new snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.newPipeline(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer p.Close()

			res, err := p.Collect(cmd.Context())
			if err != nil {
				return err
			}
			printCollect(cmd.OutOrStdout(), res)
			return nil
		},
	}
}

func newReduceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reduce",
		Short: "Consolidate every snapshot into the canonical table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.newPipeline(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer p.Close()

			res, err := p.Reduce(cmd.Context())
			printReduce(cmd.OutOrStdout(), res)
			return err
		},
	}
}

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Collect a snapshot, then reduce",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.newPipeline(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer p.Close()

			collected, reduced, err := p.Run(cmd.Context())
			printCollect(cmd.OutOrStdout(), collected)
			printReduce(cmd.OutOrStdout(), reduced)
			return err
		},
	}
}

func newValidateTokenCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-token",
		Short: "Check that the configured API token is accepted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := clash.NewTokenValidator(
				clash.WithValidatorBaseURL(a.cfg.APIBaseURL),
				clash.WithValidatorTimeout(a.cfg.HTTPTimeout),
			)
			valid, err := v.ValidateToken(cmd.Context(), a.cfg.APIToken)
			if err != nil {
				return err
			}
			if !valid {
				return errTokenRejected
			}
			fmt.Fprintln(cmd.OutOrStdout(), "API token is valid")
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the battlelog version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "battlelog", version)
		},
	}
}

func printCollect(w io.Writer, res *pipeline.CollectResult) {
	if res == nil {
		return
	}
	if res.Path == "" {
		fmt.Fprintln(w, "No battles returned")
		return
	}
	fmt.Fprintf(w, "Stored %d battles (%d rows) in %s\n", res.Battles, res.Rows, res.Path)
}

func printReduce(w io.Writer, res *pipeline.ReduceResult) {
	if res == nil {
		return
	}
	s := res.Stats
	fmt.Fprintf(w, "Consolidated %d inputs: %d rows in, %d exact and %d merged duplicates, %d rows out\n",
		len(res.Inputs), s.RowsIn, s.ExactDuplicates, s.MergedDuplicates, s.RowsOut)
	fmt.Fprintf(w, "Canonical table: %s\n", res.Canonical)
	for target, rows := range res.Published {
		fmt.Fprintf(w, "Published %d rows to %s\n", rows, target)
	}
	if len(res.Archived) > 0 {
		fmt.Fprintf(w, "Archived %d snapshots\n", len(res.Archived))
	}
}
