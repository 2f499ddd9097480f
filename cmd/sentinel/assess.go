package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/sentinel/internal/errs"
	"github.com/mohammad-safakhou/sentinel/internal/runner"
)

func assessCMD() *cobra.Command {
	var (
		vendor  string
		out     string
		force   bool
		retries int
	)
	cmd := &cobra.Command{
		Use:   "assess <query>",
		Short: "Assess an application by name or URL and print the assessment JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := buildApp(ctx, configPath(cmd))
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			req := runner.Request{Query: strings.Join(args, " "), Vendor: vendor, Force: force}
			res, err := a.runner.Assess(ctx, req)
			for attempt := 0; ; attempt++ {
				var incomplete *errs.IncompleteRunError
				if !errors.As(err, &incomplete) {
					break
				}
				if incomplete.Cancelled {
					fmt.Fprintf(cmd.ErrOrStderr(), "run cancelled: %s\n", incomplete.Reason)
					break
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "missing sections: %s\n", strings.Join(incomplete.Missing, ", "))
				for stage, reason := range incomplete.Failures {
					fmt.Fprintf(cmd.ErrOrStderr(), "  %s: %s\n", stage, reason)
				}
				if attempt >= retries {
					break
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "retrying with %d completed sections\n", len(incomplete.Completed))
				req.Resume = incomplete.Partial
				res, err = a.runner.Assess(ctx, req)
			}
			if err != nil {
				return err
			}

			if res.Cached {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s (cached)\n", res.ID)
			} else {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s (run %s)\n", res.ID, res.RunID)
			}
			if out == "" {
				_, err = cmd.OutOrStdout().Write(append(res.Document, '\n'))
				return err
			}
			return os.WriteFile(out, res.Document, 0o644)
		},
	}
	cmd.Flags().StringVar(&vendor, "vendor", "", "vendor name; skips resolution and treats the query as the application name")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the assessment to this file instead of stdout")
	cmd.Flags().BoolVar(&force, "force", false, "ignore any cached assessment")
	cmd.Flags().IntVar(&retries, "retries", 0, "rerun only the missing sections of an incomplete run this many times")
	return cmd
}
