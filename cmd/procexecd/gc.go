package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"procexec/internal/app"
	logx "procexec/pkg/logx"
)

func newGCCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Run one cleanup pass over the status store and exit",
		Args:  cobra.NoArgs,
		RunE:  runGC,
	}
	cmd.Flags().Bool("json", false, "print the report as JSON")
	cmd.Flags().Duration("timeout", time.Minute, "upper bound for the pass")
	return cmd
}

func runGC(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout <= 0 {
		return fmt.Errorf("--timeout must be > 0")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	rep, err := app.RunGC(ctx, configPath(cmd), logx.NewConsole("WARN"))
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d reclaimed=%d dangling=%d expired=%d errors=%d\n",
		rep.Scanned, rep.Reclaimed, rep.Dangling, rep.Expired, rep.Errors)
	return nil
}
