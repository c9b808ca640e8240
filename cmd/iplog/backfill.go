package main

import (
	"fmt"

	"github.com/goodtune/iplog/internal/backfill"
	"github.com/spf13/cobra"
)

var backfillCmd = &cobra.Command{
	Use:   "backfill [DIR]",
	Short: "Rebuild history from archived server logs",
	Long: `Read every dated log archive (YYYY-MM-DD-N.log or .log.gz) in DIR, oldest
first, and merge each connection into the history. Existing entries only ever
move to an earlier time, so running it more than once is safe.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBackfill,
}

func init() {
	rootCmd.AddCommand(backfillCmd)
}

func runBackfill(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	dir := a.cfg.Backfill.LogDir
	if len(args) == 1 {
		dir = args[0]
	}

	archives, skipped, err := backfill.Discover(dir, a.cfg.Backfill.Pattern)
	if err != nil {
		return fmt.Errorf("failed to list archives: %w", err)
	}
	for _, name := range skipped {
		a.logger.Debug().Str("file", name).Msg("Not a dated log archive, skipping")
	}
	if len(archives) == 0 {
		fmt.Printf("No log archives found in %s\n", dir)
		return nil
	}

	fmt.Printf("Backfilling from %d archive(s) in %s...\n", len(archives), dir)

	report, err := backfill.Run(cmd.Context(), a.store, archives, a.logger)
	if err != nil {
		return fmt.Errorf("backfill failed: %w", err)
	}

	_, _ = headerColor.Println("Backfill complete")
	fmt.Printf("  archives read:  %d\n", report.Archives)
	fmt.Printf("  connections:    %d\n", report.Matched)
	fmt.Printf("  new entries:    %d\n", report.Created)
	fmt.Printf("  moved earlier:  %d\n", report.Lowered)
	if len(report.FailedArchives) > 0 {
		_, _ = warnColor.Printf("  failed archives (%d):\n", len(report.FailedArchives))
		for _, name := range report.FailedArchives {
			_, _ = warnColor.Printf("    - %s\n", name)
		}
	}
	return nil
}
