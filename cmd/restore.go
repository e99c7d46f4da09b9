package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"multistore-backup/internal/backup"
	"multistore-backup/internal/recovery"
)

var (
	restoreSetID      string
	restoreTargetTime string
	restoreTypes      string
	restoreDryRun     bool
	restoreYes        bool
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Plan and execute a restore from a backup set or a point in time",
	Long: `Builds an ordered restore plan from either a named backup set or a
point-in-time target, verifies every artifact checksum, shows the plan,
and executes it after confirmation.

A point-in-time restore picks the newest completed set at or before the
target and appends the WAL and oplog increments needed to reach it.`,
	Args: cobra.NoArgs,
	RunE: runRestore,
}

var testCmd = &cobra.Command{
	Use:   "test <set-id>",
	Short: "Dry-run a restore of one backup set without touching live stores",
	Long: `Plans a restore of the given set, verifies every artifact checksum,
and restores into scratch namespaces under recovery-tests/. The live
stores are never written; a nonzero exit means the set is not restorable.`,
	Args: cobra.ExactArgs(1),
	RunE: runTestRecovery,
}

func init() {
	restoreCmd.Flags().StringVar(&restoreSetID, "set", "", "restore this backup set")
	restoreCmd.Flags().StringVar(&restoreTargetTime, "target-time", "", "restore to this RFC 3339 point in time")
	restoreCmd.Flags().StringVar(&restoreTypes, "types", "", "comma-separated subset of backup types to restore")
	restoreCmd.Flags().BoolVar(&restoreDryRun, "dry-run", false, "restore into scratch targets, never touch the live stores")
	restoreCmd.Flags().BoolVarP(&restoreYes, "yes", "y", false, "skip the confirmation prompt")
	restoreCmd.MarkFlagsOneRequired("set", "target-time")
	restoreCmd.MarkFlagsMutuallyExclusive("set", "target-time")

	rootCmd.AddCommand(restoreCmd, testCmd)
}

func runTestRecovery(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	report, err := a.orch.TestRecovery(ctx, args[0])
	printRestoreResults(report)
	if err != nil {
		return fmt.Errorf("recovery test failed: %w", err)
	}
	if !report.Succeeded {
		return fmt.Errorf("recovery test finished with failed steps")
	}
	fmt.Println("recovery test passed")
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	opts := recovery.Options{SetID: restoreSetID, DryRun: restoreDryRun}
	if restoreTargetTime != "" {
		target, err := time.Parse(time.RFC3339, restoreTargetTime)
		if err != nil {
			return fmt.Errorf("invalid --target-time value %q: %w", restoreTargetTime, err)
		}
		opts.TargetTime = &target
	}
	if restoreTypes != "" {
		types, err := backup.ParseBackupTypes(restoreTypes)
		if err != nil {
			return err
		}
		opts.Types = types
	}

	plan, err := a.coordinator.Plan(ctx, opts)
	if err != nil {
		return fmt.Errorf("restore planning failed: %w", err)
	}
	a.display.RenderRestorePlan(plan)

	if !restoreDryRun && !restoreYes {
		if !confirm("This will overwrite the live stores. Continue?") {
			fmt.Println("restore aborted")
			return nil
		}
	}

	report, err := a.orch.Restore(ctx, plan)
	printRestoreResults(report)
	if err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}
	if !report.Succeeded {
		return fmt.Errorf("restore finished with failed steps")
	}
	fmt.Println("restore completed")
	return nil
}

func printRestoreResults(report *recovery.ExecutionReport) {
	if report == nil {
		return
	}
	for _, result := range report.Results {
		line := result.Status
		if result.Detail != "" {
			line += ": " + result.Detail
		}
		fmt.Printf("  [%d] %-20s %s\n", result.Step.Order, result.Step.Type, line)
	}
}

// confirm asks a yes/no question on stdin
func confirm(question string) bool {
	fmt.Printf("%s [y/N]: ", question)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
