package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/privarion/privarion/internal/config"
)

var (
	resetIncludeAudit bool
	resetForce        bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset Privarion to a clean state",
	Long: `Reset Privarion by removing persistent state files.

By default, only the catalog snapshot (and its backup) is removed. On next
run, the engine boots from the catalog files alone.

Optional flags:
  --include-audit   Also remove the audit log or history database
  --force           Skip confirmation prompt

Examples:
  # Reset snapshot only (interactive confirmation)
  privarion reset

  # Reset everything without prompting
  privarion reset --include-audit --force`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetIncludeAudit, "include-audit", false, "Also remove audit log files")
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "Skip confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	type target struct {
		path string
		desc string
	}
	var targets []target

	if cfg.Engine.SnapshotFile != "" {
		targets = append(targets,
			target{cfg.Engine.SnapshotFile, "snapshot file"},
			target{cfg.Engine.SnapshotFile + ".bak", "snapshot backup"},
			target{cfg.Engine.SnapshotFile + ".lock", "snapshot lock"})
	}

	if resetIncludeAudit {
		switch {
		case strings.HasPrefix(cfg.Audit.Output, "file://"):
			targets = append(targets, target{strings.TrimPrefix(cfg.Audit.Output, "file://"), "audit log"})
		case strings.HasPrefix(cfg.Audit.Output, "sqlite://"):
			targets = append(targets, target{strings.TrimPrefix(cfg.Audit.Output, "sqlite://"), "audit history database"})
		}
	}

	if len(targets) == 0 {
		fmt.Println("nothing to reset (no snapshot file configured)")
		return nil
	}

	if !resetForce {
		fmt.Println("The following files will be removed:")
		for _, t := range targets {
			fmt.Printf("  %s (%s)\n", t.path, t.desc)
		}
		fmt.Print("Continue? [y/N] ")
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		answer = strings.TrimSpace(strings.ToLower(answer))
		if answer != "y" && answer != "yes" {
			fmt.Println("aborted")
			return nil
		}
	}

	removed := 0
	for _, t := range targets {
		err := os.Remove(t.path)
		switch {
		case err == nil:
			fmt.Printf("removed %s\n", t.path)
			removed++
		case os.IsNotExist(err):
			// Already clean.
		default:
			return fmt.Errorf("remove %s: %w", t.path, err)
		}
	}
	fmt.Printf("reset complete (%d files removed)\n", removed)
	return nil
}
