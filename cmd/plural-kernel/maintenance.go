package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zhubert/plural-kernel/cli"
	"github.com/zhubert/plural-kernel/logger"
	"github.com/zhubert/plural-kernel/process"
)

var dryRun bool
var clearLogs bool
var printTOML bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Kill kernels whose console has exited",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := initLogging(cfg, logger.DefaultLogPath); err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if dryRun {
			orphans, err := process.FindOrphanedKernels()
			if err != nil {
				return err
			}
			if len(orphans) == 0 {
				fmt.Fprintln(out, "No orphaned kernels found.")
				return nil
			}
			for _, p := range orphans {
				fmt.Fprintf(out, "%d\t(parent %d)\t%s\n", p.PID, p.Parent, p.Command)
			}
			return nil
		}

		killed, err := process.CleanupOrphanedKernels()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Killed %d orphaned kernel(s).\n", killed)

		if clearLogs {
			removed, err := logger.ClearLogs()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Removed %d log file(s).\n", removed)
		}
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that the kernel executable and optional tools are installed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if kernelCommand != "" {
			cfg.KernelCommand = kernelCommand
		}
		prereqs := cli.DefaultPrerequisites(cfg.KernelCommand)
		fmt.Fprint(cmd.OutOrStdout(), cli.FormatCheckResults(cli.CheckAll(prereqs)))
		return cli.ValidateRequired(prereqs)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after applying the config file and
PLURAL_KERNEL_* environment overrides.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Path() != "" {
			if _, err := os.Stat(cfg.Path()); err == nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "# loaded from %s\n", cfg.Path())
			}
		}
		if printTOML {
			return cfg.WriteTOML(cmd.OutOrStdout())
		}
		return cfg.WriteYAML(cmd.OutOrStdout())
	},
}

func init() {
	cleanupCmd.Flags().BoolVar(&dryRun, "dry-run", false, "List orphaned kernels without killing them")
	cleanupCmd.Flags().BoolVar(&clearLogs, "logs", false, "Also remove console and kernel log files")
	checkCmd.Flags().StringVar(&kernelCommand, "kernel", "", "Kernel executable (default from config)")
	configCmd.Flags().BoolVar(&printTOML, "toml", false, "Print TOML instead of YAML")
	rootCmd.AddCommand(cleanupCmd, checkCmd, configCmd)
}
