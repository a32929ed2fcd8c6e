package main

import (
	"github.com/rzguard/redzone/config"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newConfigCmd())
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the allocator's default configuration",
		Long: `The config command prints the Options a redzone.Allocator built with
no overrides would run with: redzone width, quarantine byte budget, and
the shadow-poison byte assigned to each purpose.

Example:
  asanctl config
  asanctl config --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfig()
		},
	}
	return cmd
}

func runConfig() error {
	cfg := config.Default()

	if jsonOut {
		return printJSON(cfg)
	}

	printInfo("Default configuration:\n")
	printInfo("  Redzone:        %d bytes\n", cfg.Redzone)
	printInfo("  QuarantineSize: %d bytes\n", cfg.QuarantineSize)
	printInfo("  Debug:          %v\n", cfg.Debug)
	printInfo("  Verbosity:      %d\n", cfg.Verbosity)
	printInfo("\nShadow poison bytes:\n")
	printInfo("  LeftRedzone:      0x%02x\n", cfg.Kinds.LeftRedzone)
	printInfo("  RightRedzone:     0x%02x\n", cfg.Kinds.RightRedzone)
	printInfo("  Freed:            0x%02x\n", cfg.Kinds.Freed)
	printInfo("  Addressable:      0x%02x\n", cfg.Kinds.Addressable)
	printInfo("  StackAfterReturn: 0x%02x\n", cfg.Kinds.StackAfterReturn)
	return nil
}
