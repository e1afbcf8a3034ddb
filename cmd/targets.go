package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List and manage registered target descriptions",
}

var targetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every target chip description found on the search path",
	Long: `List every chip name registered from targets/*.yaml across the
search path (./targets, $EMBEDCTL_TARGETS, ~/.embedctl/targets, and
--targets-dir).

Example:
  embedctl targets list`,
	RunE: func(cmd *cobra.Command, args []string) error {
		names := registry.Names()
		if len(names) == 0 {
			printInfo("No target descriptions found.\n")
			return nil
		}
		sort.Strings(names)
		for _, name := range names {
			desc, err := registry.Get(name)
			if err != nil {
				continue
			}
			fmt.Printf("%-20s %d core(s), %d flash algorithm(s)\n", desc.Name, len(desc.Cores), len(desc.FlashAlgorithms))
		}
		return nil
	},
}

var targetsAddCmd = &cobra.Command{
	Use:   "add <description.yaml>",
	Short: "Validate and register a target description file for this invocation",
	Long: `Parse and validate a target description YAML file without
installing it to a search path directory; useful for checking a
work-in-progress description before copying it into ./targets.

Example:
  embedctl targets add mychip.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := registry.LoadFile(args[0]); err != nil {
			return fmt.Errorf("failed to load target description: %w", err)
		}
		printInfo("Target description %q is valid.\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(targetsCmd)
	targetsCmd.AddCommand(targetsListCmd)
	targetsCmd.AddCommand(targetsAddCmd)
}
