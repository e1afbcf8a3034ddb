package cmd

import (
	"context"
	"fmt"

	"github.com/daschewie/embedctl/pkg/session"
	"github.com/spf13/cobra"
)

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Open a session against the target and report its status",
	Long: `Attach to the configured probe and target, run the vendor
sequence's attach hooks, and print each core's run/halt status, then
close the session.

This is the minimal smoke test for a new target description or a new
probe connection before running halt/flash/rtt against it.

Example:
  embedctl attach --probe /dev/ttyACM0 --target stm32f103`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		sess, desc, err := openSession(ctx, session.PermissionReadOnly)
		if err != nil {
			return err
		}
		defer sess.Close()

		printInfo("Attached to %q (%d core(s), %d flash algorithm(s))\n", desc.Name, len(desc.Cores), len(desc.FlashAlgorithms))

		for i, cd := range desc.Cores {
			c, err := sess.Core(i)
			if err != nil {
				return err
			}
			status, err := c.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to read status of core %d (%s): %w", i, cd.Name, err)
			}
			printInfo("  core %d (%s, %s): %s\n", i, cd.Name, coreKindString(cd.Kind), statusString(status))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(attachCmd)
}
