package cmd

import (
	"context"
	"fmt"

	"github.com/daschewie/embedctl/pkg/core"
	"github.com/daschewie/embedctl/pkg/dberr"
	"github.com/daschewie/embedctl/pkg/session"
	"github.com/spf13/cobra"
)

var catchOff bool

var catchCmd = &cobra.Command{
	Use:   "catch <condition>",
	Short: "Halt the core automatically when an exception fires",
	Long: `Arm a vector catch so the core halts as soon as the named
exception is taken: hardfault, corereset, memfault, busfault,
usagefault, or securefault. With --off, disarm it instead.

Conditions the core family has no hardware for (most of them on an M0)
are reported and skipped rather than treated as an error.

Example:
  embedctl catch hardfault --probe /dev/ttyACM0 --target stm32f103`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cond, err := core.ParseVectorCatch(args[0])
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		sess, _, err := openSession(ctx, session.PermissionHalt)
		if err != nil {
			return err
		}
		defer sess.Close()
		if err := sess.RequirePermission("catch", session.PermissionHalt); err != nil {
			return err
		}

		c, err := sess.Core(0)
		if err != nil {
			return err
		}

		if err := c.EnableVectorCatch(cond, !catchOff); err != nil {
			if dberr.Is(err, dberr.KindNotImplemented) {
				printInfo("%v; nothing to do\n", err)
				return nil
			}
			return fmt.Errorf("failed to configure vector catch: %w", err)
		}

		if catchOff {
			printInfo("Vector catch %s disarmed.\n", cond)
		} else {
			printInfo("Vector catch %s armed.\n", cond)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(catchCmd)

	catchCmd.Flags().BoolVar(&catchOff, "off", false, "Disarm the condition instead of arming it")
}
