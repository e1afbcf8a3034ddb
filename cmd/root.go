// Package cmd implements all CLI commands for embedctl
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/daschewie/embedctl/pkg/appconfig"
	"github.com/daschewie/embedctl/pkg/core"
	"github.com/daschewie/embedctl/pkg/session"
	"github.com/daschewie/embedctl/pkg/target"
	"github.com/daschewie/embedctl/pkg/vendorseq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var (
	// Global configuration instance
	cfg *appconfig.Config

	// Global flags
	probeFlag      string
	targetFlag     string
	targetsDirFlag string
	quietFlag      bool
	verboseFlag    bool

	registry *target.Registry

	// log carries structured transport/protocol diagnostics, separate
	// from printInfo/printError's user-facing messages. Silent unless
	// --verbose is set.
	log = logrus.New()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "embedctl",
	Short: "embedctl - debug and flash ARM Cortex-M targets through a CMSIS-DAP probe",
	Long: `embedctl is a command-line tool for attaching to ARM Cortex-M
microcontrollers through a debug probe (serial or TCP-bridged CMSIS-DAP).

It enables halting and resuming the core, reading memory and
registers, programming and erasing flash via on-target flash algorithms,
and streaming SEGGER RTT channels.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log.SetOutput(os.Stderr)
		log.SetLevel(logrus.WarnLevel)
		if verboseFlag {
			log.SetLevel(logrus.DebugLevel)
		}

		var err error
		cfg, err = appconfig.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		log.WithFields(logrus.Fields{"probe": cfg.Probe, "target": cfg.Target}).Debug("configuration loaded")

		if probeFlag != "" {
			cfg.Probe = probeFlag
		}
		if targetFlag != "" {
			cfg.Target = targetFlag
		}
		if targetsDirFlag != "" {
			cfg.TargetsDir = targetsDirFlag
		}

		registry = target.NewRegistry(afero.NewOsFs())
		if err := registry.LoadSearchPaths(); err != nil {
			return fmt.Errorf("failed to load target descriptions: %w", err)
		}
		if cfg.TargetsDir != "" {
			if err := registry.LoadDir(cfg.TargetsDir); err != nil {
				return fmt.Errorf("failed to load target descriptions from %s: %w", cfg.TargetsDir, err)
			}
		}

		return nil
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen
// once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&probeFlag, "probe", "", "Probe address (serial device path or host:port TCP bridge)")
	rootCmd.PersistentFlags().StringVar(&targetFlag, "target", "", "Target chip name, as registered in a targets/*.yaml description")
	rootCmd.PersistentFlags().StringVar(&targetsDirFlag, "targets-dir", "", "Additional directory (or file) of target descriptions to load")
	rootCmd.PersistentFlags().BoolVar(&quietFlag, "quiet", false, "Suppress informational output")
	rootCmd.PersistentFlags().BoolVar(&verboseFlag, "verbose", false, "Emit structured transport/protocol diagnostics to stderr")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// validateConnectionFlags checks that enough information was supplied to
// open a probe connection before attempting it.
func validateConnectionFlags() error {
	if cfg.Probe == "" {
		return fmt.Errorf("no probe address specified (use --probe flag or set it in embedctl.toml)")
	}
	if cfg.Target == "" {
		return fmt.Errorf("no target chip specified (use --target flag or set it in embedctl.toml)")
	}
	return nil
}

// printInfo writes informational output, respecting --quiet.
func printInfo(format string, args ...interface{}) {
	if !quietFlag {
		fmt.Printf(format, args...)
	}
}

// printError writes an error, always shown regardless of --quiet.
func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

// commandTimeout bounds how long any single blocking core/flash
// operation is allowed to run before giving up.
const commandTimeout = 30 * time.Second

// openSession resolves the configured target description and vendor
// sequence and opens a session.Session against the configured probe at
// the given permission level. Callers must Close() the returned session.
func openSession(ctx context.Context, perm session.Permission) (*session.Session, *target.Description, error) {
	if err := validateConnectionFlags(); err != nil {
		return nil, nil, err
	}

	desc, err := registry.Get(cfg.Target)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve target %q: %w", cfg.Target, err)
	}

	seq := vendorseq.Lookup(desc.VendorSequence)

	log.WithFields(logrus.Fields{"probe": cfg.Probe, "target": desc.Name, "permission": int(perm)}).Debug("opening session")
	sess, err := session.Open(ctx, cfg.Probe, desc, seq, perm, false)
	if err != nil {
		log.WithError(err).Debug("session open failed")
		return nil, nil, fmt.Errorf("failed to open session: %w", err)
	}
	return sess, desc, nil
}

// coreKindString renders a core.Kind for display.
func coreKindString(k core.Kind) string {
	switch k {
	case core.KindM0:
		return "Cortex-M0"
	default:
		return "Cortex-M3/M4/M7"
	}
}
