package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/daschewie/embedctl/pkg/display"
	"github.com/daschewie/embedctl/pkg/memory"
	"github.com/daschewie/embedctl/pkg/rtt"
	"github.com/daschewie/embedctl/pkg/session"
	"github.com/daschewie/embedctl/pkg/target"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
)

var (
	rttChannel    int
	rttScanStart  string
	rttScanEnd    string
	rttPollPeriod time.Duration
)

var rttCmd = &cobra.Command{
	Use:   "rtt",
	Short: "Attach to SEGGER RTT and stream a channel",
	Long: `Scan target RAM for a SEGGER RTT control block and stream up
channel N to stdout while forwarding stdin to the matching down channel.

Without --scan-start/--scan-end, the ranges from the target description's
rtt_scan_ranges (or its first RAM region, if none are configured) are used.

Example:
  embedctl rtt --probe /dev/ttyACM0 --target stm32f103 --channel 0`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sess, desc, err := openSession(ctx, session.PermissionReadOnly)
		if err != nil {
			return err
		}
		defer sess.Close()

		mem, err := sess.Memory(0)
		if err != nil {
			return err
		}

		region, err := resolveRTTRegion(desc)
		if err != nil {
			return err
		}

		printInfo("Scanning for RTT control block...\n")
		cb, err := rtt.Attach(mem, region)
		if err != nil {
			return fmt.Errorf("failed to attach RTT: %w", err)
		}
		if rttChannel >= len(cb.Up) {
			return fmt.Errorf("channel %d not found; control block has %d up channel(s)", rttChannel, len(cb.Up))
		}
		up := &cb.Up[rttChannel]
		printInfo("Attached to RTT control block at 0x%08X, streaming up channel %d (%q)\n", cb.Address, rttChannel, up.Name)

		var down *rtt.Channel
		if rttChannel < len(cb.Down) {
			down = &cb.Down[rttChannel]
		}

		// All probe I/O stays on the polling goroutine; stdin lines are
		// handed over through a channel so the two loops never touch
		// the transport concurrently.
		lines := make(chan []byte, 16)
		var wg conc.WaitGroup
		wg.Go(func() { pollRTT(ctx, mem, up, down, lines) })
		if down != nil {
			wg.Go(func() { readStdinLines(ctx, lines) })
		}
		wg.Wait()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rttCmd)

	rttCmd.Flags().IntVar(&rttChannel, "channel", 0, "RTT channel index to stream")
	rttCmd.Flags().StringVar(&rttScanStart, "scan-start", "", "RAM scan range start (hex), overrides the target description's RTT scan ranges")
	rttCmd.Flags().StringVar(&rttScanEnd, "scan-end", "", "RAM scan range end (hex), overrides the target description's RTT scan ranges")
	rttCmd.Flags().DurationVar(&rttPollPeriod, "poll-period", 50*time.Millisecond, "How often to poll the up channel for new data")
}

// resolveRTTRegion builds the rtt.ScanRegion to search: an explicit
// --scan-start/--scan-end pair takes precedence, then the target
// description's rtt_scan_ranges, then its first RAM region as a
// last-resort full scan.
func resolveRTTRegion(desc *target.Description) (rtt.ScanRegion, error) {
	if rttScanStart != "" && rttScanEnd != "" {
		start := hexOrDefault(rttScanStart, 0)
		end := hexOrDefault(rttScanEnd, 0)
		return rtt.ScanRegion{Ranges: []rtt.Range{{Start: start, End: end}}}, nil
	}

	if len(desc.RTTScanRanges) > 0 {
		var ranges []rtt.Range
		for _, r := range desc.RTTScanRanges {
			ranges = append(ranges, rtt.Range{Start: r.Start, End: r.End})
		}
		return rtt.ScanRegion{Ranges: ranges}, nil
	}

	ram, err := desc.RAMRegion()
	if err != nil {
		return rtt.ScanRegion{}, fmt.Errorf("no rtt_scan_ranges configured and no RAM region to fall back to: %w", err)
	}
	return rtt.ScanRegion{Ranges: []rtt.Range{{Start: ram.Start, End: ram.End}}}, nil
}

// pollRTT is the probe-owning loop: it drains the up channel to stdout
// on every tick and pushes queued stdin lines into the down channel,
// retrying any partial write on the next tick.
func pollRTT(ctx context.Context, mem *memory.Interface, up, down *rtt.Channel, lines <-chan []byte) {
	buf := make([]byte, 512)
	var pending []byte
	ticker := time.NewTicker(rttPollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-lines:
			pending = append(pending, line...)
		case <-ticker.C:
			n, err := up.Read(mem, buf)
			if err != nil {
				printError("RTT read failed: %v", err)
				return
			}
			if n > 0 {
				os.Stdout.Write(buf[:n])
			}
			if down != nil && len(pending) > 0 {
				written, err := down.Write(mem, pending)
				if err != nil {
					printError("RTT write failed: %v", err)
					return
				}
				pending = pending[written:]
			}
		}
	}
}

// readStdinLines feeds stdin to the polling loop line by line.
func readStdinLines(ctx context.Context, lines chan<- []byte) {
	reader := bufio.NewReader(os.Stdin)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			select {
			case <-ctx.Done():
				return
			case lines <- []byte(line):
			}
		}
		if err != nil {
			return
		}
	}
}

func hexOrDefault(s string, def uint32) uint32 {
	if s == "" {
		return def
	}
	v, err := display.ParseHexAddress(s)
	if err != nil {
		return def
	}
	return v
}
