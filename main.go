// embedctl - Command-line tool for debugging and flashing ARM Cortex-M
// targets through a debug probe.
//
// This tool enables halting and resuming the core, reading memory and
// registers, programming and erasing flash, and streaming
// SEGGER RTT channels over a serial or TCP-bridged probe connection.
package main

import (
	"fmt"
	"os"

	"github.com/daschewie/embedctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
