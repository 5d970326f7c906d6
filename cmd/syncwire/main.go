// Command syncwire runs the event sync server and ships a couple of
// administrative helpers for talking to a running instance.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "syncwire",
	Short:        "Event log synchronization server",
	Long:         "syncwire keeps per-store append-only event logs in sync across websocket clients.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
