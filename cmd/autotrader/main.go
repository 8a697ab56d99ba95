// Command autotrader runs the RSI intraday strategy against Angel One
// SmartAPI, either as an HTTP service or as a one-shot CLI run.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "autotrader",
		Short:        "RSI intraday auto-trader for NSE/NFO instruments",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newRunCmd(), newLookupCmd())
	return root
}
