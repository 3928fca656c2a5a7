// Command transferdemo is a small CLI that exercises the TransferEngine
// directly: one task per invocation, rendered with a live progress bar
// when attached to a terminal.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/transferengine/core/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var (
	configPath  string
	verbose     bool
	callbackURL string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "transferdemo",
		Short:   "Exercise the transfer engine core from the command line",
		Version: fmt.Sprintf("%s (built %s)", version.Version, version.BuildTime),
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "engine.conf path (defaults to the platform default location)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringVar(&callbackURL, "callback-url", "", "POST task updates to this URL as well as rendering them locally")

	root.AddCommand(newGetCmd())
	root.AddCommand(newPutCmd())
	root.AddCommand(newDataCmd())
	root.AddCommand(newListCmd())

	return root
}
