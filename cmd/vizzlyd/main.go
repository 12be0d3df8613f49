// Command vizzlyd is the engine daemon: it starts the ingest server
// against a working directory, and offers a small set of client
// subcommands that talk to an already-running instance over the
// discovery handshake (spec §6 CLI surface).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vizzlyd",
		Short:         "Local-first visual regression engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("dir", "", "working directory (defaults to the current directory)")
	root.AddCommand(
		newStartCmd(),
		newStopCmd(),
		newStatusCmd(),
		newAcceptCmd(),
		newAcceptAllCmd(),
		newSyncCmd(),
	)
	return root
}

func workingDir(cmd *cobra.Command) (string, error) {
	dir, err := cmd.Flags().GetString("dir")
	if err != nil {
		return "", err
	}
	if dir != `` {
		return dir, nil
	}
	return os.Getwd()
}
