// Package main provides synergyd, the Proof of Synergy validator node.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/synergy-network/synergy-node/internal/api"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "synergyd",
		Short: "Proof of Synergy validator node",
		Long: `synergyd runs a Proof of Synergy validator node: PBFT consensus inside
validator clusters, cluster formation and rotation, and synergy points.

Configuration is read from the environment (NODE_ID, DATABASE_URL, ...).`,
		Version:       api.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newServeCmd(),
		newSnapshotCmd(),
		newGenesisCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
