package main

import (
	"os"

	"github.com/spf13/cobra"

	"bridge-sequencer/cmd/cli"
)

func main() {
	root := &cobra.Command{Use: "sequencer-cli", Short: "admin client for a bridge-sequencer node"}
	cli.RegisterFlags(root)
	cli.RegisterStatus(root)
	cli.RegisterSubmit(root)
	cli.RegisterBatch(root)
	cli.RegisterProof(root)
	cli.RegisterAdmin(root)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
