package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var proofCmd = &cobra.Command{
	Use:   "proof [address]",
	Short: "Fetch a Merkle inclusion proof for an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var proof json.RawMessage
		if err := getJSON("/proof/"+args[0], &proof); err != nil {
			return err
		}
		fmt.Println(string(proof))
		return nil
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance [address]",
	Short: "Fetch an account's nonce and per-asset balances",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var balance json.RawMessage
		if err := getJSON("/balance/"+args[0], &balance); err != nil {
			return err
		}
		fmt.Println(string(balance))
		return nil
	},
}

// RegisterProof adds the proof and balance commands to the root CLI.
func RegisterProof(root *cobra.Command) {
	root.AddCommand(proofCmd)
	root.AddCommand(balanceCmd)
}
