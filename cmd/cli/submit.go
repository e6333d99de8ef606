package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	submitSender    string
	submitRecipient string
	submitAsset     string
	submitAmount    string
	submitFee       string
	submitNonce     uint64
	submitKind      uint8
	submitMemo      string
	submitSig       string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a transaction to the current leader's queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := map[string]any{
			"sender":     submitSender,
			"recipient":  submitRecipient,
			"asset_id":   submitAsset,
			"amount_hex": submitAmount,
			"nonce":      submitNonce,
			"kind":       submitKind,
			"fee_hex":    submitFee,
			"memo":       submitMemo,
			"signature":  submitSig,
		}
		var resp map[string]string
		if err := postJSON("/submit_transaction", req, &resp); err != nil {
			return err
		}
		fmt.Printf("accepted: %s\n", resp["id"])
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitSender, "sender", "", "sender address (0x...)")
	submitCmd.Flags().StringVar(&submitRecipient, "recipient", "", "recipient address (0x...)")
	submitCmd.Flags().StringVar(&submitAsset, "asset", "", "asset id, 32 bytes hex")
	submitCmd.Flags().StringVar(&submitAmount, "amount", "0", "amount, hex big-endian")
	submitCmd.Flags().StringVar(&submitFee, "fee", "0", "fee, hex big-endian")
	submitCmd.Flags().Uint64Var(&submitNonce, "nonce", 0, "sender nonce")
	submitCmd.Flags().Uint8Var(&submitKind, "kind", 0, "transaction kind")
	submitCmd.Flags().StringVar(&submitMemo, "memo", "", "memo")
	submitCmd.Flags().StringVar(&submitSig, "signature", "", "sender signature, hex")
}

// RegisterSubmit adds the submit command to the root CLI.
func RegisterSubmit(root *cobra.Command) { root.AddCommand(submitCmd) }
