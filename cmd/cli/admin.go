package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List the signing kernel's provider chain and which is active",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var providers json.RawMessage
		if err := getJSON("/providers", &providers); err != nil {
			return err
		}
		fmt.Println(string(providers))
		return nil
	},
}

var rotateKeyCmd = &cobra.Command{
	Use:   "rotate-key",
	Short: "Force an immediate signing-key rotation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp map[string]string
		if err := postJSON("/force_rotate_key", nil, &resp); err != nil {
			return err
		}
		fmt.Println(resp["status"])
		return nil
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Run one on-demand detect-and-recover pass",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp map[string]bool
		if err := postJSON("/trigger_recovery", nil, &resp); err != nil {
			return err
		}
		if resp["detected"] {
			fmt.Println("recovery action taken")
		} else {
			fmt.Println("nothing to recover")
		}
		return nil
	},
}

// RegisterAdmin adds the providers, rotate-key, and recover commands.
func RegisterAdmin(root *cobra.Command) {
	root.AddCommand(providersCmd)
	root.AddCommand(rotateKeyCmd)
	root.AddCommand(recoverCmd)
}
