package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var statusOutput string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report this node's role, term, and queue depth",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var status map[string]any
		if err := getJSON("/status", &status); err != nil {
			return err
		}
		if statusOutput == "yaml" {
			out, err := yaml.Marshal(status)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		}
		for k, v := range status {
			fmt.Printf("%-14s %v\n", k, v)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusOutput, "output", "text", "output format: text or yaml")
}

// RegisterStatus adds the status command to the root CLI.
func RegisterStatus(root *cobra.Command) { root.AddCommand(statusCmd) }
