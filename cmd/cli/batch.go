package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var batchCmd = &cobra.Command{
	Use:   "batch [id]",
	Short: "Look up a finalized batch by hex id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var batch json.RawMessage
		if err := getJSON("/batch/"+args[0], &batch); err != nil {
			return err
		}
		fmt.Println(string(batch))
		return nil
	},
}

// RegisterBatch adds the batch command to the root CLI.
func RegisterBatch(root *cobra.Command) { root.AddCommand(batchCmd) }
