package command

import (
	"github.com/spf13/cobra"

	"github.com/mill6-plat6aux/metamere/src/config"
)

var _config = config.NewDefaultConfig()

// RootCmd is the root command for metamere.
var RootCmd = &cobra.Command{
	Use:   "metamere",
	Short: "metamere replicated ledger",
	Long: `metamere is an ultra-lightweight replicated ledger. Nodes accept
JSON transactions, batch them into hash-chained blocks, and replicate them
across a fixed-membership cluster under a leader-based consensus protocol.`,
}

func init() {
	RootCmd.AddCommand(
		NewRunCmd(),
		NewSubmitCmd(),
		VersionCmd,
	)
}
