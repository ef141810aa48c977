package command

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mill6-plat6aux/metamere/src/version"
)

// VersionCmd displays the version of metamere being used
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version info",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Version)
	},
}
