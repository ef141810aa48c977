package main

import (
	"os"

	cmd "github.com/mill6-plat6aux/metamere/src/cmd/metamere/command"
)

func main() {
	rootCmd := cmd.RootCmd

	rootCmd.SilenceErrors = true

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
