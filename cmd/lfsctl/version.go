package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	release = "0.0.0"
	commit  = ""
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print lfsctl version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("lfsctl %s (%s)\n", release, commit)
	},
}
