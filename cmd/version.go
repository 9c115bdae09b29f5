package cmd

import (
	"github.com/spf13/cobra"

	"github.com/mdeops/mdeinstall/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "prints mdeinstall version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println(version.Version())
	},
}
