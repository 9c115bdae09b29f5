package cmd

import (
	"github.com/spf13/cobra"

	"github.com/mdeops/mdeinstall/internal/deploy"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "installs the agent package and onboards the machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDeploy(cmd, deploy.ActionInstall)
	},
}
