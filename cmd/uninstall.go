package cmd

import (
	"github.com/spf13/cobra"

	"github.com/mdeops/mdeinstall/internal/deploy"
)

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "offboards the machine and removes the agent package",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDeploy(cmd, deploy.ActionUninstall)
	},
}
