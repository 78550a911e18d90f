package command

import (
	"os"

	"github.com/spf13/cobra"
)

const AppName = "cfgsyncd"

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "cfgsyncd - cluster config file synchronization",
		Long:          "cfgsyncd keeps the cluster configuration files of every node converged.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().String("config", "", "path to the YAML config file")
	cmd.PersistentFlags().String("addr", "", "daemon address for admin commands (defaults to server.http_addr)")

	cmd.AddCommand(
		NewServeCmd(),
		NewStatusCmd(),
		NewSyncCmd(),
		NewPauseCmd(),
		NewResumeCmd(),
		NewEnableCmd(),
		NewDisableCmd(),
		NewIntervalCmd(),
		NewBackupsCmd(),
		NewHistoryCmd(),
		NewRestoreCmd(),
		NewAddPeerCmd(),
		NewVersionCmd(),
	)

	return cmd
}

func Execute() error {
	return NewRootCmd(Version).Execute()
}
