package command

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clusterd/cfgsync/internal/artifact"
)

// NewVersionCmd creates the version command.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version <kind> <file>",
		Short: "Print the version and fingerprint of a local config file",
		Long: "Reads a config file without contacting the daemon. Kinds: " +
			"cluster.conf, corosync.conf, settings.conf, tokens, known-hosts.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := artifact.ParseKind(args[0])
			if err != nil {
				return err
			}

			a, err := artifact.FromFile(kind, args[1])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "kind: %s\n", kind.Name())
			fmt.Fprintf(out, "version: %d\n", a.Version())
			fmt.Fprintf(out, "fingerprint: %s\n", a.Fingerprint())
			return nil
		},
	}
}
