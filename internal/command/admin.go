package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/clusterd/cfgsync/internal/artifact"
	"github.com/clusterd/cfgsync/internal/config"
	"github.com/clusterd/cfgsync/internal/control"
	"github.com/clusterd/cfgsync/internal/transport"
)

const adminTimeout = 30 * time.Second

// newClient resolves the daemon address from --addr or the config file
func newClient(cmd *cobra.Command) *transport.Client {
	addr := flagValue(cmd, "addr")
	if addr == "" {
		addr = config.LoadOrDefault(flagValue(cmd, "config")).Server.HTTPAddr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return transport.NewClient(addr)
}

// flagValue looks a flag up on the command and its parents
func flagValue(cmd *cobra.Command, name string) string {
	if f := cmd.Flag(name); f != nil {
		return f.Value.String()
	}
	return ""
}

func adminContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), adminTimeout)
}

func printJSON(cmd *cobra.Command, raw json.RawMessage) error {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return fmt.Errorf("failed to format response: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), out.String())
	return nil
}

func printState(cmd *cobra.Command, state *control.State) {
	out := cmd.OutOrStdout()
	switch {
	case state.Disabled:
		fmt.Fprintln(out, "sync: disabled")
	case state.PausedUntil != nil && time.Now().Before(*state.PausedUntil):
		fmt.Fprintf(out, "sync: paused until %s\n", state.PausedUntil.Format(time.RFC3339))
	default:
		fmt.Fprintln(out, "sync: enabled")
	}
	fmt.Fprintf(out, "poll interval: %ds\n", state.PollInterval)
	fmt.Fprintf(out, "backup count: %d\n", state.BackupCount)
}

// controlCmd builds a command that applies a control change and prints the
// resulting state
func controlCmd(use, short string, args cobra.PositionalArgs, apply func(ctx context.Context, c *transport.Client, args []string) (*control.State, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := adminContext()
			defer cancel()

			state, err := apply(ctx, newClient(cmd), args)
			if err != nil {
				return err
			}
			printState(cmd, state)
			return nil
		},
	}
}

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync status of the local daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := adminContext()
			defer cancel()

			raw, err := newClient(cmd).Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
}

// NewSyncCmd creates the sync command.
func NewSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a sync cycle now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := adminContext()
			defer cancel()

			raw, err := newClient(cmd).RunSync(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
}

// NewPauseCmd creates the pause command.
func NewPauseCmd() *cobra.Command {
	return controlCmd("pause [seconds]", "Pause syncing, for 300 seconds by default", cobra.MaximumNArgs(1),
		func(ctx context.Context, c *transport.Client, args []string) (*control.State, error) {
			seconds := ""
			if len(args) == 1 {
				seconds = args[0]
			}
			return c.Pause(ctx, seconds)
		})
}

// NewResumeCmd creates the resume command.
func NewResumeCmd() *cobra.Command {
	return controlCmd("resume", "Resume paused syncing", cobra.NoArgs,
		func(ctx context.Context, c *transport.Client, args []string) (*control.State, error) {
			return c.Resume(ctx)
		})
}

// NewEnableCmd creates the enable command.
func NewEnableCmd() *cobra.Command {
	return controlCmd("enable", "Enable syncing", cobra.NoArgs,
		func(ctx context.Context, c *transport.Client, args []string) (*control.State, error) {
			return c.Enable(ctx)
		})
}

// NewDisableCmd creates the disable command.
func NewDisableCmd() *cobra.Command {
	return controlCmd("disable", "Disable syncing until enabled again", cobra.NoArgs,
		func(ctx context.Context, c *transport.Client, args []string) (*control.State, error) {
			return c.Disable(ctx)
		})
}

// NewIntervalCmd creates the interval command.
func NewIntervalCmd() *cobra.Command {
	return controlCmd("interval <seconds>", "Set the sync period", cobra.ExactArgs(1),
		func(ctx context.Context, c *transport.Client, args []string) (*control.State, error) {
			return c.SetPollInterval(ctx, args[0])
		})
}

// NewBackupsCmd creates the backups command.
func NewBackupsCmd() *cobra.Command {
	return controlCmd("backups <count>", "Set how many previous config versions are kept", cobra.ExactArgs(1),
		func(ctx context.Context, c *transport.Client, args []string) (*control.State, error) {
			return c.SetBackupCount(ctx, args[0])
		})
}

// NewHistoryCmd creates the history command.
func NewHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <kind>",
		Short: "List the stored previous versions of a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := adminContext()
			defer cancel()

			raw, err := newClient(cmd).ListBackups(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
}

// NewRestoreCmd creates the restore command.
func NewRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <kind> <saved-at>",
		Short: "Restore a previous version of a config file on every node",
		Long: "Makes a backup listed by history the current config again. The backup " +
			"is saved as a new version and pushed to the other nodes. saved-at is the " +
			"RFC 3339 timestamp shown by history.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			savedAt, err := time.Parse(time.RFC3339Nano, args[1])
			if err != nil {
				return fmt.Errorf("invalid saved-at %q: %w", args[1], err)
			}

			ctx, cancel := adminContext()
			defer cancel()

			raw, err := newClient(cmd).RestoreBackup(ctx, args[0], savedAt)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
}

// NewAddPeerCmd creates the add-peer command.
func NewAddPeerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add-peer <name> <token> <addr:port>...",
		Short: "Register an authenticated peer in the known-hosts registry",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer := transport.PeerPayload{Name: args[0], Token: args[1]}
			for _, hostPort := range args[2:] {
				addr, err := parseAddress(hostPort)
				if err != nil {
					return err
				}
				peer.Addresses = append(peer.Addresses, addr)
			}

			ctx, cancel := adminContext()
			defer cancel()

			if err := newClient(cmd).AddPeers(ctx, []transport.PeerPayload{peer}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", peer.Name)
			return nil
		},
	}
	return cmd
}

func parseAddress(hostPort string) (artifact.Address, error) {
	host, portText, err := net.SplitHostPort(hostPort)
	if err != nil {
		return artifact.Address{}, fmt.Errorf("invalid address %q: %w", hostPort, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port <= 0 || port > 65535 {
		return artifact.Address{}, fmt.Errorf("invalid port in %q", hostPort)
	}
	return artifact.Address{Addr: host, Port: port}, nil
}
