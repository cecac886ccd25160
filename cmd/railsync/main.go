// railsync 让多名驾驶员共享同一个铁路模拟世界：一人做主机，其余人加入
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Metaphorme/railsync/internal/config"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "railsync",
		Short:         "Drive trains together on a shared route",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newHostCmd(), newJoinCmd(), newStatusCmd())
	return root
}

func newHostCmd() *cobra.Command {
	cfg := config.Default()
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Host a session and publish its code",
		Long: `Host a session. Participants reach the host directly by address, by
session code through a rendezvous point, or by code on the local network.

Examples:
  railsync host -u hank --route "Settle & Carlisle" --lan
  railsync host -u hank --rendezvous /ip4/203.0.113.5/tcp/4001/p2p/12D3... --status-listen :30080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(cmd.Context(), &cfg)
		},
	}
	cfg.Bind(cmd.Flags())
	return cmd
}

func newJoinCmd() *cobra.Command {
	cfg := config.Default()
	cfg.Port = 0
	cfg.IdentityPath = ""
	cmd := &cobra.Command{
		Use:   "join [address]",
		Short: "Join a hosted session",
		Long: `Join a session by host address (multiaddr or host:port), or look the
host up by session code.

Examples:
  railsync join -u alice /ip4/10.0.0.2/tcp/30000/p2p/12D3...
  railsync join -u alice 10.0.0.2:30001
  railsync join -u alice -c 42-maple-tunnel --lan`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := ""
			if len(args) == 1 {
				addr = args[0]
			}
			return runJoin(cmd.Context(), &cfg, addr)
		},
	}
	cfg.Bind(cmd.Flags())
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "railsync:", err)
		os.Exit(1)
	}
}
