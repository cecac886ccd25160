// railsync-rendezvous 是公共的 rendezvous 节点，主机在这里按会话码登记，参与者在这里查找主机
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	rzv "github.com/waku-org/go-libp2p-rendezvous"
	rzvsqlite "github.com/waku-org/go-libp2p-rendezvous/db/sqlite"

	"github.com/Metaphorme/railsync/internal/logging"
	"github.com/Metaphorme/railsync/pkg/p2p"
	"github.com/Metaphorme/railsync/pkg/server"
)

type options struct {
	port        int
	dbPath      string
	identity    string
	publicAddrs string
	logLevel    string
}

func newRootCmd() *cobra.Command {
	opts := options{port: 4001, dbPath: "./rendezvous.db", identity: "./rendezvous.key", logLevel: "info"}
	cmd := &cobra.Command{
		Use:          "railsync-rendezvous",
		Short:        "Run a rendezvous point for railsync session codes",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}
	cmd.Flags().IntVarP(&opts.port, "port", "p", opts.port, "libp2p listen port")
	cmd.Flags().StringVar(&opts.dbPath, "db", opts.dbPath, "sqlite path for registrations")
	cmd.Flags().StringVar(&opts.identity, "identity", opts.identity, "node key file, created on first use")
	cmd.Flags().StringVar(&opts.publicAddrs, "public-addrs", "", "comma-separated multiaddrs to print instead of the detected ones")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", opts.logLevel, "debug, info, warn or error")
	return cmd
}

func run(cmd *cobra.Command, opts options) error {
	level, err := logging.ParseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	log := logging.Init(level)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	priv, err := p2p.LoadOrCreateIdentity(opts.identity)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	h, err := p2p.NewHost(p2p.HostConfig{Identity: priv, Listen: p2p.ListenAddrs(opts.port)})
	if err != nil {
		return err
	}
	defer h.Close()

	db, err := rzvsqlite.OpenDB(ctx, opts.dbPath)
	if err != nil {
		return fmt.Errorf("open rendezvous db: %w", err)
	}
	defer db.Close()
	_ = rzv.NewRendezvousService(h, db)

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "railsync-rendezvous up.")
	fmt.Fprintf(out, "PeerID: %s\n", h.ID())
	fmt.Fprintln(out, "Use one of these with --rendezvous:")
	for _, a := range server.AdvertisedAddrs(h, opts.publicAddrs, true) {
		fmt.Fprintf(out, "  %s\n", a)
	}
	log.Info("rendezvous point running", "peer", h.ID().String(), "db", opts.dbPath)

	<-ctx.Done()
	fmt.Fprintln(out, "bye")
	return nil
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "railsync-rendezvous:", err)
		os.Exit(1)
	}
}
