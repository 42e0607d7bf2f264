package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rudransh-shrivastava/lanchat/internal/db"
	"github.com/rudransh-shrivastava/lanchat/internal/relay"
	"github.com/rudransh-shrivastava/lanchat/internal/store"
	"github.com/spf13/cobra"
)

var relayAddr string

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "runs the signaling relay",
	Long: `runs the websocket relay that introduces peers to each other.
			The relay only carries negotiation messages, chat and files go peer to peer`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log := setup(cmd)
		if cmd.Flags().Changed("addr") {
			cfg.Relay.Addr = relayAddr
		}

		gormDB, err := db.Open(cfg.Storage.DB)
		if err != nil {
			log.Fatal(err)
		}
		defer func() { _ = db.Close(gormDB) }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := relay.NewServer(relay.Options{
			Addr:   cfg.Relay.Addr,
			Users:  store.NewUserStore(gormDB),
			Logger: log,
		})
		if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal(err)
		}
	},
}

func init() {
	relayCmd.Flags().StringVar(&relayAddr, "addr", ":3000", "address to listen on")
}
