package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rudransh-shrivastava/lanchat/internal/protocol"
	"github.com/spf13/cobra"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "joins the relay and waits for messages and files",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log := setup(cmd)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := startSession(ctx, cmd, cfg, log, sessionOptions{
			OnRoster: func(users []protocol.User) {
				log.Infof("Online: %d peer(s)", len(users))
			},
		})
		if err != nil {
			log.Fatal(err)
		}
		defer s.Close()

		log.Infof("Listening, files are saved to %s", cfg.Storage.DownloadDir)
		<-ctx.Done()
	},
}

func init() {
	addSessionFlags(listenCmd)
}
