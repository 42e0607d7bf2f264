package cmd

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	sendTo      string
	sendTimeout time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send --to peer message...",
	Short: "sends a chat message to a peer",
	Long:  `sends a chat message to a peer, the peer can be given by id or by name`,
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log := setup(cmd)

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		s, err := startSession(ctx, cmd, cfg, log, sessionOptions{})
		if err != nil {
			log.Fatal(err)
		}
		defer s.Close()

		target, err := s.resolve(ctx, sendTo)
		if err != nil {
			log.Fatal(err)
		}

		msg, err := s.transport.Send(ctx, target.SocketID, strings.Join(args, " "))
		if err != nil {
			log.Fatal(err)
		}
		log.Infof("Sent message %s to %s", msg.ID, target.Name)
	},
}

func init() {
	addSessionFlags(sendCmd)
	sendCmd.Flags().StringVar(&sendTo, "to", "", "peer id or name")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "how long to wait for the peer")
	_ = sendCmd.MarkFlagRequired("to")
}
