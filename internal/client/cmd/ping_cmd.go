package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var (
	pingTo      string
	pingCount   int
	pingTimeout time.Duration
)

var pingCmd = &cobra.Command{
	Use:   "ping --to peer",
	Short: "measures the round trip to a peer",
	Long:  `connects to a peer and measures the round trip time over the data channel`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log := setup(cmd)

		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()

		s, err := startSession(ctx, cmd, cfg, log, sessionOptions{})
		if err != nil {
			log.Fatal(err)
		}
		defer s.Close()

		target, err := s.resolve(ctx, pingTo)
		if err != nil {
			log.Fatal(err)
		}

		for i := 0; i < pingCount; i++ {
			rtt, err := s.transport.Ping(ctx, target.SocketID)
			if err != nil {
				log.Fatal(err)
			}
			log.Infof("Reply from %s: time=%s", target.Name, rtt.Round(time.Microsecond))
			if i < pingCount-1 {
				time.Sleep(time.Second)
			}
		}
	},
}

func init() {
	addSessionFlags(pingCmd)
	pingCmd.Flags().StringVar(&pingTo, "to", "", "peer id or name")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "number of pings")
	pingCmd.Flags().DurationVar(&pingTimeout, "timeout", 30*time.Second, "overall time limit")
	_ = pingCmd.MarkFlagRequired("to")
}
