package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rudransh-shrivastava/lanchat/internal/transfer"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var sendFileTo string

var sendFileCmd = &cobra.Command{
	Use:   "send-file --to peer path/to/file",
	Short: "sends a file to a peer",
	Long:  `sends a file to a peer over the data channel, showing progress while it streams`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log := setup(cmd)
		path := args[0]

		f, err := os.Open(path)
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			log.Fatal(err)
		}

		name := filepath.Base(path)
		bar := progressbar.NewOptions64(info.Size(),
			progressbar.OptionSetDescription(name),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
		var barMu sync.Mutex

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := startSession(ctx, cmd, cfg, log, sessionOptions{
			OnProgress: func(snap transfer.Snapshot) {
				if snap.Direction != transfer.Outgoing {
					return
				}
				barMu.Lock()
				_ = bar.Set64(snap.ReceivedSize)
				barMu.Unlock()
			},
		})
		if err != nil {
			log.Fatal(err)
		}
		defer s.Close()

		target, err := s.resolve(ctx, sendFileTo)
		if err != nil {
			log.Fatal(err)
		}

		snap, err := s.transport.SendFile(ctx, target.SocketID, transfer.File{
			Name:   name,
			Type:   transfer.GuessFileType(name),
			Size:   info.Size(),
			Reader: f,
		})
		barMu.Lock()
		_ = bar.Finish()
		barMu.Unlock()
		if err != nil {
			log.Fatal(err)
		}
		log.Infof("Sent %s (%s) to %s", snap.FileName, transfer.FormatFileSize(snap.FileSize), target.Name)
	},
}

func init() {
	addSessionFlags(sendFileCmd)
	sendFileCmd.Flags().StringVar(&sendFileTo, "to", "", "peer id or name")
	_ = sendFileCmd.MarkFlagRequired("to")
}
