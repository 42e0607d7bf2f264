package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rudransh-shrivastava/lanchat/internal/db"
	"github.com/rudransh-shrivastava/lanchat/internal/store"
	"github.com/rudransh-shrivastava/lanchat/internal/transfer"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "lists past file transfers",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log := setup(cmd)

		gormDB, err := db.Open(cfg.Storage.DB)
		if err != nil {
			log.Fatal(err)
		}
		defer func() { _ = db.Close(gormDB) }()

		transfers, err := store.NewTransferStore(gormDB).List(context.Background(), historyLimit)
		if err != nil {
			log.Fatal(err)
		}
		if len(transfers) == 0 {
			fmt.Println("No transfers yet")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WHEN\tDIRECTION\tPEER\tFILE\tSIZE\tSTATUS")
		for _, t := range transfers {
			status := t.Status
			if t.Error != "" {
				status += ": " + t.Error
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				time.Unix(t.CreatedAt, 0).Format(time.DateTime),
				t.Direction, t.PeerID, t.FileName,
				transfer.FormatFileSize(t.FileSize), status)
		}
		_ = w.Flush()
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of transfers to show, 0 for all")
}
