package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/blobmux/healer/internal/storage"
	"github.com/blobmux/healer/internal/syncqueue"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	queueLimit   int
	queueKeyLike string
)

func newQueueCmd() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the blobstore sync queue",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sync queue entries, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			st, err := storage.Open(ctx, cfg, storage.Options{StorageID: storageID, Logger: log.Logger})
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			entries, err := st.Queue.FetchBatch(ctx, queueLimit, queueKeyLike)
			if err != nil {
				return err
			}
			total, err := st.Len(ctx)
			if err != nil {
				return err
			}
			printEntries(cmd.OutOrStdout(), entries, total)
			return nil
		},
	}
	listCmd.Flags().IntVar(&queueLimit, "limit", 100, "maximum entries to list")
	listCmd.Flags().StringVar(&queueKeyLike, "key-like", "", "only list keys matching this SQL LIKE pattern")
	queueCmd.AddCommand(listCmd)

	return queueCmd
}

func printEntries(out io.Writer, entries []syncqueue.Entry, total int) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKEY\tBLOBSTORE\tOPERATION\tENQUEUED")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			e.ID, e.Key, e.BlobstoreID, e.OperationKey, e.EnqueuedAt.Local().Format(time.DateTime))
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "\n%d of %d entries\n", len(entries), total)
}
