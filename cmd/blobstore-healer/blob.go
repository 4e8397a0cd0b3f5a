package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/blobmux/healer/internal/config"
	"github.com/blobmux/healer/internal/multiplex"
	"github.com/blobmux/healer/internal/storage"
	"github.com/blobmux/healer/pkg/bytesize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var getOutput string

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> [file]",
		Short: "Write a blob to every replica and record it in the sync queue",
		Long: `Write a blob through the multiplexed store. The blob is written to every
replica concurrently and a sync queue entry is added for each replica that
accepted it. Reads stdin when no file is given.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if len(args) == 2 {
				data, err = os.ReadFile(args[1])
			} else {
				data, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("read blob: %w", err)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return withMultiplex(cmd.Context(), cfg, func(bs *multiplex.Blobstore) error {
				if err := bs.Put(cmd.Context(), args[0], data); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "stored %s (%s)\n", args[0], bytesize.Format(int64(len(data))))
				return nil
			})
		},
	}
}

func newGetCmd() *cobra.Command {
	getCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Read a blob from any replica that has it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return withMultiplex(cmd.Context(), cfg, func(bs *multiplex.Blobstore) error {
				data, err := bs.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if getOutput != "" {
					return os.WriteFile(getOutput, data, 0644)
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			})
		},
	}
	getCmd.Flags().StringVarP(&getOutput, "output", "o", "", "write the blob to this file instead of stdout")
	return getCmd
}

// withMultiplex opens the selected storage as one multiplexed blob store.
func withMultiplex(ctx context.Context, cfg *config.Config, fn func(*multiplex.Blobstore) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := storage.Open(ctx, cfg, storage.Options{
		StorageID: storageID,
		DryRun:    dryRun,
		Logger:    log.Logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	return fn(multiplex.NewBlobstore(st.Router, st.Queue, log.Logger))
}
