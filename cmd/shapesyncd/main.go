package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shapesync/shapesync/server"
	"github.com/shapesync/shapesync/utils"
)

func main() {
	var addr, dataDir, logLevel string

	root := &cobra.Command{
		Use:   "shapesyncd",
		Short: "todo/project server with a txid-tagged change log",
		RunE: func(cmd *cobra.Command, args []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("bad --log-level: %w", err)
			}
			log := utils.NewDefaultLogger(level)

			srv, err := server.New(server.Options{
				Addr:    addr,
				DataDir: dataDir,
				Log:     log,
			})
			if err != nil {
				return err
			}
			defer srv.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
	root.Flags().StringVar(&addr, "addr", ":4000", "listen address")
	root.Flags().StringVar(&dataDir, "data", "shapesync-data", "data directory (sqlite rows + pebble change log)")
	root.Flags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
