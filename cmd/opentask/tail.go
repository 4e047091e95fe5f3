package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mohammad-safakhou/opentask/config"
	"github.com/mohammad-safakhou/opentask/internal/queue/streams"
	"github.com/mohammad-safakhou/opentask/internal/runtime"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// tailCMD follows a task's mirrored events from another process.
func tailCMD() *cobra.Command {
	var cfgPath string
	var from string
	var tail = &cobra.Command{
		Use:   "tail [task-id]",
		Short: "Follow a task's events from the Redis stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			if !cfg.Storage.Redis.Enabled() {
				return errors.New("tail needs storage.redis to be configured")
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			rdb := redis.NewClient(runtime.RedisOptions(cfg.Storage.Redis))
			defer rdb.Close()
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			events := streams.NewTaskEvents(rdb, cfg.Storage.Redis.Stream, cfg.Storage.Redis.MaxLen, cfg.Storage.Redis.Retention)
			reader := streams.NewTail(rdb, 5*time.Second, 100)
			stream := events.StreamName(args[0])
			out := cmd.OutOrStdout()

			last := from
			for ctx.Err() == nil {
				entries, err := reader.Read(ctx, stream, last)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				for _, e := range entries {
					last = e.StreamID
					msg := e.Message
					if msg.IsCompletion() {
						fmt.Fprintln(out, "-- completed --")
						return nil
					}
					if msg.Path != "" {
						fmt.Fprintf(out, "%s [file] %s -> %s\n", msg.At.Format(time.TimeOnly), msg.Text, msg.Path)
						continue
					}
					fmt.Fprintf(out, "%s %s\n", msg.At.Format(time.TimeOnly), msg.Text)
				}
			}
			return nil
		},
	}
	tail.Flags().StringVar(&from, "from", "0", "stream id to start after (0 = beginning, $ = only new)")
	tail.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return tail
}
