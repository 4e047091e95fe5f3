package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/opentask/config"
	"github.com/mohammad-safakhou/opentask/internal/hub"
	"github.com/mohammad-safakhou/opentask/internal/store"
	"github.com/spf13/cobra"
)

func runCMD() *cobra.Command {
	var cfgPath string
	var userID string
	var quiet bool
	var run = &cobra.Command{
		Use:   "run [prompt]",
		Short: "Execute one prompt in the foreground and print its summary",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			ctx := context.Background()
			a, err := build(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if userID == "" {
				userID = cfg.Server.DefaultUserID
			}
			task, err := a.store.CreateTask(ctx, userID, strings.Join(args, " "))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "task %s\n", task.ID)

			printed := make(chan struct{})
			v := a.hub.Subscribe(task.ID)
			go func() {
				defer close(printed)
				defer v.Close()
				for {
					msg, ok := v.Next(ctx)
					if !ok || msg.IsCompletion() {
						return
					}
					switch {
					case msg.Kind == hub.KindFile:
						fmt.Fprintf(out, "[file] %s -> %s\n", msg.Text, msg.Path)
					case !quiet:
						fmt.Fprintln(out, msg.Text)
					}
				}
			}()

			final, err := a.orch.Execute(ctx, task)
			<-printed
			if err != nil {
				return err
			}
			if st, ok := a.orch.Summary(ctx, final); ok {
				fmt.Fprintf(out, "\n%s\n", st.Summary)
			}
			fmt.Fprintf(out, "\nstatus: %s\n", final.Status)
			if final.LogURL != "" {
				fmt.Fprintf(out, "transcript: %s\n", final.LogURL)
			}
			if final.Status != store.StatusCompleted {
				return fmt.Errorf("task %s %s", final.ID, final.Status)
			}
			return nil
		},
	}
	run.Flags().StringVar(&userID, "user", "", "user id recorded on the task")
	run.Flags().BoolVarP(&quiet, "quiet", "q", false, "only print file notices and the summary")
	run.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return run
}
