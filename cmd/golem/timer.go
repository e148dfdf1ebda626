package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

func sleepUntilCmd() *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "sleep-until <component/name>",
		Short: "Suspend a worker and schedule a timer-based wake-up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseWorkerID(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			w, err := buildExecutor(cfg)
			if err != nil {
				return err
			}
			defer w.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			wakeAt := time.Now().Add(duration)
			if err := w.executor.SleepUntil(ctx, id, wakeAt); err != nil {
				return err
			}
			cmd.Printf("suspended %s, scheduled to wake at %s\n", id, wakeAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().DurationVar(&duration, "for", time.Minute, "Duration to sleep before waking")
	return cmd
}
