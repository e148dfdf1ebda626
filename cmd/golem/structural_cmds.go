package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/golem-project/worker-executor/internal/oplog"
	"github.com/golem-project/worker-executor/internal/structural"
)

func forkCmd() *cobra.Command {
	var upTo uint64

	cmd := &cobra.Command{
		Use:   "fork <source component/name> <target component/name>",
		Short: "Fork a worker's history into a new worker",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := parseWorkerID(args[0])
			if err != nil {
				return err
			}
			target, err := parseWorkerID(args[1])
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

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := w.executor.Fork(ctx, source, oplog.Index(upTo), target); err != nil {
				return err
			}
			cmd.Printf("forked %s up to index %d into %s\n", source, upTo, target)
			return nil
		},
	}

	cmd.Flags().Uint64Var(&upTo, "up-to", 0, "Last source index to copy (required)")
	cmd.MarkFlagRequired("up-to")
	return cmd
}

func rewindCmd() *cobra.Command {
	var (
		to                 uint64
		allowMidInvocation bool
	)

	cmd := &cobra.Command{
		Use:   "rewind <component/name>",
		Short: "Append a rewind marker so replay resumes from an earlier index",
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

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			opts := structural.RewindOptions{AllowMidInvocation: allowMidInvocation}
			if err := w.executor.Rewind(ctx, id, oplog.Index(to), opts); err != nil {
				return err
			}
			cmd.Printf("rewound %s to index %d\n", id, to)
			return nil
		},
	}

	cmd.Flags().Uint64Var(&to, "to", 0, "Index to jump back to (required)")
	cmd.Flags().BoolVar(&allowMidInvocation, "allow-mid-invocation", false, "Allow the jump target to fall inside an in-flight invocation")
	cmd.MarkFlagRequired("to")
	return cmd
}

func playbackCmd() *cobra.Command {
	var upTo uint64

	cmd := &cobra.Command{
		Use:   "playback <component/name>",
		Short: "Print the effective, jump-resolved entry sequence for a worker",
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

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			entries, err := w.executor.Playback(ctx, id, oplog.Index(upTo), nil)
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	}

	cmd.Flags().Uint64Var(&upTo, "up-to", 0, "Last index to include (0 means the current head)")
	return cmd
}

func manualOverrideCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manual-override <component/name> <target-index> <replacement-kind>",
		Short: "Persist a debug substitution for a single oplog index",
		Long:  "Record that, at future replays, the entry at target-index should be replaced by a bare entry of replacement-kind. Intended for interactive debugging sessions, not production recovery automation.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseWorkerID(args[0])
			if err != nil {
				return err
			}
			targetIndex, err := parseUint64(args[1])
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

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			substitute := oplog.Entry{Kind: oplog.Kind(args[2])}
			if err := w.executor.ManualOverride(ctx, id, oplog.Index(targetIndex), substitute); err != nil {
				return err
			}
			cmd.Printf("recorded manual override for %s at index %d\n", id, targetIndex)
			return nil
		},
	}
	return cmd
}

func completePromiseCmd() *cobra.Command {
	var payload string

	cmd := &cobra.Command{
		Use:   "complete-promise <component/name> <promise-id>",
		Short: "Complete an outstanding promise",
		Args:  cobra.ExactArgs(2),
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

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := w.executor.CompletePromise(ctx, id, args[1], []byte(payload)); err != nil {
				return err
			}
			cmd.Printf("completed promise %s for %s\n", args[1], id)
			return nil
		},
	}

	cmd.Flags().StringVarP(&payload, "payload", "p", "", "Completion payload bytes (as a raw string)")
	return cmd
}
