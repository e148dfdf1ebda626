package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/golem-project/worker-executor/internal/oplog"
)

func readOplogCmd() *cobra.Command {
	var (
		from  uint64
		limit int
	)

	cmd := &cobra.Command{
		Use:   "read-oplog <component/name>",
		Short: "Read a worker's oplog entries",
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
			entries, err := w.executor.ReadOplog(ctx, id, oplog.Index(from), limit)
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	}

	cmd.Flags().Uint64Var(&from, "from", 0, "First index to read (inclusive)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum entries to return (0 means no limit)")
	return cmd
}

func searchOplogCmd() *cobra.Command {
	var (
		componentID    string
		function       string
		idempotencyKey string
		limit          int
	)

	cmd := &cobra.Command{
		Use:   "search-oplog",
		Short: "Search indexed oplog entries across workers",
		RunE: func(cmd *cobra.Command, args []string) error {
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
			results, err := w.executor.SearchOplog(ctx, oplog.SearchQuery{
				ComponentID:    componentID,
				Function:       function,
				IdempotencyKey: idempotencyKey,
				Limit:          limit,
			})
			if err != nil {
				return err
			}
			return printJSON(results)
		},
	}

	cmd.Flags().StringVar(&componentID, "component", "", "Filter by component id")
	cmd.Flags().StringVar(&function, "function", "", "Filter by function name")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Filter by idempotency key")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum results to return")
	return cmd
}

func connectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect <component/name>",
		Short: "Stream a worker's oplog as it is appended",
		Long:  "Stream oplog entries for a worker, replaying its full history first and then following live appends until interrupted.",
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

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			ch, stop, err := w.executor.ConnectWorker(ctx, id)
			if err != nil {
				return err
			}
			defer stop()

			for entry := range ch {
				if err := printJSON(entry); err != nil {
					return err
				}
			}
			return nil
		},
	}

	return cmd
}
