package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/golem-project/worker-executor/internal/invocation"
	"github.com/golem-project/worker-executor/internal/wire"
)

func invokeCmd() *cobra.Command {
	var (
		payload        string
		idempotencyKey string
		async          bool
	)

	cmd := &cobra.Command{
		Use:   "invoke <component/name> <function>",
		Short: "Invoke a worker function",
		Long:  "Invoke a function on a worker and display its result. Use --async to fire-and-forget.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseWorkerID(args[0])
			if err != nil {
				return err
			}

			var raw json.RawMessage
			if payload != "" {
				raw = json.RawMessage(payload)
			} else {
				raw = json.RawMessage("{}")
			}
			argsPayload, err := wire.EncodePayload(args[1], raw)
			if err != nil {
				return fmt.Errorf("encode arguments: %w", err)
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

			req := invocation.Request{
				WorkerID:       id,
				Function:       args[1],
				Arguments:      argsPayload,
				IdempotencyKey: idempotencyKey,
			}

			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()

			if async {
				if err := w.executor.Invoke(ctx, req); err != nil {
					w.recordInvocation("error")
					return err
				}
				w.recordInvocation("ok")
				cmd.Println("invocation enqueued")
				return nil
			}

			result, err := w.executor.InvokeAndAwait(ctx, req)
			if err != nil {
				w.recordInvocation("error")
				return err
			}

			if result.Trap != nil {
				w.recordInvocation("trap")
				cmd.Printf("trap: %s\n", result.Trap.Message)
				return nil
			}

			w.recordInvocation("ok")
			var value json.RawMessage
			if err := wire.DecodePayload(result.Value, &value); err != nil {
				return fmt.Errorf("decode result: %w", err)
			}
			pretty, _ := json.MarshalIndent(value, "", "  ")
			cmd.Printf("Result:\n%s\n", pretty)
			return nil
		},
	}

	cmd.Flags().StringVarP(&payload, "payload", "p", "", "JSON-encoded function arguments")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Idempotency key for safe retries")
	cmd.Flags().BoolVar(&async, "async", false, "Fire-and-forget instead of waiting for a result")
	return cmd
}
