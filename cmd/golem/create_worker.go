package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/golem-project/worker-executor/internal/config"
	"github.com/golem-project/worker-executor/internal/worker"
)

func createWorkerCmd() *cobra.Command {
	var manifestPath string

	cmd := &cobra.Command{
		Use:   "create-worker",
		Short: "Create a worker from a manifest",
		Long:  "Create a worker from a YAML manifest file (see config.WorkerManifest), e.g. golem create-worker -f manifest.yaml.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if manifestPath == "" {
				return cmd.Usage()
			}
			manifest, err := config.LoadWorkerManifest(manifestPath)
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

			id := worker.ID{ComponentID: manifest.ComponentID, Name: manifest.Name}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			wasi := worker.WasiConfig{
				Args:     manifest.Args,
				Env:      manifest.Env,
				Preopens: manifest.Preopens,
			}
			if err := w.executor.CreateWorker(ctx, id, worker.ComponentRevision(manifest.Revision), manifest.Args, manifest.Env, wasi); err != nil {
				return err
			}
			cmd.Printf("created worker %s\n", id)
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "file", "f", "", "Path to worker manifest YAML")
	return cmd
}

func deleteWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete-worker <component/name>",
		Short: "Delete a worker",
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
			if err := w.executor.DeleteWorker(ctx, id); err != nil {
				return err
			}
			cmd.Printf("deleted worker %s\n", id)
			return nil
		},
	}
	return cmd
}

func getMetadataCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get-metadata <component/name>",
		Short: "Show a worker's derived metadata",
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
			meta, err := w.executor.GetMetadata(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(meta)
		},
	}
	return cmd
}
