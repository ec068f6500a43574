package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/evalbox/logger"
	"github.com/isdmx/evalbox/sandbox"
)

const probeTimeout = 30 * time.Second

var outputFormat string

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "Probe isolation backends and print their status",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := logger.NewFromConfig(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		backends, err := sandbox.NewBackends(log, sandbox.BackendOptions{
			Names:       cfg.Isolation.Backends,
			EnableLocal: cfg.Isolation.EnableLocalBackend,
		})
		if err != nil {
			return err
		}
		rt, err := sandbox.NewRuntime(log, backends)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
		defer cancel()
		rt.ProbeAll(ctx)

		return writeBackends(cmd.OutOrStdout(), outputFormat, rt.AvailableBackends())
	},
}

func init() {
	backendsCmd.Flags().StringVarP(&outputFormat, "output", "o", "yaml", "output format (yaml or json)")
	rootCmd.AddCommand(backendsCmd)
}

func writeBackends(w io.Writer, format string, statuses []sandbox.BackendStatus) error {
	doc := map[string]any{"backends": statuses}
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}
