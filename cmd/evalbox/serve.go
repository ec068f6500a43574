package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/isdmx/evalbox/mcpserver"
)

var transport string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		switch transport {
		case "":
		case "stdio", "http":
			cfg.Server.Transport = transport
		default:
			return fmt.Errorf("unsupported transport: %s", transport)
		}

		app := fx.New(
			components(cfg),
			fx.Invoke(runServer),
		)
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&transport, "transport", "", "override server.transport (stdio or http)")
	rootCmd.AddCommand(serveCmd)
}

// runServer serves MCP in the background and shuts the application down
// when the transport ends, for example when stdin is closed.
func runServer(lc fx.Lifecycle, sd fx.Shutdowner, srv *mcpserver.MCPServer, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := srv.Serve(ctx); err != nil {
					log.Error("MCP transport stopped", zap.Error(err))
					_ = sd.Shutdown(fx.ExitCode(1))
					return
				}
				_ = sd.Shutdown()
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
