// Package mcpserver exposes the evaluation engine over the Model Context
// Protocol.
//
// The server registers four tools built with mark3labs/mcp-go:
// submit_evaluation, evaluation_status, kill_evaluation and list_backends.
// Failures are returned as tool error results carrying a reason code;
// internal error detail is only logged.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	srv, err := mcpserver.New(cfg, logger, eng)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = srv.Serve(ctx)
package mcpserver
