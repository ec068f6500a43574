// Package main is the entry point for the evalbox MCP server.
//
// evalbox runs untrusted code submitted over the Model Context Protocol
// inside isolated sandboxes. Each submission is classified into a risk
// tier, queued behind a bounded number of execution slots and provisioned
// on the strongest available isolation backend. Results are persisted to
// the configured result store.
//
// Commands:
//
//	evalbox serve     run the MCP server (stdio or HTTP)
//	evalbox backends  probe the isolation backends and print their status
//
// The serve command wires its components with Uber's fx, logs with zap and
// reads configuration through viper.
package main
