// Package termination turns a completion trigger into a confirmed sandbox
// shutdown.
//
// For a program that exited on its own only teardown runs. For timeouts,
// kills and engine shutdown the controller sends SIGTERM, waits out the
// tier's grace period while sampling the sandbox, and escalates to SIGKILL
// of the whole tree when the grace period ends, when egress or a fork
// burst is detected, or when a kill request arrives mid-shutdown. The
// whole sequence, teardown included, is bounded by grace period plus the
// force-kill margin.
package termination
