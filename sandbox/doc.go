// Package sandbox provides isolated execution contexts for untrusted code.
//
// A Backend creates sandboxes of one isolation strength: gvisor (hardened,
// docker with the runsc runtime), docker and podman (container), and local
// (process, namespaces plus rlimits, opt-in only). Every backend is driven
// through the CommandRunner seam so tests never touch a real runtime.
//
// The Runtime probes backends at startup and on a cron schedule, and
// creates each sandbox on the strongest available backend that meets the
// policy's minimum strength. It never falls back to a weaker one.
//
// The Provisioner owns every live sandbox behind an opaque Handle. It
// writes the code read-only, builds the sandbox environment from scratch,
// and tears sandboxes down idempotently. A teardown that cannot be
// confirmed becomes a leak incident that is retried with exponential
// backoff and escalated when retries run out.
//
// Usage:
//
//	backends, err := sandbox.NewBackends(logger, sandbox.BackendOptions{Names: []string{"gvisor", "docker"}})
//	rt, err := sandbox.NewRuntime(logger, backends)
//	prov, err := sandbox.NewProvisioner(logger, rt, sandbox.DefaultLanguages())
//	h, backend, err := prov.Provision(ctx, sandbox.ProvisionRequest{EvalID: id, Language: "python", Code: code, Policy: p})
package sandbox
