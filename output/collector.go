package output

import (
	"io"
)

// Limits are the per-stream ceilings.
type Limits struct {
	MaxBytes int
	MaxLines int
}

// Snapshot is a point-in-time copy of captured output.
type Snapshot struct {
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	StdoutTruncated bool   `json:"stdout_truncated"`
	StderrTruncated bool   `json:"stderr_truncated"`
}

// Truncated reports whether either stream lost data.
func (s Snapshot) Truncated() bool {
	return s.StdoutTruncated || s.StderrTruncated
}

// Collector captures stdout and stderr of one evaluation.
type Collector struct {
	stdout *Stream
	stderr *Stream
}

// NewCollector creates a collector with the same limits for both streams.
func NewCollector(limits Limits) *Collector {
	return &Collector{
		stdout: NewStream(limits.MaxBytes, limits.MaxLines),
		stderr: NewStream(limits.MaxBytes, limits.MaxLines),
	}
}

// Stdout returns the writer the sandbox stdout is copied into.
func (c *Collector) Stdout() io.Writer { return c.stdout }

// Stderr returns the writer the sandbox stderr is copied into.
func (c *Collector) Stderr() io.Writer { return c.stderr }

// Snapshot returns what has been captured so far. Safe to call while the
// process is still writing.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		Stdout:          c.stdout.String(),
		Stderr:          c.stderr.String(),
		StdoutTruncated: c.stdout.Truncated(),
		StderrTruncated: c.stderr.Truncated(),
	}
}

// Close seals both streams.
func (c *Collector) Close() {
	_ = c.stdout.Close()
	_ = c.stderr.Close()
}
