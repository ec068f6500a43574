package sandbox

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/isdmx/evalbox/policy"
)

// NewPodmanBackend creates a container strength backend using podman.
// Podman accepts the same create flags as docker; only the probe and the
// stats field names differ.
func NewPodmanBackend(logger *zap.Logger, opts ...ContainerOption) *ContainerBackend {
	return newContainerBackend(logger, &ContainerBackend{
		name:      "podman",
		binary:    "podman",
		strength:  policy.IsolationContainer,
		pidsField: "PIDS",
		probe:     probePodman,
	}, opts)
}

func probePodman(ctx context.Context, b *ContainerBackend) error {
	stdout, stderr, exitCode, err := b.cmdRunner.RunCommand(ctx, []string{b.binary, "version", "--format", "{{.Client.Version}}"})
	if err != nil {
		return fmt.Errorf("failed to run %s: %w", b.binary, err)
	}
	if exitCode != 0 || strings.TrimSpace(stdout) == "" {
		return fmt.Errorf("%s unavailable: %s", b.binary, strings.TrimSpace(stderr))
	}
	return nil
}
