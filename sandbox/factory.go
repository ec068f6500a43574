package sandbox

import (
	"fmt"

	"go.uber.org/zap"
)

// BackendOptions selects and configures the backends to register.
type BackendOptions struct {
	Names []string
	// EnableLocal must be set for the process strength backend to be
	// registered at all.
	EnableLocal bool
	CmdRunner   CommandRunner
}

// NewBackends creates the named backends in the given order.
func NewBackends(logger *zap.Logger, opts BackendOptions) ([]Backend, error) {
	runner := opts.CmdRunner
	if runner == nil {
		runner = &RealCommandRunner{}
	}

	backends := make([]Backend, 0, len(opts.Names))
	for _, name := range opts.Names {
		switch name {
		case "gvisor":
			backends = append(backends, NewGVisorBackend(logger, WithContainerCommandRunner(runner)))
		case "docker":
			backends = append(backends, NewDockerBackend(logger, WithContainerCommandRunner(runner)))
		case "podman":
			backends = append(backends, NewPodmanBackend(logger, WithContainerCommandRunner(runner)))
		case "local":
			if !opts.EnableLocal {
				return nil, fmt.Errorf("backend local requires isolation.enable_local_backend")
			}
			backends = append(backends, NewLocalBackend(logger, WithLocalCommandRunner(runner)))
		default:
			return nil, fmt.Errorf("unsupported backend: %s", name)
		}
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("no backends configured")
	}
	return backends, nil
}
