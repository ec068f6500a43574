package sandbox

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/isdmx/evalbox/evaluation"
)

// parseStats parses one line of "MemUsage;NetIO;PIDs" as printed by
// docker and podman stats, e.g. "1.5MiB / 256MiB;1.2kB / 648B;3".
func parseStats(line string) (evaluation.Usage, error) {
	line = strings.TrimSpace(line)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	parts := strings.Split(line, ";")
	if len(parts) != 3 {
		return evaluation.Usage{}, fmt.Errorf("unexpected stats line %q", line)
	}

	var u evaluation.Usage
	mem, _, err := splitPair(parts[0])
	if err != nil {
		return evaluation.Usage{}, fmt.Errorf("memory usage: %w", err)
	}
	u.MemoryPeakBytes = mem

	// NetIO is "received / sent".
	u.NetRxBytes, u.NetTxBytes, err = splitPair(parts[1])
	if err != nil {
		return evaluation.Usage{}, fmt.Errorf("network io: %w", err)
	}

	pids := strings.TrimSpace(parts[2])
	if pids != "" && pids != "--" {
		n, err := strconv.Atoi(pids)
		if err != nil {
			return evaluation.Usage{}, fmt.Errorf("pids: %w", err)
		}
		u.PIDs = n
	}
	return u, nil
}

func splitPair(s string) (int64, int64, error) {
	left, right, ok := strings.Cut(s, "/")
	if !ok {
		return 0, 0, fmt.Errorf("malformed pair %q", s)
	}
	a, err := parseSize(left)
	if err != nil {
		return 0, 0, err
	}
	b, err := parseSize(right)
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "--" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil //nolint:gosec // sizes reported by the runtime fit in int64
}
