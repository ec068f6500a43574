package sandbox

import (
	"fmt"
	"sort"
	"strings"
)

// Language describes how to run code of one language inside a sandbox.
//
// RunCmd is a shell snippet. It can reference $CODE_FILE (the absolute path
// of the code file inside the sandbox) and $SCRATCH (the writable scratch
// directory). Environment values may reference $SCRATCH as well.
type Language struct {
	Name        string
	Image       string
	FileName    string
	RunCmd      string
	Environment map[string]string
}

// DefaultLanguages returns the built-in language table.
func DefaultLanguages() map[string]Language {
	return map[string]Language{
		"python": {
			Name:     "python",
			Image:    "python:3.11-slim",
			FileName: "main.py",
			RunCmd:   `python3 -I "$CODE_FILE"`,
			Environment: map[string]string{
				"PYTHONDONTWRITEBYTECODE": "1",
				"PYTHONUNBUFFERED":        "1",
			},
		},
		"nodejs": {
			Name:     "nodejs",
			Image:    "node:20-alpine",
			FileName: "index.js",
			RunCmd:   `node "$CODE_FILE"`,
		},
		"go": {
			Name:     "go",
			Image:    "golang:1.23-alpine",
			FileName: "main.go",
			RunCmd:   `cd "$SCRATCH" && cp "$CODE_FILE" main.go && go build -o app main.go && ./app`,
			Environment: map[string]string{
				"GOCACHE":     "$SCRATCH/.cache",
				"GOFLAGS":     "-mod=mod",
				"GOTOOLCHAIN": "local",
			},
		},
		"cpp": {
			Name:     "cpp",
			Image:    "gcc:latest",
			FileName: "main.cpp",
			RunCmd:   `cd "$SCRATCH" && g++ -std=c++17 -O2 -o app "$CODE_FILE" && ./app`,
		},
		"shell": {
			Name:     "shell",
			Image:    "busybox:stable",
			FileName: "main.sh",
			RunCmd:   `sh "$CODE_FILE"`,
		},
	}
}

// Command returns the argv that runs the language's RunCmd.
func (l Language) Command() []string {
	return []string{"sh", "-c", l.RunCmd}
}

// Env builds the sandbox environment from scratch. Nothing is taken from
// the engine's own environment.
func (l Language) Env(codeFile, scratch string) []string {
	env := map[string]string{
		"PATH":      "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME":      scratch,
		"TMPDIR":    scratch,
		"LANG":      "C.UTF-8",
		"CODE_FILE": codeFile,
		"SCRATCH":   scratch,
	}
	for k, v := range l.Environment {
		env[k] = strings.ReplaceAll(v, "$SCRATCH", scratch)
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (l Language) validate() error {
	switch {
	case l.FileName == "":
		return fmt.Errorf("language %s: file name is required", l.Name)
	case strings.ContainsAny(l.FileName, "/\\") || l.FileName == "." || l.FileName == "..":
		return fmt.Errorf("language %s: invalid file name %q", l.Name, l.FileName)
	case strings.TrimSpace(l.RunCmd) == "":
		return fmt.Errorf("language %s: run command is required", l.Name)
	}
	return nil
}
