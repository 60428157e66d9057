package harness

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
)

// Local runs payloads in a new process started in an empty working directory
type Local struct {
	runnerSettings
}

// NewLocal runner. The executable defaults to the current one.
func NewLocal(opts ...RunnerOption) *Local {
	r := &Local{runnerSettings: defaultRunnerSettings()}
	for _, apply := range opts {
		apply(&r.runnerSettings)
	}
	return r
}

func (r *Local) String() string {
	return "local"
}

// Run "codeship run" on a payload
func (r *Local) Run(ctx context.Context, dir, key string) (*Result, error) {
	binary := r.binary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, err
		}
		binary = self
	}

	work, err := os.MkdirTemp("", "codeship-run-")
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = os.RemoveAll(work)
	}()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var output bytes.Buffer
	sink := io.Writer(&output)
	if r.stream != nil {
		sink = io.MultiWriter(&output, r.stream)
	}

	cmd := exec.CommandContext(ctx, binary, "run", filepath.Join(dir, key))
	cmd.Dir = work
	cmd.Stdout = sink
	cmd.Stderr = sink
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(r.env))
	for k := range r.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+r.env[k])
	}

	err = cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return &Result{Passed: true, Output: output.String()}, nil
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		return &Result{ExitCode: exitErr.ExitCode(), Output: output.String()}, nil
	default:
		return nil, err
	}
}
