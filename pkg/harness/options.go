package harness

import (
	"io"
	"time"

	"go.uber.org/zap"
)

// Option for the harness
type Option func(*Harness)

// SharedRoot sets the directory under which shared payload directories are created
func SharedRoot(dir string) Option {
	return func(h *Harness) {
		h.shared = dir
	}
}

// KeepShared leaves shared directories in place after a run
func KeepShared(keep bool) Option {
	return func(h *Harness) {
		h.keep = keep
	}
}

// Logger for the harness
func Logger(l *zap.Logger) Option {
	return func(h *Harness) {
		if l != nil {
			h.l = l
		}
	}
}

// RunnerOption configures the local and container runners
type RunnerOption func(*runnerSettings)

type runnerSettings struct {
	binary  string
	stream  io.Writer
	timeout time.Duration
	env     map[string]string
}

func defaultRunnerSettings() runnerSettings {
	return runnerSettings{
		timeout: 5 * time.Minute,
	}
}

// Binary sets the codeship executable invoked by the runner
func Binary(pth string) RunnerOption {
	return func(s *runnerSettings) {
		s.binary = pth
	}
}

// Stream copies the output of the payload to a writer, in addition to the result
func Stream(w io.Writer) RunnerOption {
	return func(s *runnerSettings) {
		s.stream = w
	}
}

// Timeout bounds the duration of a run
func Timeout(d time.Duration) RunnerOption {
	return func(s *runnerSettings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// Env adds an environment variable to the run
func Env(key, value string) RunnerOption {
	return func(s *runnerSettings) {
		if s.env == nil {
			s.env = make(map[string]string)
		}
		s.env[key] = value
	}
}
