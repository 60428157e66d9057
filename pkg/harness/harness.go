package harness

import (
	"bytes"
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/oneconcern/codeship/pkg/harness/status"
	"github.com/oneconcern/codeship/pkg/storage"
	"github.com/oneconcern/codeship/pkg/storage/localfs"
)

// PayloadKey is the name of a staged payload within its shared directory
const PayloadKey = "payload.cbor"

// Result of running a payload
type Result struct {
	Passed   bool   `json:"passed" yaml:"passed"`
	ExitCode int    `json:"exitCode" yaml:"exitCode"`
	Output   string `json:"output,omitempty" yaml:"output,omitempty"`
}

// Runner executes "codeship run" on the payload stored as key in dir
type Runner interface {
	Run(ctx context.Context, dir, key string) (*Result, error)
	String() string
}

// RunnerFunc adapts a function to the Runner interface
type RunnerFunc func(ctx context.Context, dir, key string) (*Result, error)

// Run the function
func (f RunnerFunc) Run(ctx context.Context, dir, key string) (*Result, error) {
	return f(ctx, dir, key)
}

func (f RunnerFunc) String() string {
	return "func"
}

// Harness stages payloads and runs them
type Harness struct {
	runner Runner
	shared string
	keep   bool
	l      *zap.Logger
}

// New harness with a runner
func New(runner Runner, opts ...Option) *Harness {
	h := &Harness{
		runner: runner,
		shared: os.TempDir(),
		l:      zap.NewNop(),
	}
	for _, apply := range opts {
		apply(h)
	}
	return h
}

// Run a serialized payload
func (h *Harness) Run(ctx context.Context, payload []byte) (*Result, error) {
	return h.run(ctx, func(ctx context.Context, dst storage.Store) error {
		return dst.Put(ctx, PayloadKey, bytes.NewReader(payload))
	})
}

// RunStored runs a payload read from a store
func (h *Harness) RunStored(ctx context.Context, src storage.Store, key string) (*Result, error) {
	return h.run(ctx, func(ctx context.Context, dst storage.Store) error {
		_, err := storage.ReadTee(ctx, src, key, dst, PayloadKey)
		return err
	})
}

func (h *Harness) run(ctx context.Context, stage func(context.Context, storage.Store) error) (*Result, error) {
	dir, err := os.MkdirTemp(h.shared, "codeship-shared-")
	if err != nil {
		return nil, status.ErrStage.Wrap(err)
	}
	if !h.keep {
		defer func() {
			_ = os.RemoveAll(dir)
		}()
	}

	store, err := localfs.NewDir(dir)
	if err != nil {
		return nil, status.ErrStage.Wrap(err)
	}
	if err = stage(ctx, storage.Instrument(h.l, store)); err != nil {
		return nil, status.ErrStage.Wrap(err)
	}

	h.l.Info("running payload", zap.Stringer("runner", h.runner), zap.String("dir", dir))
	res, err := h.runner.Run(ctx, dir, PayloadKey)
	if err != nil {
		return nil, status.ErrRunner.Wrap(err)
	}
	h.l.Info("payload done",
		zap.Stringer("runner", h.runner),
		zap.Bool("passed", res.Passed),
		zap.Int("exit code", res.ExitCode),
	)
	return res, nil
}
