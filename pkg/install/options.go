package install

import (
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/oneconcern/codeship/pkg/metrics"
)

// Option for the installation registry
type Option func(*Registry)

// Fs sets the filesystem bundles are extracted to. It must be the one the host loads modules from.
func Fs(fs afero.Fs) Option {
	return func(r *Registry) {
		r.fs = fs
	}
}

// ScratchRoot sets the directory under which bundles are extracted
func ScratchRoot(dir string) Option {
	return func(r *Registry) {
		r.scratch = dir
	}
}

// ToolID sets the prefix of installed location names
func ToolID(id string) Option {
	return func(r *Registry) {
		r.tool = id
	}
}

// Logger for the registry
func Logger(l *zap.Logger) Option {
	return func(r *Registry) {
		r.l = l
	}
}

// Metrics collects installer counters
func Metrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// PurgeGrace sets how long a location is kept by Purge after it was last installed.
// Locations installed by other processes sharing the scratch root are only known by their age.
func PurgeGrace(d time.Duration) Option {
	return func(r *Registry) {
		if d >= 0 {
			r.grace = d
		}
	}
}
