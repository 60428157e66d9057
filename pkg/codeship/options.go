package codeship

import (
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/oneconcern/codeship/pkg/fingerprint"
	"github.com/oneconcern/codeship/pkg/metrics"
)

// Option for a Pickler
type Option func(*Pickler)

// Root sets the working root: code units loaded from under it are shipped with the stream
func Root(dir string) Option {
	return func(p *Pickler) {
		p.root = dir
	}
}

// Fs sets the filesystem code units are archived from
func Fs(fs afero.Fs) Option {
	return func(p *Pickler) {
		p.fs = fs
	}
}

// Locality overrides the predicate telling which module origins are shipped
func Locality(pred Predicate) Option {
	return func(p *Pickler) {
		p.locality = pred
	}
}

// ExcludedDirs sets the names of environment directories whose modules are never shipped
func ExcludedDirs(names ...string) Option {
	return func(p *Pickler) {
		p.excluded = names
	}
}

// Fingerprinter sets the fingerprint maker for bundles
func Fingerprinter(m *fingerprint.Maker) Option {
	return func(p *Pickler) {
		p.maker = m
	}
}

// Logger for the pickler
func Logger(l *zap.Logger) Option {
	return func(p *Pickler) {
		p.l = l
	}
}

// Metrics collects bundler counters
func Metrics(m *metrics.Metrics) Option {
	return func(p *Pickler) {
		p.metrics = m
	}
}

// RuntimeOption for a Runtime
type RuntimeOption func(*Runtime)

// Verifier sets the fingerprint maker used to check incoming bundles.
// It must be configured like the sender's.
func Verifier(m *fingerprint.Maker) RuntimeOption {
	return func(rt *Runtime) {
		rt.maker = m
	}
}

// RuntimeLogger sets the logger of a runtime
func RuntimeLogger(l *zap.Logger) RuntimeOption {
	return func(rt *Runtime) {
		rt.l = l
	}
}
