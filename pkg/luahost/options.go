package luahost

import (
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Option for a lua host
type Option func(*Host)

// Fs sets the filesystem modules are read from
func Fs(fs afero.Fs) Option {
	return func(h *Host) {
		h.fs = fs
	}
}

// Logger for the host
func Logger(l *zap.Logger) Option {
	return func(h *Host) {
		h.l = l
	}
}

// SearchPath sets the initial list of directories searched by require
func SearchPath(dirs ...string) Option {
	return func(h *Host) {
		h.path = append(h.path[:0], dirs...)
	}
}
