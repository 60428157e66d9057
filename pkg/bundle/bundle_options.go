package bundle

import (
	"github.com/oneconcern/codeship/pkg/fingerprint"
	"github.com/oneconcern/codeship/pkg/metrics"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// SessionOption is a functor to build a session with some options
type SessionOption func(*Session)

// Fs sets the file system code units are read from
func Fs(fs afero.Fs) SessionOption {
	return func(s *Session) {
		if fs != nil {
			s.fs = fs
		}
	}
}

// Root sets the directory code units are looked up from
func Root(root string) SessionOption {
	return func(s *Session) {
		if root != "" {
			s.root = root
		}
	}
}

// Fingerprinter sets the fingerprint maker
func Fingerprinter(m *fingerprint.Maker) SessionOption {
	return func(s *Session) {
		s.maker = m
	}
}

// Logger sets the session logger
func Logger(l *zap.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.l = l
		}
	}
}

// Metrics sets the counters fed by the session
func Metrics(m *metrics.Metrics) SessionOption {
	return func(s *Session) {
		s.metrics = m
	}
}
