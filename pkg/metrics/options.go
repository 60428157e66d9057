package metrics

import "github.com/prometheus/client_golang/prometheus"

// Option defines some options to the metrics initialization
type Option func(*settings)

type settings struct {
	namespace  string
	registerer prometheus.Registerer
}

func defaultSettings() *settings {
	return &settings{
		namespace: "codeship",
	}
}

// WithNamespace defines the prefix of all metric names
func WithNamespace(ns string) Option {
	return func(s *settings) {
		s.namespace = ns
	}
}

// WithRegisterer registers the counters on a prometheus registry.
// Without a registerer, counters are collected but not exposed.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(s *settings) {
		s.registerer = r
	}
}
