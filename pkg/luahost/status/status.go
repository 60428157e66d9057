// Package status declares error constants returned by the lua host
package status

import "github.com/oneconcern/codeship/pkg/errors"

var (
	// ErrNotFound is returned when no search path entry holds a module
	ErrNotFound = errors.New("module not found")

	// ErrCycle is returned when a module is required again while its chunk runs
	ErrCycle = errors.New("module required while loading")

	// ErrLoad is returned when a module source fails to compile or run
	ErrLoad = errors.New("error loading module")

	// ErrNoSymbol is returned when a dotted path does not lead to a value
	ErrNoSymbol = errors.New("symbol not found")

	// ErrCall is returned when calling into lua raises an error
	ErrCall = errors.New("lua call failed")

	// ErrUnsupported is returned for go values with no lua counterpart
	ErrUnsupported = errors.New("value cannot be converted")

	// ErrForeign is returned when a pinned value is used with another host
	ErrForeign = errors.New("value belongs to another host")
)
