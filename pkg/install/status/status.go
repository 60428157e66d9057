// Package status declares error constants returned by the installer
package status

import "github.com/oneconcern/codeship/pkg/errors"

var (
	// ErrInvalidBundle indicates a bundle that cannot be installed as is
	ErrInvalidBundle = errors.New("invalid bundle")

	// ErrExtract indicates a failure to restore a bundle on disk. Nothing is activated.
	ErrExtract = errors.New("bundle extraction failed")

	// ErrResolve indicates a module or symbol that could not be loaded
	ErrResolve = errors.New("cannot resolve reference")

	// ErrNotInstalled indicates a unit with no active installation
	ErrNotInstalled = errors.New("unit not installed")
)
