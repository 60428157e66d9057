// Package status declares error constants returned by the code shipping layer
package status

import "github.com/oneconcern/codeship/pkg/errors"

var (
	// ErrOrdering indicates a symbol materialized by name before its code unit was installed
	ErrOrdering = errors.New("symbol materialized before its code unit")

	// ErrReference indicates a malformed unit or symbol reference in a stream
	ErrReference = errors.New("malformed reference")

	// ErrBundle indicates a local code unit that could not be bundled
	ErrBundle = errors.New("cannot bundle code unit")

	// ErrNotCallable indicates a thunk whose function cannot be called
	ErrNotCallable = errors.New("value is not callable")
)
