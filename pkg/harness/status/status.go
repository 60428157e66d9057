// Package status declares error constants returned by the test harness
package status

import "github.com/oneconcern/codeship/pkg/errors"

var (
	// ErrStage indicates a payload that could not be written to the shared directory
	ErrStage = errors.New("cannot stage payload")

	// ErrRunner indicates a runner that could not execute a payload at all.
	// A payload that runs and fails is reported in the Result, not as an error.
	ErrRunner = errors.New("runner failed")
)
