// Package status declares error constants returned by the bundle package.
package status

import "github.com/oneconcern/codeship/pkg/errors"

var (
	// ErrInvalidName indicates a unit name that cannot designate a top-level code unit
	ErrInvalidName = errors.New("invalid unit name")

	// ErrNotFound indicates that no code unit with that name exists under the source root
	ErrNotFound = errors.New("code unit not found")

	// ErrCorrupt indicates a truncated, empty or otherwise unreadable bundle
	ErrCorrupt = errors.New("corrupt bundle")

	// ErrUnsafePath indicates a bundle entry that would be restored outside of its unit
	ErrUnsafePath = errors.New("unsafe path in bundle")

	// ErrFingerprintMismatch indicates that a bundle's content does not match its fingerprint
	ErrFingerprintMismatch = errors.New("bundle fingerprint mismatch")
)
