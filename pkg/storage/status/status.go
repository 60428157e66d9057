// Copyright © 2018 One Concern

// Package status declares error constants returned by
// implementations of the Store interface.
//
// NOTE: such constants are located in a separate package to avoid
// creating undue cyclical dependencies between pkg/storage and one
// of its implementations.
package status

import "github.com/oneconcern/codeship/pkg/errors"

var (
	// ErrNotExists indicates that the fetched object does not exist on storage
	ErrNotExists = errors.New("object doesn't exist")

	// ErrObjectTooBig indicates that the object is too big to be read into memory
	ErrObjectTooBig = errors.New("object too big to be read into memory")

	// ErrInvalidKey indicates a key that cannot designate an object
	ErrInvalidKey = errors.New("invalid object key")

	// ErrStorageAPI indicates any other storage error
	ErrStorageAPI = errors.New("storage API error")
)
