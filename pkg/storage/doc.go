// Copyright © 2018 One Concern

// Package storage provides an interface to keep serialized payloads.
//
// This package supports the following backends:
//   - local file system (or any afero.Fs)
package storage
