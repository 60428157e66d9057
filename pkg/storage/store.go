// Copyright © 2018 One Concern

package storage

import (
	"bytes"
	"context"
	"io"

	"github.com/docker/go-units"

	"github.com/oneconcern/codeship/pkg/storage/status"
)

// MaxObjectSizeInMemory bounds the payloads read at once
const MaxObjectSizeInMemory = 2 * units.GiB

// Store implementations know how to write payloads to a K/V model.
//
// Typically this is something file system-like.
// Implementations of this interface are assumed to be fairly simple.
type Store interface {
	String() string
	Has(context.Context, string) (bool, error)
	Get(context.Context, string) (io.ReadCloser, error)
	Put(context.Context, string, io.Reader) error
	Delete(context.Context, string) error
	Keys(context.Context) ([]string, error)
}

// ReadAll reads a whole object in memory
func ReadAll(ctx context.Context, store Store, key string) ([]byte, error) {
	reader, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	object, err := io.ReadAll(io.LimitReader(reader, MaxObjectSizeInMemory+1))
	if err != nil {
		return nil, status.ErrStorageAPI.Wrap(err)
	}
	if len(object) > MaxObjectSizeInMemory {
		return nil, status.ErrObjectTooBig.Wrapf("%s: more than %s", key, units.BytesSize(MaxObjectSizeInMemory))
	}
	return object, nil
}

// ReadTee reads from a source and duplicates the output to another destination store
func ReadTee(ctx context.Context, sStore Store, source string, dStore Store, destination string) ([]byte, error) {
	object, err := ReadAll(ctx, sStore, source)
	if err != nil {
		return nil, err
	}
	if err = dStore.Put(ctx, destination, bytes.NewReader(object)); err != nil {
		return nil, err
	}
	return object, nil
}
