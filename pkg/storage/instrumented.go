// Copyright © 2018 One Concern

package storage

import (
	"context"
	"io"

	"go.uber.org/zap"
)

// Instrument a store with logs
func Instrument(l *zap.Logger, store Store) Store {
	return &instrumentedStore{
		store: store,
		l:     l.With(zap.String("store", store.String())),
	}
}

type instrumentedStore struct {
	store Store
	l     *zap.Logger
}

func (i *instrumentedStore) Has(ctx context.Context, key string) (bool, error) {
	i.l.Debug("storage has", zap.String("key", key))
	return i.store.Has(ctx, key)
}

func (i *instrumentedStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	i.l.Debug("storage get", zap.String("key", key))
	rdr, err := i.store.Get(ctx, key)
	if err != nil {
		i.l.Warn("storage get failed", zap.String("key", key), zap.Error(err))
	}
	return rdr, err
}

func (i *instrumentedStore) Put(ctx context.Context, key string, rdr io.Reader) error {
	i.l.Debug("storage put", zap.String("key", key))
	err := i.store.Put(ctx, key, rdr)
	if err != nil {
		i.l.Warn("storage put failed", zap.String("key", key), zap.Error(err))
	}
	return err
}

func (i *instrumentedStore) Delete(ctx context.Context, key string) error {
	i.l.Debug("storage delete", zap.String("key", key))
	return i.store.Delete(ctx, key)
}

func (i *instrumentedStore) Keys(ctx context.Context) ([]string, error) {
	i.l.Debug("storage keys")
	return i.store.Keys(ctx)
}

func (i *instrumentedStore) String() string {
	return i.store.String()
}
