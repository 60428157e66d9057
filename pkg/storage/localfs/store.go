// Copyright © 2018 One Concern

// Package localfs implements the Store interface on top of an afero.Fs.
package localfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/oneconcern/codeship/internal/rand"
	"github.com/oneconcern/codeship/pkg/storage"
	"github.com/oneconcern/codeship/pkg/storage/status"
)

// staging area for atomic puts, within the store itself
const nestedPutStageName = ".put-stage"

// New creates a local file system backed store.
//
// Puts are atomic when Rename is on the underlying filesystem: objects are
// written to a staging area, then renamed into place.
func New(fs afero.Fs) (storage.Store, error) {
	if fs == nil {
		fs = afero.NewBasePathFs(afero.NewOsFs(), ".")
	}
	return &localFS{fs: fs}, nil
}

// NewDir creates a store rooted at a directory of the OS filesystem
func NewDir(dir string) (storage.Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return New(afero.NewBasePathFs(afero.NewOsFs(), dir))
}

// NewReadOnlyDir creates a store reading objects from a directory of the OS filesystem
func NewReadOnlyDir(dir string) (storage.Store, error) {
	return New(afero.NewReadOnlyFs(afero.NewBasePathFs(afero.NewOsFs(), dir)))
}

type localFS struct {
	fs afero.Fs
}

func maybeInvalidKey(key string) error {
	clean := filepath.Clean(strings.TrimLeft(key, string(os.PathSeparator)))
	if key == "" || clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return status.ErrInvalidKey.Wrapf("%q", key)
	}
	if strings.SplitN(clean, string(os.PathSeparator), 2)[0] == nestedPutStageName {
		return status.ErrInvalidKey.Wrapf("key %q conflicts with put staging area name %q", key, nestedPutStageName)
	}
	return nil
}

func (l *localFS) Has(_ context.Context, key string) (bool, error) {
	if err := maybeInvalidKey(key); err != nil {
		return false, err
	}
	fi, err := l.fs.Stat(key)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !fi.IsDir(), nil
}

func (l *localFS) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	has, err := l.Has(ctx, key)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, status.ErrNotExists.Wrapf("%q", key)
	}
	return l.fs.Open(key)
}

func (l *localFS) Put(_ context.Context, key string, source io.Reader) (err error) {
	if err = maybeInvalidKey(key); err != nil {
		return err
	}
	if err = l.fs.MkdirAll(nestedPutStageName, 0o700); err != nil {
		return fmt.Errorf("ensuring put staging directory for %q: %w", nestedPutStageName, err)
	}
	stageKey := filepath.Join(nestedPutStageName, rand.LetterString(16))
	target, err := l.fs.OpenFile(stageKey, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create record for %q: %w", key, err)
	}
	defer func() {
		if err != nil {
			_ = l.fs.Remove(stageKey)
		}
	}()

	if _, err = io.Copy(target, source); err != nil {
		_ = target.Close()
		return fmt.Errorf("write record for %q: %w", key, err)
	}
	if err = target.Close(); err != nil {
		return err
	}

	// Rename doesn't create directories
	if dir := filepath.Dir(key); dir != "." {
		if err = l.fs.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("ensuring directories for %q: %w", key, err)
		}
	}
	return l.fs.Rename(stageKey, key)
}

func (l *localFS) Delete(_ context.Context, key string) error {
	if err := maybeInvalidKey(key); err != nil {
		return err
	}
	if err := l.fs.Remove(key); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %q: %w", key, err)
	}
	return nil
}

func (l *localFS) Keys(_ context.Context) ([]string, error) {
	const root = "."
	var res []string
	e := afero.Walk(l.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == nestedPutStageName {
				return filepath.SkipDir
			}
			return nil
		}
		res = append(res, path)
		return nil
	})
	if e != nil {
		return nil, e
	}
	sort.Strings(res)
	return res, nil
}

func (l *localFS) String() string {
	const localfs = "localfs"
	switch fs := l.fs.(type) {
	case *afero.BasePathFs:
		pp, err := fs.RealPath("")
		if err != nil {
			return localfs
		}
		return localfs + "@" + pp
	default:
		return localfs
	}
}
