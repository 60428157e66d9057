package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"github.com/oneconcern/codeship/pkg/codeship"
	"github.com/oneconcern/codeship/pkg/fingerprint"
	"github.com/oneconcern/codeship/pkg/install"
	"github.com/oneconcern/codeship/pkg/luahost"
	"github.com/oneconcern/codeship/pkg/storage"
	"github.com/oneconcern/codeship/pkg/storage/localfs"
)

const stdio = "-"

// newSender builds the host lua modules are loaded from, and the options to ship them
func newSender() (*luahost.Host, []codeship.Option, error) {
	root := codeshipFlags.sender.root
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, nil, err
		}
		root = wd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, nil, err
	}

	opts := []codeship.Option{
		codeship.Root(root),
		codeship.Logger(logger),
		codeship.Metrics(cliMetrics),
	}
	if len(codeshipFlags.sender.exclude) > 0 {
		opts = append(opts, codeship.ExcludedDirs(codeshipFlags.sender.exclude...))
	}
	if size := codeshipFlags.sender.fingerprintSize; size > 0 {
		maker, err := fingerprint.New(fingerprint.Size(size))
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, codeship.Fingerprinter(maker))
	}

	host := luahost.New(
		luahost.Logger(logger),
		luahost.SearchPath(append([]string{root}, codeshipFlags.sender.paths...)...),
	)
	return host, opts, nil
}

// newReceiver builds the host and registry shipped code units are installed into
func newReceiver() *install.Registry {
	host := luahost.New(
		luahost.Logger(logger),
		luahost.SearchPath(codeshipFlags.receiver.paths...),
	)
	opts := []install.Option{
		install.Logger(logger),
		install.Metrics(cliMetrics),
		install.PurgeGrace(codeshipFlags.receiver.purgeGrace),
	}
	if codeshipFlags.receiver.scratch != "" {
		opts = append(opts, install.ScratchRoot(codeshipFlags.receiver.scratch))
	}
	if codeshipFlags.receiver.tool != "" {
		opts = append(opts, install.ToolID(codeshipFlags.receiver.tool))
	}
	return install.New(host, opts...)
}

// payloadStore splits a payload file name into a store and a key
func payloadStore(pth string, readOnly bool) (storage.Store, string, error) {
	abs, err := filepath.Abs(pth)
	if err != nil {
		return nil, "", err
	}
	var store storage.Store
	if readOnly {
		store, err = localfs.NewReadOnlyDir(filepath.Dir(abs))
	} else {
		store, err = localfs.NewDir(filepath.Dir(abs))
	}
	if err != nil {
		return nil, "", err
	}
	return storage.Instrument(logger, store), filepath.Base(abs), nil
}

func readPayload(ctx context.Context, pth string) ([]byte, error) {
	if pth == stdio {
		return io.ReadAll(os.Stdin)
	}
	store, key, err := payloadStore(pth, true)
	if err != nil {
		return nil, err
	}
	return storage.ReadAll(ctx, store, key)
}

func writePayload(ctx context.Context, pth string, raw []byte) error {
	if pth == stdio {
		_, err := os.Stdout.Write(raw)
		return err
	}
	store, key, err := payloadStore(pth, false)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, bytes.NewReader(raw))
}

// parseArgs reads each argument as a YAML value
func parseArgs(args []string) ([]interface{}, error) {
	values := make([]interface{}, 0, len(args))
	for _, arg := range args {
		var v interface{}
		if err := yaml.Unmarshal([]byte(arg), &v); err != nil {
			return nil, fmt.Errorf("argument %q: %w", arg, err)
		}
		values = append(values, normalizeYAML(v))
	}
	return values, nil
}

// normalizeYAML turns the maps decoded by yaml into maps keyed by strings
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, e := range val {
			m[fmt.Sprint(k)] = normalizeYAML(e)
		}
		return m
	case []interface{}:
		for i, e := range val {
			val[i] = normalizeYAML(e)
		}
		return val
	default:
		return v
	}
}
