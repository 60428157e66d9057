package codeship

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bundlestatus "github.com/oneconcern/codeship/pkg/bundle/status"
	"github.com/oneconcern/codeship/pkg/codec"
	"github.com/oneconcern/codeship/pkg/codeship/status"
	"github.com/oneconcern/codeship/pkg/errors"
	"github.com/oneconcern/codeship/pkg/fingerprint"
	"github.com/oneconcern/codeship/pkg/install"
	"github.com/oneconcern/codeship/pkg/luahost"
)

const work = "/work"

func writeFile(t testing.TB, fs afero.Fs, name, content string) {
	require.NoError(t, afero.WriteFile(fs, name, []byte(content), 0o644))
}

type sender struct {
	fs   afero.Fs
	host *luahost.Host
}

func newSender(t testing.TB) *sender {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/work/pkg/init.lua", `return {}`)
	writeFile(t, fs, "/work/pkg/mod.lua", `
local M = {}
function M.f(x) return x + 1 end
M.inner = { g = function(x) return x * 2 end }
return M
`)
	writeFile(t, fs, "/work/app/init.lua", `
local mod = require("app.mod")
return { mod = mod }
`)
	writeFile(t, fs, "/work/app/mod.lua", `
local M = {}
function M.f(x) return x * 10 end
function M.deep(n) local t = {} for i = 1, n do t = {n = t} end return t end
return M
`)
	writeFile(t, fs, "/work/vendor/dep.lua", `return { h = function() return "dep" end }`)
	writeFile(t, fs, "/work/single.lua", `return { s = function() return "single" end }`)
	return &sender{
		fs:   fs,
		host: luahost.New(luahost.Fs(fs), luahost.SearchPath(work, "/work/vendor")),
	}
}

func (s *sender) symbol(t testing.TB, module, path string) *luahost.Symbol {
	sym, err := s.host.Symbol(module, path)
	require.NoError(t, err)
	return sym
}

func (s *sender) dumps(t testing.TB, v interface{}, opts ...Option) []byte {
	raw, err := Dumps(s.host, v, append([]Option{Root(work), Fs(s.fs)}, opts...)...)
	require.NoError(t, err)
	return raw
}

type receiver struct {
	fs   afero.Fs
	host *luahost.Host
	reg  *install.Registry
}

func newReceiver(t testing.TB, path ...string) *receiver {
	fs := afero.NewMemMapFs()
	host := luahost.New(luahost.Fs(fs), luahost.SearchPath(path...))
	return &receiver{
		fs:   fs,
		host: host,
		reg:  install.New(host, install.Fs(fs), install.ScratchRoot("/scratch")),
	}
}

func (r *receiver) invoke(t testing.TB, raw []byte) []interface{} {
	v, err := Loads(r.reg, raw)
	require.NoError(t, err)
	res, err := Invoke(v)
	require.NoError(t, err)
	return res
}

func TestRoundTripFreshReceiver(t *testing.T) {
	s := newSender(t)
	raw := s.dumps(t, Thunk(s.symbol(t, "pkg.mod", "f"), 1))

	r := newReceiver(t)
	assert.Equal(t, []interface{}{int64(2)}, r.invoke(t, raw))

	installations := r.reg.Installations()
	require.Len(t, installations, 1)
	assert.Equal(t, "pkg", installations[0].Unit)
	origin, ok := r.host.Origin("pkg.mod")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(origin, installations[0].Location))
}

func TestModifiedSourceSameReceiver(t *testing.T) {
	s := newSender(t)
	r := newReceiver(t)

	raw := s.dumps(t, Thunk(s.symbol(t, "pkg.mod", "f"), 1))
	assert.Equal(t, []interface{}{int64(2)}, r.invoke(t, raw))
	first, ok := r.reg.Active("pkg")
	require.True(t, ok)

	writeFile(t, s.fs, "/work/pkg/mod.lua", `return { f = function(x) return x + 2 end }`)
	raw = s.dumps(t, Thunk(s.symbol(t, "pkg.mod", "f"), 1))
	assert.Equal(t, []interface{}{int64(3)}, r.invoke(t, raw))

	second, ok := r.reg.Active("pkg")
	require.True(t, ok)
	assert.NotEqual(t, first.Location, second.Location)
	assert.NotContains(t, r.host.SearchPath(), first.Location)
	assert.Contains(t, r.host.SearchPath(), second.Location)

	// same content again: nothing to install
	assert.Equal(t, []interface{}{int64(3)}, r.invoke(t, raw))
	again, _ := r.reg.Active("pkg")
	assert.Equal(t, second, again)
}

func TestSymbolBeforeUnit(t *testing.T) {
	s := newSender(t)
	f := s.symbol(t, "pkg.mod", "f")
	g := s.symbol(t, "pkg.mod", "inner.g")
	mod, err := s.host.Require("pkg.mod")
	require.NoError(t, err)

	// the symbol comes first in the stream, the module afterwards
	raw := s.dumps(t, []interface{}{f, g, mod})
	assert.Equal(t, 1, bytes.Count(raw, []byte("x + 1")))

	r := newReceiver(t)
	v, err := Loads(r.reg, raw)
	require.NoError(t, err)
	values := v.([]interface{})
	require.Len(t, values, 3)

	res, err := values[0].(*luahost.Symbol).Call(1)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{int64(2)}, res)
	res, err = values[1].(*luahost.Symbol).Call(4)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{int64(8)}, res)
	require.IsType(t, &luahost.Module{}, values[2])
	assert.Equal(t, "pkg.mod", values[2].(*luahost.Module).Name)
}

func TestOrderingViolation(t *testing.T) {
	s := newSender(t)
	mod, err := s.host.Require("pkg.mod")
	require.NoError(t, err)

	// a plain encoder writes the symbol by name, ahead of its unit
	var buf bytes.Buffer
	require.NoError(t, codec.NewEncoder(&buf).Encode([]interface{}{s.symbol(t, "pkg.mod", "f"), mod}))

	r := newReceiver(t)
	_, err = Loads(r.reg, buf.Bytes())
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrOrdering))
	assert.True(t, errors.Is(err, codec.ErrImport))
}

func TestExtendLeavesBaseUnchanged(t *testing.T) {
	s := newSender(t)
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf)
	p := Extend(enc, s.host, Root(work), Fs(s.fs))

	for i := 0; i < 2; i++ {
		buf.Reset()
		require.NoError(t, p.Encode(Thunk(s.symbol(t, "pkg.mod", "f"), i)))
		assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("x + 1")))
		r := newReceiver(t)
		assert.Equal(t, []interface{}{int64(i + 1)}, r.invoke(t, buf.Bytes()))
	}

	buf.Reset()
	require.NoError(t, enc.Encode(Thunk(s.symbol(t, "pkg.mod", "f"), 1)))
	assert.NotContains(t, buf.String(), "x + 1")
}

func TestBundled(t *testing.T) {
	s := newSender(t)
	var buf bytes.Buffer
	p := Extend(codec.NewEncoder(&buf), s.host, Root(work), Fs(s.fs))

	require.NoError(t, p.Encode(Thunk(s.symbol(t, "pkg.mod", "f"), 1)))
	assert.True(t, p.Bundled("pkg"))
	assert.False(t, p.Bundled("single"))
	assert.Equal(t, []string{"pkg"}, p.Session().Units())

	// each stream ships its own units
	require.NoError(t, p.Encode("plain"))
	assert.False(t, p.Bundled("pkg"))
}

func TestNonLocalByName(t *testing.T) {
	s := newSender(t)
	dep := s.symbol(t, "dep", "h")
	raw := s.dumps(t, Thunk(dep))
	assert.NotContains(t, string(raw), "function()")

	// the receiver has its own copy of the dependency
	r := newReceiver(t, "/opt")
	writeFile(t, r.fs, "/opt/dep.lua", `return { h = function() return "receiver dep" end }`)
	assert.Equal(t, []interface{}{"receiver dep"}, r.invoke(t, raw))
	assert.Empty(t, r.reg.Installations())

	// a receiver without it fails
	_, err := Loads(newReceiver(t).reg, raw)
	assert.True(t, errors.Is(err, codec.ErrImport))
}

func TestSingleFileUnit(t *testing.T) {
	s := newSender(t)
	raw := s.dumps(t, Thunk(s.symbol(t, "single", "s")))

	r := newReceiver(t)
	assert.Equal(t, []interface{}{"single"}, r.invoke(t, raw))
	active, ok := r.reg.Active("single")
	require.True(t, ok)
	exists, err := afero.Exists(r.fs, filepath.Join(active.Location, "single.lua"))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCustomLocality(t *testing.T) {
	s := newSender(t)
	raw := s.dumps(t, Thunk(s.symbol(t, "pkg.mod", "f"), 1), Locality(func(string) bool { return false }))
	assert.NotContains(t, string(raw), "x + 1")

	raw = s.dumps(t, Thunk(s.symbol(t, "dep", "h")), ExcludedDirs())
	r := newReceiver(t)
	assert.Equal(t, []interface{}{"dep"}, r.invoke(t, raw))
	_, ok := r.reg.Active("dep")
	assert.True(t, ok)
}

func TestLocal(t *testing.T) {
	local := Local("/work", DefaultExcludedDirs...)
	for origin, expected := range map[string]bool{
		"/work/pkg/mod.lua":       true,
		"/work/single.lua":        true,
		"/work/./pkg/../x.lua":    true,
		"/work2/pkg.lua":          false,
		"/elsewhere/pkg.lua":      false,
		"/work/vendor/dep.lua":    false,
		"/work/pkg/lua_modules/a": false,
		"/work/.luarocks/lib.lua": false,
		"/work/pkg/vendored.lua":  true,
		"":                        false,
		"/work/../etc/passwd.lua": false,
	} {
		assert.Equal(t, expected, local(origin), origin)
	}
}

func TestFingerprintMismatch(t *testing.T) {
	s := newSender(t)
	raw := s.dumps(t, Thunk(s.symbol(t, "pkg.mod", "f"), 1))
	tampered := bytes.Replace(raw, []byte("x + 1"), []byte("x + 9"), 1)
	require.NotEqual(t, raw, tampered)

	r := newReceiver(t)
	_, err := Loads(r.reg, tampered)
	require.Error(t, err)
	assert.True(t, errors.Is(err, bundlestatus.ErrFingerprintMismatch))
	assert.Empty(t, r.reg.Installations())
}

func TestInvoke(t *testing.T) {
	_, err := Invoke("nope")
	assert.True(t, errors.Is(err, status.ErrNotCallable))

	_, err = Invoke(&codec.Call{Fn: "nope"})
	assert.True(t, errors.Is(err, status.ErrNotCallable))

	s := newSender(t)
	res, err := Invoke(s.symbol(t, "single", "s"))
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"single"}, res)
}

func TestUnitRoot(t *testing.T) {
	for _, tc := range []struct{ module, origin, root string }{
		{"pkg", "/work/pkg/init.lua", "/work"},
		{"pkg.mod", "/work/pkg/mod.lua", "/work"},
		{"pkg.sub", "/work/pkg/sub/init.lua", "/work"},
		{"pkg.sub.leaf", "/work/pkg/sub/leaf.lua", "/work"},
		{"pkg.init", "/work/pkg/init.lua", "/work"},
		{"single", "/work/single.lua", "/work"},
		{"dep", "/work/vendor/dep.lua", "/work/vendor"},
	} {
		assert.Equal(t, tc.root, unitRoot(tc.module, tc.origin), tc.module)
	}
}

func TestParentRequiresChild(t *testing.T) {
	s := newSender(t)
	raw := s.dumps(t, Thunk(s.symbol(t, "app.mod", "f"), 4))

	r := newReceiver(t)
	assert.Equal(t, []interface{}{int64(40)}, r.invoke(t, raw))
	assert.True(t, r.host.Loaded("app"))
	active, ok := r.reg.Active("app")
	require.True(t, ok)
	origin, ok := r.host.Origin("app")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(active.Location, "app", "init.lua"), origin)
}

func TestNestedResult(t *testing.T) {
	s := newSender(t)
	raw := s.dumps(t, Thunk(s.symbol(t, "app.mod", "deep"), 30))

	expected := map[string]interface{}{}
	for i := 0; i < 30; i++ {
		expected = map[string]interface{}{"n": expected}
	}
	r := newReceiver(t)
	assert.Equal(t, []interface{}{expected}, r.invoke(t, raw))
}

func TestSenderLeafSize(t *testing.T) {
	s := newSender(t)
	raw := s.dumps(t, Thunk(s.symbol(t, "pkg.mod", "f"), 1),
		Fingerprinter(fingerprint.MustNew(fingerprint.LeafSize(512))))

	r := newReceiver(t)
	assert.Equal(t, []interface{}{int64(2)}, r.invoke(t, raw))
}
