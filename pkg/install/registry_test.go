package install

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oneconcern/codeship/pkg/bundle"
	"github.com/oneconcern/codeship/pkg/errors"
	"github.com/oneconcern/codeship/pkg/fingerprint"
	"github.com/oneconcern/codeship/pkg/install/status"
	"github.com/oneconcern/codeship/pkg/luahost"
	"github.com/oneconcern/codeship/pkg/metrics"
)

const scratch = "/scratch"

// unitBundle archives a unit whose mod module defines f(x) = x + inc
func unitBundle(t testing.TB, unit string, inc int) *bundle.Bundle {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, filepath.Join("/src", unit, "init.lua"), []byte(`return {}`), 0o644))
	require.NoError(t, afero.WriteFile(fs, filepath.Join("/src", unit, "mod.lua"),
		[]byte(fmt.Sprintf("return { f = function(x) return x + %d end }", inc)), 0o644))
	b, err := bundle.NewSession(bundle.Fs(fs), bundle.Root("/src")).Archive(unit)
	require.NoError(t, err)
	return b
}

type fixture struct {
	fs      afero.Fs
	host    *luahost.Host
	reg     *Registry
	metrics *metrics.Metrics
}

func newFixture(t testing.TB, opts ...Option) *fixture {
	fs := afero.NewMemMapFs()
	host := luahost.New(luahost.Fs(fs), luahost.SearchPath("/app"))
	m := metrics.New(metrics.WithRegisterer(prometheus.NewRegistry()))
	return &fixture{
		fs:      fs,
		host:    host,
		reg:     New(host, append([]Option{Fs(fs), ScratchRoot(scratch), Metrics(m)}, opts...)...),
		metrics: m,
	}
}

func (f *fixture) call(t testing.TB, module, symbol string, arg int) interface{} {
	v, err := f.reg.Resolve(module, symbol)
	require.NoError(t, err)
	require.IsType(t, &luahost.Symbol{}, v)
	res, err := v.(*luahost.Symbol).Call(arg)
	require.NoError(t, err)
	require.Len(t, res, 1)
	return res[0]
}

func (f *fixture) locationsOf(unit string) []string {
	var locations []string
	for _, dir := range f.host.SearchPath() {
		if f.reg.isLocationOf(dir, unit) {
			locations = append(locations, dir)
		}
	}
	return locations
}

func TestInstall(t *testing.T) {
	f := newFixture(t)
	b := unitBundle(t, "pkg", 1)

	installation, err := f.reg.Install(b)
	require.NoError(t, err)
	assert.Equal(t, "pkg", installation.Unit)
	assert.True(t, b.Fingerprint.Equal(installation.Fingerprint))
	assert.Equal(t, "/scratch/codeship-pkg-"+b.Fingerprint.String(), installation.Location)
	assert.Equal(t, []string{"/app", installation.Location}, f.host.SearchPath())

	exists, err := afero.Exists(f.fs, filepath.Join(installation.Location, "pkg", "mod.lua"))
	require.NoError(t, err)
	assert.True(t, exists)

	assert.Equal(t, int64(2), f.call(t, "pkg.mod", "f", 1))

	active, ok := f.reg.Active("pkg")
	require.True(t, ok)
	assert.Equal(t, installation, active)
	assert.Len(t, f.reg.Installations(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Installs.WithLabelValues("pkg")))

	// no staging leftovers
	entries, err := afero.ReadDir(f.fs, scratch)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestInstallIdempotent(t *testing.T) {
	f := newFixture(t)
	b := unitBundle(t, "pkg", 1)

	first, err := f.reg.Install(b)
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.call(t, "pkg.mod", "f", 1))

	// a second extraction would restore this file
	marker := filepath.Join(first.Location, "pkg", "mod.lua")
	require.NoError(t, afero.WriteFile(f.fs, marker, []byte(`return { f = function(x) return -1 end }`), 0o644))

	second, err := f.reg.Install(b)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"/app", first.Location}, f.host.SearchPath())

	content, err := afero.ReadFile(f.fs, marker)
	require.NoError(t, err)
	assert.Contains(t, string(content), "-1")

	// loaded modules are kept
	assert.True(t, f.host.Loaded("pkg.mod"))
	assert.Equal(t, int64(2), f.call(t, "pkg.mod", "f", 1))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.InstallCacheHits.WithLabelValues("pkg")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Installs.WithLabelValues("pkg")))
}

func TestInstallReplaces(t *testing.T) {
	f := newFixture(t)
	v1 := unitBundle(t, "pkg", 1)
	v2 := unitBundle(t, "pkg", 100)
	require.False(t, v1.Fingerprint.Equal(v2.Fingerprint))

	old, err := f.reg.Install(v1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.call(t, "pkg.mod", "f", 1))

	installation, err := f.reg.Install(v2)
	require.NoError(t, err)
	assert.Equal(t, []string{installation.Location}, f.locationsOf("pkg"))
	assert.False(t, f.host.Loaded("pkg.mod"))
	assert.Equal(t, int64(101), f.call(t, "pkg.mod", "f", 1))

	origin, ok := f.host.Origin("pkg.mod")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(origin, installation.Location))

	// files of the former installation are kept until purged
	exists, err := afero.DirExists(f.fs, old.Location)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Evictions.WithLabelValues("pkg")))

	// reinstalling a former version reuses its location
	again, err := f.reg.Install(v1)
	require.NoError(t, err)
	assert.Equal(t, old.Location, again.Location)
	assert.Equal(t, []string{old.Location}, f.locationsOf("pkg"))
	assert.Equal(t, int64(2), f.call(t, "pkg.mod", "f", 1))
}

func TestInstallLeavesOtherEntries(t *testing.T) {
	f := newFixture(t)
	maker := fingerprint.MustNew()
	stray, err := maker.Sum([]byte("stray"))
	require.NoError(t, err)

	strayLocation := f.reg.Location("pkg", stray)
	otherUnit := f.reg.Location("pkg-extra", stray)
	f.host.AddPath(strayLocation)
	f.host.AddPath(otherUnit)
	f.host.AddPath("/scratch/codeship-pkg-notahash")

	installation, err := f.reg.Install(unitBundle(t, "pkg", 1))
	require.NoError(t, err)
	assert.Equal(t, []string{"/app", otherUnit, "/scratch/codeship-pkg-notahash", installation.Location},
		f.host.SearchPath())
}

func TestInstallSeveralUnits(t *testing.T) {
	f := newFixture(t)

	a, err := f.reg.Install(unitBundle(t, "alpha", 1))
	require.NoError(t, err)
	b, err := f.reg.Install(unitBundle(t, "beta", 2))
	require.NoError(t, err)

	assert.Equal(t, []string{"/app", a.Location, b.Location}, f.host.SearchPath())
	assert.Equal(t, int64(2), f.call(t, "alpha.mod", "f", 1))
	assert.Equal(t, int64(3), f.call(t, "beta.mod", "f", 1))

	installations := f.reg.Installations()
	require.Len(t, installations, 2)
	assert.Equal(t, "alpha", installations[0].Unit)
	assert.Equal(t, "beta", installations[1].Unit)
}

func TestInstallExtractionFailure(t *testing.T) {
	f := newFixture(t)
	good := unitBundle(t, "pkg", 1)
	installation, err := f.reg.Install(good)
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.call(t, "pkg.mod", "f", 1))

	corrupt, err := bundle.New("pkg", good.Raw[:700], fingerprint.MustNew())
	require.NoError(t, err)
	_, err = f.reg.Install(corrupt)
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrExtract))

	// the former installation is still active
	assert.Equal(t, []string{installation.Location}, f.locationsOf("pkg"))
	active, ok := f.reg.Active("pkg")
	require.True(t, ok)
	assert.True(t, good.Fingerprint.Equal(active.Fingerprint))
	assert.True(t, f.host.Loaded("pkg.mod"))

	exists, err := afero.DirExists(f.fs, f.reg.Location("pkg", corrupt.Fingerprint))
	require.NoError(t, err)
	assert.False(t, exists)
	entries, err := afero.ReadDir(f.fs, scratch)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ExtractFailures.WithLabelValues("pkg", "extract")))
}

func TestInstallExtractionFailureFromScratch(t *testing.T) {
	f := newFixture(t)
	corrupt, err := bundle.New("pkg", make([]byte, 1024), fingerprint.MustNew())
	require.NoError(t, err)

	_, err = f.reg.Install(corrupt)
	assert.True(t, errors.Is(err, status.ErrExtract))
	assert.Empty(t, f.locationsOf("pkg"))
	_, ok := f.reg.Active("pkg")
	assert.False(t, ok)
}

func TestInstallInvalid(t *testing.T) {
	f := newFixture(t)

	// a bundle announcing another unit than the one it holds
	b := unitBundle(t, "pkg", 1)
	mislabeled := &bundle.Bundle{Name: "other", Raw: b.Raw, Fingerprint: b.Fingerprint}
	_, err := f.reg.Install(mislabeled)
	assert.True(t, errors.Is(err, status.ErrExtract))
	assert.Equal(t, []string{"/app"}, f.host.SearchPath())

	_, err = f.reg.Install(&bundle.Bundle{Name: "../pkg", Raw: b.Raw, Fingerprint: b.Fingerprint})
	assert.True(t, errors.Is(err, status.ErrInvalidBundle))

	_, err = f.reg.Install(&bundle.Bundle{Name: "pkg", Raw: b.Raw})
	assert.True(t, errors.Is(err, status.ErrInvalidBundle))
}

func TestInvalidate(t *testing.T) {
	f := newFixture(t)

	err := f.reg.Invalidate("pkg")
	assert.True(t, errors.Is(err, status.ErrNotInstalled))

	_, err = f.reg.Install(unitBundle(t, "pkg", 1))
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.call(t, "pkg.mod", "f", 1))

	require.NoError(t, f.reg.Invalidate("pkg"))
	assert.Empty(t, f.locationsOf("pkg"))
	assert.False(t, f.host.Loaded("pkg.mod"))
	_, ok := f.reg.Active("pkg")
	assert.False(t, ok)

	_, err = f.reg.Resolve("pkg.mod", "f")
	assert.True(t, errors.Is(err, status.ErrResolve))
}

func TestResolveModule(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.Install(unitBundle(t, "pkg", 1))
	require.NoError(t, err)

	v, err := f.reg.Resolve("pkg.mod", "")
	require.NoError(t, err)
	require.IsType(t, &luahost.Module{}, v)
	assert.Equal(t, "pkg.mod", v.(*luahost.Module).Name)
}

func TestPurge(t *testing.T) {
	f := newFixture(t, PurgeGrace(0))

	purged, err := f.reg.Purge()
	require.NoError(t, err)
	assert.Empty(t, purged)

	v1, err := f.reg.Install(unitBundle(t, "pkg", 1))
	require.NoError(t, err)
	v2, err := f.reg.Install(unitBundle(t, "pkg", 2))
	require.NoError(t, err)
	require.NoError(t, f.fs.MkdirAll("/scratch/.codeship-stage-leftover", 0o700))
	require.NoError(t, f.fs.MkdirAll("/scratch/unrelated", 0o700))

	purged, err = f.reg.Purge()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{v1.Location, "/scratch/.codeship-stage-leftover"}, purged)

	for dir, expected := range map[string]bool{
		v1.Location:          false,
		v2.Location:          true,
		"/scratch/unrelated": true,
	} {
		exists, err := afero.DirExists(f.fs, dir)
		require.NoError(t, err)
		assert.Equal(t, expected, exists, dir)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Purged))
}

func TestPurgeGrace(t *testing.T) {
	f := newFixture(t)

	v1, err := f.reg.Install(unitBundle(t, "pkg", 1))
	require.NoError(t, err)
	v2, err := f.reg.Install(unitBundle(t, "pkg", 2))
	require.NoError(t, err)
	other, err := f.reg.Install(unitBundle(t, "other", 1))
	require.NoError(t, err)
	require.NoError(t, f.reg.Invalidate("other"))
	require.NoError(t, f.fs.MkdirAll("/scratch/.codeship-stage-fresh", 0o700))
	require.NoError(t, f.fs.MkdirAll("/scratch/.codeship-stage-stale", 0o700))

	old := time.Now().Add(-time.Hour)
	for _, dir := range []string{v1.Location, "/scratch/.codeship-stage-stale"} {
		require.NoError(t, f.fs.Chtimes(dir, old, old))
	}

	// another process may still use recent locations
	purged, err := f.reg.Purge()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{v1.Location, "/scratch/.codeship-stage-stale"}, purged)

	for dir, expected := range map[string]bool{
		v2.Location:                     true,
		other.Location:                  true,
		"/scratch/.codeship-stage-fresh": true,
	} {
		exists, err := afero.DirExists(f.fs, dir)
		require.NoError(t, err)
		assert.Equal(t, expected, exists, dir)
	}
}

func TestInstallRefreshesLocation(t *testing.T) {
	f := newFixture(t)
	b := unitBundle(t, "pkg", 1)
	v1, err := f.reg.Install(b)
	require.NoError(t, err)

	old := time.Now().Add(-time.Hour)
	require.NoError(t, f.fs.Chtimes(v1.Location, old, old))
	_, err = f.reg.Install(b)
	require.NoError(t, err)

	info, err := f.fs.Stat(v1.Location)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), info.ModTime(), time.Minute)
}

func TestLocations(t *testing.T) {
	f := newFixture(t)

	locations, err := f.reg.Locations()
	require.NoError(t, err)
	assert.Empty(t, locations)

	v1, err := f.reg.Install(unitBundle(t, "my-pkg", 1))
	require.NoError(t, err)
	v2, err := f.reg.Install(unitBundle(t, "other", 2))
	require.NoError(t, err)
	require.NoError(t, f.fs.MkdirAll("/scratch/codeship-pkg-nothex", 0o700))
	require.NoError(t, f.fs.MkdirAll("/scratch/.codeship-stage-leftover", 0o700))

	locations, err = f.reg.Locations()
	require.NoError(t, err)
	require.Len(t, locations, 2)
	assert.Equal(t, v1, locations[0])
	assert.Equal(t, v2, locations[1])
}

func TestConcurrentInstalls(t *testing.T) {
	f := newFixture(t)
	versions := []*bundle.Bundle{unitBundle(t, "pkg", 1), unitBundle(t, "pkg", 2), unitBundle(t, "pkg", 3)}
	others := []*bundle.Bundle{unitBundle(t, "other", 10), unitBundle(t, "other", 20)}

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 30; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if _, err := f.reg.Install(versions[i%len(versions)]); err != nil {
				errs <- err
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			if _, err := f.reg.Install(others[i%len(others)]); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	for _, unit := range []string{"pkg", "other"} {
		active, ok := f.reg.Active(unit)
		require.True(t, ok)
		assert.Equal(t, []string{active.Location}, f.locationsOf(unit))
	}
}
