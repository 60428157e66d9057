package bundle

import (
	"archive/tar"
	"bytes"
	"path/filepath"
	"testing"

	"github.com/oneconcern/codeship/pkg/bundle/status"
	"github.com/oneconcern/codeship/pkg/errors"
	"github.com/oneconcern/codeship/pkg/fingerprint"
	"github.com/oneconcern/codeship/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const workRoot = "/work"

func setupUnit(t *testing.T) afero.Fs {
	fs := afero.NewMemMapFs()
	files := map[string]string{
		"pkg/init.lua":       "return { name = 'pkg' }",
		"pkg/mod.lua":        "return { f = function() return 42 end }",
		"pkg/sub/deeper.lua": "return { g = function(x) return x * 2 end }",
		"single.lua":         "return { h = function() return 'single' end }",
		"other/x.lua":        "return {}",
	}
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fs, filepath.Join(workRoot, name), []byte(content), 0o644))
	}
	return fs
}

func TestArchiveExtractDirectory(t *testing.T) {
	src := setupUnit(t)
	raw, err := Archive(src, workRoot, "pkg")
	require.NoError(t, err)

	names := entryNames(t, raw)
	assert.Contains(t, names, "pkg/")
	assert.Contains(t, names, "pkg/mod.lua")
	assert.Contains(t, names, "pkg/sub/deeper.lua")
	assert.NotContains(t, names, "other/x.lua")

	dst := afero.NewMemMapFs()
	unit, err := Extract(dst, raw, "/scratch/loc")
	require.NoError(t, err)
	assert.Equal(t, "pkg", unit)

	for _, name := range []string{"pkg/init.lua", "pkg/mod.lua", "pkg/sub/deeper.lua"} {
		want, err := afero.ReadFile(src, filepath.Join(workRoot, name))
		require.NoError(t, err)
		got, err := afero.ReadFile(dst, filepath.Join("/scratch/loc", name))
		require.NoError(t, err)
		assert.Equal(t, string(want), string(got))
	}
}

func TestArchiveSingleFile(t *testing.T) {
	src := setupUnit(t)
	raw, err := Archive(src, workRoot, "single")
	require.NoError(t, err)
	assert.Equal(t, []string{"single.lua"}, entryNames(t, raw))

	dst := afero.NewMemMapFs()
	unit, err := Extract(dst, raw, "/dest")
	require.NoError(t, err)
	assert.Equal(t, "single", unit)
	ok, err := afero.Exists(dst, "/dest/single.lua")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestArchiveErrors(t *testing.T) {
	src := setupUnit(t)

	_, err := Archive(src, workRoot, "missing")
	assert.True(t, errors.Is(err, status.ErrNotFound))

	for _, name := range []string{"", "../etc", "pkg/mod", "a.b", "9lives"} {
		_, err = Archive(src, workRoot, name)
		assert.Truef(t, errors.Is(err, status.ErrInvalidName), "name %q", name)
	}
}

func TestExtractCorrupt(t *testing.T) {
	src := setupUnit(t)
	raw, err := Archive(src, workRoot, "pkg")
	require.NoError(t, err)

	// a truncated payload
	_, err = Extract(afero.NewMemMapFs(), raw[:700], "/dest")
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrCorrupt))

	// an empty archive
	_, err = Extract(afero.NewMemMapFs(), make([]byte, 1024), "/dest")
	assert.True(t, errors.Is(err, status.ErrCorrupt))
}

func TestExtractUnsafe(t *testing.T) {
	for _, names := range [][]string{
		{"../evil.lua"},
		{"/etc/passwd"},
		{"pkg/../../evil.lua"},
		{"pkg/a.lua", "other/b.lua"},
	} {
		raw := craftTar(t, names...)
		_, err := Extract(afero.NewMemMapFs(), raw, "/dest")
		require.Errorf(t, err, "names %v", names)
		assert.Truef(t, errors.Is(err, status.ErrUnsafePath), "names %v: %v", names, err)
	}
}

func TestSessionCachesByUnit(t *testing.T) {
	src := setupUnit(t)
	m := metrics.New()
	s := NewSession(Fs(src), Root(workRoot), Metrics(m))

	assert.False(t, s.Has("pkg"))
	b1, err := s.Archive("pkg")
	require.NoError(t, err)
	assert.True(t, s.Has("pkg"))

	// changing the source within a session does not re-archive
	require.NoError(t, afero.WriteFile(src, "/work/pkg/mod.lua", []byte("return {}"), 0o644))
	b2, err := s.Archive("pkg")
	require.NoError(t, err)
	assert.True(t, b1 == b2)

	_, err = s.Archive("single")
	require.NoError(t, err)
	assert.Equal(t, []string{"pkg", "single"}, s.Units())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BundlesArchived.WithLabelValues("pkg")))

	// a new session sees the new content
	b3, err := NewSession(Fs(src), Root(workRoot)).Archive("pkg")
	require.NoError(t, err)
	assert.False(t, b3.Fingerprint.Equal(b1.Fingerprint))
}

func TestSessionArchiveFrom(t *testing.T) {
	src := setupUnit(t)
	s := NewSession(Fs(src), Root(workRoot))

	_, err := s.Archive("x")
	assert.True(t, errors.Is(err, status.ErrNotFound))

	b, err := s.ArchiveFrom("/work/other", "x")
	require.NoError(t, err)
	assert.Equal(t, []string{"x.lua"}, entryNames(t, b.Raw))

	// cached by unit name, whatever the root
	again, err := s.Archive("x")
	require.NoError(t, err)
	assert.True(t, b == again)
}

func TestVerify(t *testing.T) {
	src := setupUnit(t)
	maker := fingerprint.MustNew()
	b, err := NewSession(Fs(src), Root(workRoot), Fingerprinter(maker)).Archive("pkg")
	require.NoError(t, err)
	require.NoError(t, Verify(b, maker))

	tampered := &Bundle{Name: b.Name, Raw: append([]byte(nil), b.Raw...), Fingerprint: b.Fingerprint}
	tampered.Raw[600] ^= 0xff
	err = Verify(tampered, maker)
	assert.True(t, errors.Is(err, status.ErrFingerprintMismatch))

	wide := fingerprint.MustNew(fingerprint.Size(32))
	err = Verify(b, wide)
	assert.True(t, errors.Is(err, status.ErrFingerprintMismatch))
}

func entryNames(t *testing.T, raw []byte) []string {
	var names []string
	tr := tar.NewReader(bytes.NewReader(raw))
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		names = append(names, hdr.Name)
	}
	return names
}

func craftTar(t *testing.T, names ...string) []byte {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range names {
		content := []byte("return {}")
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestUnitOf(t *testing.T) {
	assert.Equal(t, "pkg", UnitOf("pkg.mod.sub"))
	assert.Equal(t, "pkg", UnitOf("pkg"))
	assert.Equal(t, "", UnitOf(".pkg"))
}

func TestVerifyLeafSize(t *testing.T) {
	src := setupUnit(t)
	raw, err := Archive(src, workRoot, "pkg")
	require.NoError(t, err)

	small := fingerprint.MustNew(fingerprint.LeafSize(512))
	b, err := New("pkg", raw, small)
	require.NoError(t, err)
	require.NoError(t, Verify(b, fingerprint.MustNew(fingerprint.LeafSize(small.LeafSize()))))

	err = Verify(b, fingerprint.MustNew())
	assert.True(t, errors.Is(err, status.ErrFingerprintMismatch))
}
