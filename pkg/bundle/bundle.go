// Package bundle archives local code units into content-addressed bundles.
//
// A bundle is an uncompressed tar of a code unit's directory subtree, with
// entries rooted at the unit name, plus the fingerprint of those bytes.
//
// Compression is deliberately left out: gzip headers carry timestamps, and
// would change the fingerprint of otherwise identical content.
package bundle

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	units "github.com/docker/go-units"
	"github.com/oneconcern/codeship/pkg/bundle/status"
	"github.com/oneconcern/codeship/pkg/fingerprint"
	"github.com/oneconcern/codeship/pkg/metrics"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// SourceExt is the extension of the source files of a code unit
const SourceExt = ".lua"

var unitNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// Bundle is the archived content of a code unit. It must not be mutated once built.
type Bundle struct {
	Name        string
	Raw         []byte
	Fingerprint fingerprint.ID
}

// New builds a bundle from raw archive bytes
func New(name string, raw []byte, maker *fingerprint.Maker) (*Bundle, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	id, err := maker.Sum(raw)
	if err != nil {
		return nil, err
	}
	return &Bundle{Name: name, Raw: raw, Fingerprint: id}, nil
}

// Verify checks that the content of a bundle matches its fingerprint
func Verify(b *Bundle, maker *fingerprint.Maker) error {
	if len(b.Fingerprint) != maker.Width() {
		return status.ErrFingerprintMismatch.Wrapf("unit %q: expected a %d bytes fingerprint, got %d",
			b.Name, maker.Width(), len(b.Fingerprint))
	}
	id, err := maker.Sum(b.Raw)
	if err != nil {
		return err
	}
	if !id.Equal(b.Fingerprint) {
		return status.ErrFingerprintMismatch.Wrapf("unit %q: announced %s, computed %s", b.Name, b.Fingerprint, id)
	}
	return nil
}

// UnitOf returns the name of the code unit a dotted module name belongs to
func UnitOf(module string) string {
	if i := strings.IndexByte(module, '.'); i >= 0 {
		return module[:i]
	}
	return module
}

// ValidateName checks that a name may designate a top-level code unit
func ValidateName(name string) error {
	if !unitNameRegex.MatchString(name) {
		return status.ErrInvalidName.Wrapf("%q", name)
	}
	return nil
}

// Session caches bundles by unit name, for the duration of one serialization pass.
//
// A unit is archived at most once per session, no matter how many times it is referenced.
type Session struct {
	fs      afero.Fs
	root    string
	maker   *fingerprint.Maker
	l       *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	bundles map[string]*Bundle
}

// NewSession builds a bundling session
func NewSession(opts ...SessionOption) *Session {
	s := &Session{
		fs:      afero.NewOsFs(),
		root:    ".",
		l:       zap.NewNop(),
		bundles: make(map[string]*Bundle),
	}
	for _, apply := range opts {
		apply(s)
	}
	if s.maker == nil {
		s.maker = fingerprint.MustNew()
	}
	return s
}

// Archive returns the bundle for a code unit found under the session root,
// archiving it on first request
func (s *Session) Archive(unit string) (*Bundle, error) {
	return s.ArchiveFrom(s.root, unit)
}

// ArchiveFrom returns the bundle for a code unit found under root.
// Bundles are cached by unit name only.
func (s *Session) ArchiveFrom(root, unit string) (*Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.bundles[unit]; ok {
		return b, nil
	}

	raw, err := Archive(s.fs, root, unit)
	if err != nil {
		return nil, err
	}
	b, err := New(unit, raw, s.maker)
	if err != nil {
		return nil, err
	}
	s.bundles[unit] = b
	s.metrics.Archived(unit, len(raw))
	s.l.Debug("archived code unit",
		zap.String("unit", unit),
		zap.String("fingerprint", b.Fingerprint.String()),
		zap.String("size", units.HumanSize(float64(len(raw)))),
	)
	return b, nil
}

// Has tells if a unit has already been bundled in this session
func (s *Session) Has(unit string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bundles[unit]
	return ok
}

// Units lists the units bundled so far, sorted by name
func (s *Session) Units() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.bundles))
	for name := range s.bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fingerprinter used by this session
func (s *Session) Fingerprinter() *fingerprint.Maker {
	return s.maker
}
