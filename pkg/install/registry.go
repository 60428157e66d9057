// Package install makes bundled code units loadable in a receiving process.
//
// A Registry extracts each bundle to a location named after the unit and its
// fingerprint, and keeps at most one such location per unit on the host search
// path. Installing a new version of a unit first deactivates the previous one
// and evicts the modules that were loaded from it.
package install

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/oneconcern/codeship/internal/rand"
	"github.com/oneconcern/codeship/pkg/bundle"
	"github.com/oneconcern/codeship/pkg/codec"
	"github.com/oneconcern/codeship/pkg/fingerprint"
	"github.com/oneconcern/codeship/pkg/install/status"
	"github.com/oneconcern/codeship/pkg/metrics"
)

// DefaultToolID prefixes the names of installed locations
const DefaultToolID = "codeship"

// DefaultPurgeGrace is the age under which Purge keeps a location
const DefaultPurgeGrace = 10 * time.Minute

const stageSuffixLen = 12

// Host loads code from a search path
type Host interface {
	codec.Importer

	SearchPath() []string
	AddPath(dir string)
	RemovePath(dir string) bool
	Evict(match func(origin string) bool) []string
}

// Installation records an installed bundle
type Installation struct {
	Unit        string
	Fingerprint fingerprint.ID
	Location    string
}

func (i Installation) String() string {
	return fmt.Sprintf("%s@%s (%s)", i.Unit, i.Fingerprint, i.Location)
}

// Registry of installed code units. It is the only component mutating the host search path.
type Registry struct {
	host    Host
	fs      afero.Fs
	scratch string
	tool    string
	grace   time.Duration
	now     func() time.Time
	l       *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	locks   map[string]*sync.RWMutex
	active  map[string]*Installation
	pending map[string]struct{}
}

// New installation registry for a host
func New(host Host, opts ...Option) *Registry {
	r := &Registry{
		host:    host,
		fs:      afero.NewOsFs(),
		scratch: os.TempDir(),
		tool:    DefaultToolID,
		grace:   DefaultPurgeGrace,
		now:     time.Now,
		l:       zap.NewNop(),
		locks:   make(map[string]*sync.RWMutex),
		active:  make(map[string]*Installation),
		pending: make(map[string]struct{}),
	}
	for _, apply := range opts {
		apply(r)
	}
	r.scratch = filepath.Clean(r.scratch)
	return r
}

// ScratchRoot is the directory bundles are extracted under
func (r *Registry) ScratchRoot() string {
	return r.scratch
}

// Location where a bundle is extracted
func (r *Registry) Location(unit string, id fingerprint.ID) string {
	return filepath.Join(r.scratch, r.tool+"-"+unit+"-"+id.String())
}

func (r *Registry) lock(unit string) *sync.RWMutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[unit]
	if !ok {
		lock = &sync.RWMutex{}
		r.locks[unit] = lock
	}
	return lock
}

// Install a bundle and activate it, replacing any other installation of the same unit.
//
// Installing an already active fingerprint does nothing. The bundle is
// extracted before the current installation is deactivated, so that a
// failed extraction leaves the current installation in place.
func (r *Registry) Install(b *bundle.Bundle) (*Installation, error) {
	if err := bundle.ValidateName(b.Name); err != nil {
		return nil, status.ErrInvalidBundle.Wrap(err)
	}
	if b.Fingerprint.IsZero() {
		return nil, status.ErrInvalidBundle.Wrapf("unit %q has no fingerprint", b.Name)
	}
	unit := b.Name
	lock := r.lock(unit)
	lock.Lock()
	defer lock.Unlock()

	if current, ok := r.Active(unit); ok && current.Fingerprint.Equal(b.Fingerprint) {
		r.touch(current.Location)
		r.metrics.CacheHit(unit)
		r.l.Debug("bundle already installed", zap.Stringer("installation", current))
		return current, nil
	}

	location := r.Location(unit, b.Fingerprint)
	r.hold(location)
	defer r.release(location)

	var staging string
	if !r.complete(location, unit) {
		var err error
		staging, err = r.stage(b)
		if err != nil {
			r.metrics.ExtractFailed(unit, "extract")
			r.l.Warn("bundle extraction failed", zap.String("unit", unit), zap.Error(err))
			return nil, err
		}
		defer r.release(staging)
	}

	r.deactivate(unit)

	if staging != "" {
		if err := r.fs.Rename(staging, location); err != nil {
			_ = r.fs.RemoveAll(staging)
			if !r.complete(location, unit) {
				r.metrics.ExtractFailed(unit, "rename")
				return nil, status.ErrExtract.Wrap(err)
			}
		}
	}

	r.touch(location)
	r.host.AddPath(location)
	installation := &Installation{Unit: unit, Fingerprint: b.Fingerprint, Location: location}
	r.mu.Lock()
	r.active[unit] = installation
	r.mu.Unlock()

	r.metrics.Installed(unit)
	r.l.Info("installed bundle",
		zap.String("unit", unit),
		zap.Stringer("fingerprint", b.Fingerprint),
		zap.String("location", location),
	)
	return installation, nil
}

// stage extracts a bundle into a fresh staging directory
func (r *Registry) stage(b *bundle.Bundle) (string, error) {
	staging := filepath.Join(r.scratch, "."+r.tool+"-stage-"+rand.LetterString(stageSuffixLen))
	r.hold(staging)
	if err := r.fs.MkdirAll(staging, 0o700); err != nil {
		r.release(staging)
		return "", status.ErrExtract.Wrap(err)
	}
	unit, err := bundle.Extract(r.fs, b.Raw, staging)
	if err == nil && unit != b.Name {
		err = fmt.Errorf("bundle for unit %q holds unit %q", b.Name, unit)
	}
	if err != nil {
		_ = r.fs.RemoveAll(staging)
		r.release(staging)
		return "", status.ErrExtract.Wrap(err)
	}
	return staging, nil
}

// complete tells if a location already holds an extracted unit
func (r *Registry) complete(location, unit string) bool {
	for _, candidate := range []string{
		filepath.Join(location, unit),
		filepath.Join(location, unit+bundle.SourceExt),
	} {
		if _, err := r.fs.Stat(candidate); err == nil {
			return true
		}
	}
	return false
}

// deactivate removes every location of a unit from the search path, and evicts
// the modules loaded from them. Files are left in place.
func (r *Registry) deactivate(unit string) []string {
	r.mu.Lock()
	var locations []string
	if current, ok := r.active[unit]; ok {
		locations = append(locations, current.Location)
		delete(r.active, unit)
	}
	r.mu.Unlock()

	for _, dir := range r.host.SearchPath() {
		if r.isLocationOf(dir, unit) && !contains(locations, dir) {
			locations = append(locations, dir)
		}
	}
	if len(locations) == 0 {
		return nil
	}

	var evicted []string
	for _, location := range locations {
		r.host.RemovePath(location)
		evicted = append(evicted, r.host.Evict(func(origin string) bool {
			return within(origin, location)
		})...)
	}
	r.metrics.Invalidated(unit, len(evicted))
	r.l.Info("deactivated unit",
		zap.String("unit", unit),
		zap.Strings("locations", locations),
		zap.Strings("evicted", evicted),
	)
	return locations
}

// isLocationOf matches <scratch>/<tool>-<unit>-<hex fingerprint>
func (r *Registry) isLocationOf(dir, unit string) bool {
	prefix := filepath.Join(r.scratch, r.tool+"-"+unit+"-")
	if !strings.HasPrefix(dir, prefix) {
		return false
	}
	return isFingerprint(dir[len(prefix):])
}

func isFingerprint(s string) bool {
	if len(s) < 2*fingerprint.MinSize || len(s) > 2*fingerprint.MaxSize || strings.ToLower(s) != s {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Resolve loads a module from the search path and looks up a symbol in it.
// An empty symbol path resolves the module itself.
func (r *Registry) Resolve(module, symbolPath string) (interface{}, error) {
	lock := r.lock(bundle.UnitOf(module))
	lock.RLock()
	defer lock.RUnlock()

	v, err := r.host.Lookup(module, symbolPath)
	if err != nil {
		return nil, status.ErrResolve.Wrap(err)
	}
	return v, nil
}

// Invalidate deactivates the installation of a unit without installing another one
func (r *Registry) Invalidate(unit string) error {
	lock := r.lock(unit)
	lock.Lock()
	defer lock.Unlock()

	if len(r.deactivate(unit)) == 0 {
		return status.ErrNotInstalled.Wrapf("%q", unit)
	}
	return nil
}

// Active returns the active installation of a unit
func (r *Registry) Active(unit string) (*Installation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	installation, ok := r.active[unit]
	if !ok {
		return nil, false
	}
	cp := *installation
	return &cp, true
}

// Installations lists active installations, sorted by unit
func (r *Registry) Installations() []*Installation {
	r.mu.Lock()
	defer r.mu.Unlock()
	installations := make([]*Installation, 0, len(r.active))
	for _, installation := range r.active {
		cp := *installation
		installations = append(installations, &cp)
	}
	sort.Slice(installations, func(i, j int) bool { return installations[i].Unit < installations[j].Unit })
	return installations
}

// Locations lists the extracted locations found under the scratch root, whether
// active in this process or left over by another one. Locations are sorted by name.
func (r *Registry) Locations() ([]*Installation, error) {
	entries, err := afero.ReadDir(r.fs, r.scratch)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var installations []*Installation
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || !strings.HasPrefix(name, r.tool+"-") {
			continue
		}
		rest := name[len(r.tool)+1:]
		sep := strings.LastIndexByte(rest, '-')
		if sep <= 0 || !isFingerprint(rest[sep+1:]) {
			continue
		}
		id, err := fingerprint.ParseID(rest[sep+1:])
		if err != nil {
			continue
		}
		installations = append(installations, &Installation{
			Unit:        rest[:sep],
			Fingerprint: id,
			Location:    filepath.Join(r.scratch, name),
		})
	}
	return installations, nil
}

// Purge removes extracted locations and leftover staging directories that are not in use.
//
// Locations installed or staged by another process sharing the scratch root are
// not known to this one: those more recent than the purge grace period are kept.
func (r *Registry) Purge() ([]string, error) {
	entries, err := afero.ReadDir(r.fs, r.scratch)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	inUse := make(map[string]struct{})
	for _, dir := range r.host.SearchPath() {
		inUse[dir] = struct{}{}
	}
	r.mu.Lock()
	for _, installation := range r.active {
		inUse[installation.Location] = struct{}{}
	}
	for dir := range r.pending {
		inUse[dir] = struct{}{}
	}
	r.mu.Unlock()

	var (
		purged []string
		errs   error
		now    = r.now()
	)
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || !(strings.HasPrefix(name, r.tool+"-") || strings.HasPrefix(name, "."+r.tool+"-stage-")) {
			continue
		}
		dir := filepath.Join(r.scratch, name)
		if _, ok := inUse[dir]; ok {
			continue
		}
		if age := now.Sub(entry.ModTime()); age < r.grace {
			r.l.Debug("keeping recent location", zap.String("location", dir), zap.Duration("age", age))
			continue
		}
		if err := r.fs.RemoveAll(dir); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		purged = append(purged, dir)
	}
	r.metrics.PurgedLocations(len(purged))
	if len(purged) > 0 {
		r.l.Info("purged installed locations", zap.Strings("locations", purged))
	}
	return purged, errs
}

// touch marks a location as recently installed
func (r *Registry) touch(location string) {
	now := r.now()
	if err := r.fs.Chtimes(location, now, now); err != nil {
		r.l.Debug("could not touch location", zap.String("location", location), zap.Error(err))
	}
}

func (r *Registry) hold(dir string) {
	r.mu.Lock()
	r.pending[dir] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) release(dir string) {
	r.mu.Lock()
	delete(r.pending, dir)
	r.mu.Unlock()
}

func within(file, dir string) bool {
	return file == dir || strings.HasPrefix(file, dir+string(filepath.Separator))
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
