// Package codeship ships local code units along with serialized values.
//
// On the sending side, a Pickler decorates a base codec serializer: modules
// loaded from under the working root are replaced by a reference to a bundle
// of their code unit, and symbols defined in such modules are wrapped in a
// reference forcing the installation of their unit before they are looked up.
//
// On the receiving side, a Runtime installs shipped bundles in an install.Registry
// and resolves references against them.
package codeship

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/oneconcern/codeship/pkg/bundle"
	"github.com/oneconcern/codeship/pkg/codec"
	"github.com/oneconcern/codeship/pkg/codeship/status"
	"github.com/oneconcern/codeship/pkg/fingerprint"
	"github.com/oneconcern/codeship/pkg/luahost"
	"github.com/oneconcern/codeship/pkg/metrics"
)

// Names of the reductions written to streams
const (
	ReduceBundle = "codeship.bundle"
	ReduceUnit   = "codeship.unit"
	ReduceSymbol = "codeship.symbol"
)

// DefaultExcludedDirs are environment directories holding third party code
var DefaultExcludedDirs = []string{"lua_modules", ".luarocks", "vendor"}

// ModuleIndex knows where loaded modules come from
type ModuleIndex interface {
	Origin(module string) (string, bool)
}

// Predicate tells if a module loaded from some file is shipped with the stream
type Predicate func(origin string) bool

// Local is the default locality predicate: origin lies under root,
// and not under one of the excluded directories.
func Local(root string, excluded ...string) Predicate {
	root = absPath(root)
	return func(origin string) bool {
		if origin == "" {
			return false
		}
		origin = absPath(origin)
		if origin != root && !strings.HasPrefix(origin, root+string(filepath.Separator)) {
			return false
		}
		rel, err := filepath.Rel(root, origin)
		if err != nil {
			return false
		}
		for _, elem := range strings.Split(rel, string(filepath.Separator)) {
			for _, name := range excluded {
				if elem == name {
					return false
				}
			}
		}
		return true
	}
}

func absPath(pth string) string {
	if abs, err := filepath.Abs(pth); err == nil {
		return abs
	}
	return filepath.Clean(pth)
}

var _ codec.Dispatcher = &Pickler{}

// Pickler is a serializer shipping local code units.
//
// It overrides the module and global handlers of its base serializer for the
// streams it encodes, and delegates everything else. The base serializer is
// left unchanged. A Pickler is not safe for concurrent use.
type Pickler struct {
	base     codec.Dispatcher
	modules  ModuleIndex
	root     string
	fs       afero.Fs
	excluded []string
	locality Predicate
	maker    *fingerprint.Maker
	l        *zap.Logger
	metrics  *metrics.Metrics

	session    *bundle.Session
	emitted    map[string]bool
	saveModule codec.HandlerFunc
	saveGlobal codec.HandlerFunc
}

// Extend a base serializer to ship local code units
func Extend(base codec.Dispatcher, modules ModuleIndex, opts ...Option) *Pickler {
	p := &Pickler{
		base:     base,
		modules:  modules,
		root:     ".",
		fs:       afero.NewOsFs(),
		excluded: DefaultExcludedDirs,
		l:        zap.NewNop(),
		emitted:  make(map[string]bool),
	}
	if wd, err := os.Getwd(); err == nil {
		p.root = wd
	}
	for _, apply := range opts {
		apply(p)
	}
	p.root = absPath(p.root)
	if p.maker == nil {
		p.maker = fingerprint.MustNew()
	}
	if p.locality == nil {
		p.locality = Local(p.root, p.excluded...)
	}
	p.session = bundle.NewSession(
		bundle.Fs(p.fs),
		bundle.Root(p.root),
		bundle.Fingerprinter(p.maker),
		bundle.Logger(p.l),
		bundle.Metrics(p.metrics),
	)

	p.saveModule = base.Handler(codec.CategoryModule)
	p.saveGlobal = base.Handler(codec.CategoryGlobal)
	return p
}

// Encode a value as a new stream
func (p *Pickler) Encode(v interface{}) error {
	return p.EncodeWith(v, nil)
}

// EncodeWith encodes a value as a new stream. Overrides supersede the handlers of the Pickler.
func (p *Pickler) EncodeWith(v interface{}, overrides codec.Handlers) error {
	p.emitted = make(map[string]bool)
	handlers := p.handlers()
	for c, h := range overrides {
		handlers[c] = h
	}
	return p.base.EncodeWith(v, handlers)
}

// Handler returns the handler of the Pickler for modules and globals, the one of the base serializer otherwise
func (p *Pickler) Handler(c codec.Category) codec.HandlerFunc {
	if h, ok := p.handlers()[c]; ok {
		return h
	}
	return p.base.Handler(c)
}

func (p *Pickler) handlers() codec.Handlers {
	return codec.Handlers{
		codec.CategoryModule: p.encodeModule,
		codec.CategoryGlobal: p.encodeGlobal,
	}
}

// Bundled tells if a unit has been shipped in the current stream
func (p *Pickler) Bundled(unit string) bool {
	return p.emitted[unit]
}

// Session holds the bundles built so far, cached by unit name
func (p *Pickler) Session() *bundle.Session {
	return p.session
}

// IsLocal tells if a module loaded from origin is shipped
func (p *Pickler) IsLocal(origin string) bool {
	return origin != "" && p.locality(origin)
}

type moduleRef struct {
	name, file string
}

func (m moduleRef) ModuleName() string { return m.name }
func (m moduleRef) ModuleFile() string { return m.file }

func (p *Pickler) encodeModule(e *codec.Encoder, v interface{}) (*codec.Node, error) {
	m, ok := v.(codec.ModuleHandle)
	if !ok {
		return p.saveModule(e, v)
	}
	if !p.IsLocal(m.ModuleFile()) {
		p.l.Debug("saving reference only", zap.String("module", m.ModuleName()))
		return p.saveModule(e, v)
	}

	unit := bundle.UnitOf(m.ModuleName())
	b, err := p.session.ArchiveFrom(unitRoot(m.ModuleName(), m.ModuleFile()), unit)
	if err != nil {
		return nil, status.ErrBundle.Wrap(err)
	}
	bundleNode, err := e.ReduceMemo(bundleKey(unit), ReduceBundle, b.Name, p.maker.LeafSize(), []byte(b.Fingerprint), b.Raw)
	if err != nil {
		return nil, err
	}
	if !p.emitted[unit] {
		p.l.Debug("saving code", zap.String("module", m.ModuleName()), zap.Stringer("fingerprint", b.Fingerprint))
	}
	p.emitted[unit] = true
	return e.Reduce(ReduceUnit, m.ModuleName(), bundleNode)
}

func (p *Pickler) encodeGlobal(e *codec.Encoder, v interface{}) (*codec.Node, error) {
	g, ok := v.(codec.GlobalRef)
	if !ok {
		return p.saveGlobal(e, v)
	}
	module := g.GlobalModule()
	origin, known := p.modules.Origin(module)
	if !known || !p.IsLocal(origin) || p.emitted[bundle.UnitOf(module)] {
		return p.saveGlobal(e, v)
	}

	// the unit must be installed before the symbol is looked up
	unitNode, err := e.Handler(codec.CategoryModule)(e, moduleRef{name: module, file: origin})
	if err != nil {
		return nil, err
	}
	return e.Reduce(ReduceSymbol, unitNode, g.GlobalPath())
}

type bundleKey string

// unitRoot is the search path directory a module was loaded from
func unitRoot(module, origin string) string {
	depth := strings.Count(module, ".")
	base := strings.TrimSuffix(filepath.Base(origin), luahost.SourceExt)
	if base == "init" && !strings.HasSuffix(module, ".init") {
		depth++
	}
	dir := filepath.Dir(origin)
	for i := 0; i < depth; i++ {
		dir = filepath.Dir(dir)
	}
	return dir
}
