package luahost

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/Shopify/go-lua"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/oneconcern/codeship/pkg/luahost/status"
)

const (
	// SourceExt is the extension of lua source files
	SourceExt = ".lua"

	initModule = "init"

	// registry slot holding values pinned by go handles
	refsKey = "codeship.refs"
)

var moduleName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*(\.[A-Za-z_][A-Za-z0-9_-]*)*$`)

// Host is a lua interpreter with a search path and a registry of loaded modules
type Host struct {
	mu      sync.Mutex
	state   *lua.State
	fs      afero.Fs
	l       *zap.Logger
	path    []string
	origins map[string]string
	loading map[string]bool
	refs    int
}

// New lua host, with standard libraries opened and require bound to the host search path
func New(opts ...Option) *Host {
	h := &Host{
		fs:      afero.NewOsFs(),
		l:       zap.NewNop(),
		origins: make(map[string]string),
		loading: make(map[string]bool),
	}
	for _, apply := range opts {
		apply(h)
	}
	dirs := h.path
	h.path = nil
	for _, dir := range dirs {
		h.addPath(dir)
	}

	l := lua.NewState()
	lua.OpenLibraries(l)
	l.NewTable()
	l.SetField(lua.RegistryIndex, refsKey)
	l.PushGoFunction(h.luaRequire)
	l.SetGlobal("require")
	h.state = l
	h.syncPackagePath()
	return h
}

// SearchPath returns a copy of the directories searched by require, in order
func (h *Host) SearchPath() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.path...)
}

// AddPath appends a directory to the search path, unless it is already there
func (h *Host) AddPath(dir string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.addPath(dir) {
		h.syncPackagePath()
	}
}

// RemovePath removes a directory from the search path, and reports whether it was there
func (h *Host) RemovePath(dir string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	dir = filepath.Clean(dir)
	for i, p := range h.path {
		if p == dir {
			h.path = append(h.path[:i], h.path[i+1:]...)
			h.syncPackagePath()
			return true
		}
	}
	return false
}

func (h *Host) addPath(dir string) bool {
	dir = filepath.Clean(dir)
	for _, p := range h.path {
		if p == dir {
			return false
		}
	}
	h.path = append(h.path, dir)
	return true
}

// syncPackagePath mirrors the search path in package.path
func (h *Host) syncPackagePath() {
	if h.state == nil {
		return
	}
	patterns := make([]string, 0, 2*len(h.path))
	for _, dir := range h.path {
		patterns = append(patterns,
			filepath.Join(dir, "?"+SourceExt),
			filepath.Join(dir, "?", initModule+SourceExt),
		)
	}
	l := h.state
	top := l.Top()
	defer l.SetTop(top)
	l.Global("package")
	if l.TypeOf(-1) != lua.TypeTable {
		return
	}
	l.PushString(strings.Join(patterns, ";"))
	l.SetField(-2, "path")
}

// Origin returns the file a loaded module was loaded from
func (h *Host) Origin(module string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	file, ok := h.origins[module]
	return file, ok
}

// Modules lists the modules loaded from a file, sorted by name
func (h *Host) Modules() []*Module {
	h.mu.Lock()
	defer h.mu.Unlock()
	modules := make([]*Module, 0, len(h.origins))
	for name, file := range h.origins {
		modules = append(modules, &Module{Name: name, File: file})
	}
	sort.Slice(modules, func(i, j int) bool { return modules[i].Name < modules[j].Name })
	return modules
}

// Loaded reports whether a module is currently in package.loaded
func (h *Host) Loaded(module string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isLoaded(h.state, module)
}

// Evict unloads every module whose origin file is matched.
// Subsequent requires load them again from the search path.
func (h *Host) Evict(match func(origin string) bool) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	evicted := make([]string, 0, len(h.origins))
	for name, file := range h.origins {
		if match(file) {
			evicted = append(evicted, name)
		}
	}
	if len(evicted) == 0 {
		return nil
	}
	sort.Strings(evicted)

	l := h.state
	top := l.Top()
	defer l.SetTop(top)
	pushLoaded(l)
	for _, name := range evicted {
		l.PushNil()
		l.SetField(-2, name)
		delete(h.origins, name)
	}
	h.l.Debug("evicted modules", zap.Strings("modules", evicted))
	return evicted
}

// Require loads a module and its parents, if not loaded already
func (h *Host) Require(name string) (*Module, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.require(h.state, name); err != nil {
		return nil, err
	}
	return &Module{Name: name, File: h.origins[name]}, nil
}

// Symbol looks up a value by its dotted path in the table returned by a module
func (h *Host) Symbol(module, path string) (*Symbol, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	l := h.state
	if err := h.require(l, module); err != nil {
		return nil, err
	}
	if path == "" {
		return nil, status.ErrNoSymbol.Wrapf("empty path in module %q", module)
	}

	keys := strings.Split(path, ".")
	if err := reserve(l, len(keys)+2); err != nil {
		return nil, err
	}
	top := l.Top()
	defer l.SetTop(top)
	pushLoaded(l)
	l.Field(-1, module)
	for _, key := range keys {
		if l.TypeOf(-1) != lua.TypeTable {
			return nil, status.ErrNoSymbol.Wrapf("%s.%s: %q is not reachable", module, path, key)
		}
		l.PushString(key)
		l.RawGet(-2)
	}
	if l.IsNil(-1) {
		return nil, status.ErrNoSymbol.Wrapf("%s.%s", module, path)
	}
	return &Symbol{Module: module, Path: path, fn: h.pin(l, -1)}, nil
}

// Import loads a module and returns its handle
func (h *Host) Import(module string) (interface{}, error) {
	return h.Require(module)
}

// Lookup returns the module handle for an empty path, a symbol otherwise
func (h *Host) Lookup(module, path string) (interface{}, error) {
	if path == "" {
		return h.Require(module)
	}
	return h.Symbol(module, path)
}

// pushLoaded pushes package.loaded
func pushLoaded(l *lua.State) {
	l.Global("package")
	l.Field(-1, "loaded")
	l.Remove(-2)
}

func (h *Host) isLoaded(l *lua.State, name string) bool {
	pushLoaded(l)
	l.Field(-1, name)
	loaded := !l.IsNil(-1)
	l.Pop(2)
	return loaded
}

// require loads parents first. A parent that cannot be found is skipped,
// and a child loaded as a side effect of its parent is not loaded twice.
// A parent still running its chunk may require its children.
func (h *Host) require(l *lua.State, name string) error {
	if !moduleName.MatchString(name) {
		return status.ErrNotFound.Wrapf("invalid module name %q", name)
	}
	if h.isLoaded(l, name) {
		return nil
	}
	if h.loading[name] {
		return status.ErrCycle.Wrapf("%q", name)
	}
	parts := strings.Split(name, ".")
	for i := 1; i < len(parts); i++ {
		parent := strings.Join(parts[:i], ".")
		if h.loading[parent] || h.isLoaded(l, parent) {
			continue
		}
		file, ok := h.find(parent)
		if !ok {
			continue
		}
		if err := h.exec(l, parent, file); err != nil {
			return err
		}
	}
	if h.isLoaded(l, name) {
		return nil
	}
	file, ok := h.find(name)
	if !ok {
		return status.ErrNotFound.Wrapf("%q in %v", name, h.path)
	}
	return h.exec(l, name, file)
}

func (h *Host) find(name string) (string, bool) {
	rel := filepath.FromSlash(strings.ReplaceAll(name, ".", "/"))
	for _, dir := range h.path {
		for _, candidate := range []string{
			filepath.Join(dir, rel+SourceExt),
			filepath.Join(dir, rel, initModule+SourceExt),
		} {
			info, err := h.fs.Stat(candidate)
			if err == nil && info.Mode().IsRegular() {
				return candidate, true
			}
		}
	}
	return "", false
}

// exec runs a module chunk and registers its result in package.loaded
func (h *Host) exec(l *lua.State, name, file string) error {
	src, err := afero.ReadFile(h.fs, file)
	if err != nil {
		return status.ErrLoad.Wrap(err)
	}
	h.loading[name] = true
	defer delete(h.loading, name)

	top := l.Top()
	defer l.SetTop(top)
	if err := lua.LoadBuffer(l, string(src), "@"+file, ""); err != nil {
		return status.ErrLoad.Wrapf("%s: %s", name, errorMessage(l, err))
	}
	l.PushString(name)
	l.PushString(file)
	if err := l.ProtectedCall(2, 1, 0); err != nil {
		return status.ErrLoad.Wrapf("%s: %s", name, errorMessage(l, err))
	}

	// the chunk may have registered itself already
	pushLoaded(l)
	l.Field(-1, name)
	if l.IsNil(-1) {
		l.Pop(1)
		if l.IsNil(-2) {
			l.PushBoolean(true)
		} else {
			l.PushValue(-2)
		}
		l.SetField(-2, name)
	}
	h.origins[name] = file
	h.l.Debug("loaded module", zap.String("module", name), zap.String("file", file))
	return nil
}

func (h *Host) luaRequire(l *lua.State) int {
	name := lua.CheckString(l, 1)
	if err := h.require(l, name); err != nil {
		lua.Errorf(l, "%s", err.Error())
		return 0
	}
	pushLoaded(l)
	l.Field(-1, name)
	l.Remove(-2)
	return 1
}

// errorMessage prefers the error value left on the stack by a failed call
func errorMessage(l *lua.State, err error) string {
	if msg, ok := l.ToString(-1); ok && msg != "" {
		return msg
	}
	return err.Error()
}
