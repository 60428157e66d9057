package codeship

import (
	"io"
	"math"

	"go.uber.org/zap"

	"github.com/oneconcern/codeship/pkg/bundle"
	"github.com/oneconcern/codeship/pkg/codec"
	"github.com/oneconcern/codeship/pkg/codeship/status"
	"github.com/oneconcern/codeship/pkg/fingerprint"
	"github.com/oneconcern/codeship/pkg/install"
)

var _ codec.Importer = &Runtime{}

// UnitReference designates a module of a shipped code unit
type UnitReference struct {
	Module string
	Bundle *bundle.Bundle
}

// Materialize installs the bundle, then loads the module
func (u UnitReference) Materialize(reg *install.Registry) (interface{}, error) {
	if _, err := reg.Install(u.Bundle); err != nil {
		return nil, err
	}
	return reg.Resolve(u.Module, "")
}

// Runtime resolves references on the receiving side
type Runtime struct {
	reg   *install.Registry
	maker *fingerprint.Maker
	l     *zap.Logger
}

// NewRuntime for an installation registry
func NewRuntime(reg *install.Registry, opts ...RuntimeOption) *Runtime {
	rt := &Runtime{
		reg: reg,
		l:   zap.NewNop(),
	}
	for _, apply := range opts {
		apply(rt)
	}
	return rt
}

// Registry of installed units
func (rt *Runtime) Registry() *install.Registry {
	return rt.reg
}

// Bind registers the reconstructors of shipped references on a decoder
func (rt *Runtime) Bind(d *codec.Decoder) {
	d.Register(ReduceBundle, rt.reconstructBundle)
	d.Register(ReduceUnit, rt.reconstructUnit)
	d.Register(ReduceSymbol, rt.reconstructSymbol)
}

// Decoder reading from r, bound to this runtime
func (rt *Runtime) Decoder(r io.Reader) *codec.Decoder {
	d := codec.NewDecoder(r, rt)
	rt.Bind(d)
	return d
}

// Import a module by name
func (rt *Runtime) Import(module string) (interface{}, error) {
	return rt.lookup(module, "")
}

// Lookup a symbol by name.
//
// Failing to find a symbol of a unit with no active installation is reported
// as an ordering error: the symbol was probably materialized before the
// reference to its unit.
func (rt *Runtime) Lookup(module, path string) (interface{}, error) {
	return rt.lookup(module, path)
}

func (rt *Runtime) lookup(module, path string) (interface{}, error) {
	v, err := rt.reg.Resolve(module, path)
	if err == nil {
		return v, nil
	}
	unit := bundle.UnitOf(module)
	if _, installed := rt.reg.Active(unit); !installed {
		return nil, status.ErrOrdering.Wrapf("%s.%s: unit %q is not installed: %v", module, path, unit, err)
	}
	return nil, err
}

func (rt *Runtime) verifier(width int, leaf int64) (*fingerprint.Maker, error) {
	if rt.maker != nil {
		return rt.maker, nil
	}
	if width > fingerprint.MaxSize {
		return nil, fingerprint.ErrWidth.Wrapf("%d bytes", width)
	}
	if leaf <= 0 || leaf > math.MaxUint32 {
		return nil, status.ErrReference.Wrapf("invalid leaf size %d", leaf)
	}
	return fingerprint.New(fingerprint.Size(uint8(width)), fingerprint.LeafSize(leaf))
}

// reconstructBundle(unit, leaf size, fingerprint, raw)
func (rt *Runtime) reconstructBundle(_ *codec.Decoder, args []interface{}) (interface{}, error) {
	if len(args) != 4 {
		return nil, status.ErrReference.Wrapf("%s expects 4 arguments, got %d", ReduceBundle, len(args))
	}
	name, ok1 := args[0].(string)
	leaf, ok2 := args[1].(int64)
	id, ok3 := args[2].([]byte)
	raw, ok4 := args[3].([]byte)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, status.ErrReference.Wrapf("%s: unexpected argument types %T, %T, %T, %T",
			ReduceBundle, args[0], args[1], args[2], args[3])
	}

	maker, err := rt.verifier(len(id), leaf)
	if err != nil {
		return nil, status.ErrReference.Wrap(err)
	}
	b := &bundle.Bundle{Name: name, Raw: raw, Fingerprint: fingerprint.ID(id)}
	if err := bundle.Verify(b, maker); err != nil {
		return nil, err
	}
	rt.l.Debug("received bundle", zap.String("unit", name), zap.Stringer("fingerprint", b.Fingerprint))
	return b, nil
}

// reconstructUnit(module, bundle)
func (rt *Runtime) reconstructUnit(_ *codec.Decoder, args []interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, status.ErrReference.Wrapf("%s expects 2 arguments, got %d", ReduceUnit, len(args))
	}
	module, ok1 := args[0].(string)
	b, ok2 := args[1].(*bundle.Bundle)
	if !ok1 || !ok2 {
		return nil, status.ErrReference.Wrapf("%s: unexpected argument types %T, %T", ReduceUnit, args[0], args[1])
	}
	if bundle.UnitOf(module) != b.Name {
		return nil, status.ErrReference.Wrapf("module %q does not belong to unit %q", module, b.Name)
	}
	return UnitReference{Module: module, Bundle: b}.Materialize(rt.reg)
}

// reconstructSymbol(unit, path): the unit is materialized first
func (rt *Runtime) reconstructSymbol(_ *codec.Decoder, args []interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, status.ErrReference.Wrapf("%s expects 2 arguments, got %d", ReduceSymbol, len(args))
	}
	module, ok1 := args[0].(codec.ModuleHandle)
	path, ok2 := args[1].(string)
	if !ok1 || !ok2 {
		return nil, status.ErrReference.Wrapf("%s: unexpected argument types %T, %T", ReduceSymbol, args[0], args[1])
	}
	return rt.reg.Resolve(module.ModuleName(), path)
}
