package luahost

import (
	"fmt"
	"math"

	"github.com/Shopify/go-lua"

	"github.com/oneconcern/codeship/pkg/codec"
	"github.com/oneconcern/codeship/pkg/luahost/status"
)

// maxDepth bounds conversions of nested tables, which may be cyclic
const maxDepth = 64

var (
	_ codec.ModuleHandle = &Module{}
	_ codec.GlobalRef    = &Symbol{}
	_ codec.Importer     = &Host{}
)

// Module is a handle on a loaded module
type Module struct {
	Name string
	File string
}

// ModuleName is the dotted name of the module
func (m *Module) ModuleName() string { return m.Name }

// ModuleFile is the file the module was loaded from
func (m *Module) ModuleFile() string { return m.File }

func (m *Module) String() string {
	return fmt.Sprintf("module %s (%s)", m.Name, m.File)
}

// Function is a lua value pinned in its host, usually a function
type Function struct {
	h   *Host
	ref int
}

// Call the pinned value with go arguments, and convert its results back to go values
func (f *Function) Call(args ...interface{}) ([]interface{}, error) {
	return f.h.call(f.ref, args)
}

// Symbol is a value reached by a dotted path from the table returned by a module
type Symbol struct {
	Module string
	Path   string
	fn     *Function
}

// GlobalModule is the module defining the symbol
func (s *Symbol) GlobalModule() string { return s.Module }

// GlobalPath is the path to the symbol within its module
func (s *Symbol) GlobalPath() string { return s.Path }

func (s *Symbol) String() string { return s.Module + "#" + s.Path }

// Call the symbol
func (s *Symbol) Call(args ...interface{}) ([]interface{}, error) {
	return s.fn.Call(args...)
}

// Value converts the symbol to a go value
func (s *Symbol) Value() (interface{}, error) {
	h := s.fn.h
	h.mu.Lock()
	defer h.mu.Unlock()
	l := h.state
	top := l.Top()
	defer l.SetTop(top)
	h.pushRef(l, s.fn.ref)
	return h.toGo(l, -1, 0)
}

func (h *Host) pin(l *lua.State, index int) *Function {
	index = l.AbsIndex(index)
	h.refs++
	l.Field(lua.RegistryIndex, refsKey)
	l.PushValue(index)
	l.RawSetInt(-2, h.refs)
	l.Pop(1)
	return &Function{h: h, ref: h.refs}
}

func (h *Host) pushRef(l *lua.State, ref int) {
	l.Field(lua.RegistryIndex, refsKey)
	l.RawGetInt(-1, ref)
	l.Remove(-2)
}

func (h *Host) call(ref int, args []interface{}) ([]interface{}, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	l := h.state
	top := l.Top()
	defer l.SetTop(top)
	if err := reserve(l, len(args)+1); err != nil {
		return nil, err
	}
	h.pushRef(l, ref)
	for _, arg := range args {
		if err := h.push(l, arg, 0); err != nil {
			return nil, err
		}
	}
	if err := l.ProtectedCall(len(args), lua.MultipleReturns, 0); err != nil {
		return nil, status.ErrCall.Wrapf("%s", errorMessage(l, err))
	}
	results := make([]interface{}, 0, l.Top()-top)
	for i := top + 1; i <= l.Top(); i++ {
		v, err := h.toGo(l, i, 0)
		if err != nil {
			return nil, err
		}
		results = append(results, v)
	}
	return results, nil
}

// push converts a go value to lua
func (h *Host) push(l *lua.State, v interface{}, depth int) error {
	if depth > maxDepth {
		return status.ErrUnsupported.Wrapf("nested deeper than %d levels", maxDepth)
	}
	if err := reserve(l, 2); err != nil {
		return err
	}
	switch val := v.(type) {
	case nil:
		l.PushNil()
	case bool:
		l.PushBoolean(val)
	case int:
		l.PushNumber(float64(val))
	case int32:
		l.PushNumber(float64(val))
	case int64:
		l.PushNumber(float64(val))
	case uint32:
		l.PushNumber(float64(val))
	case float32:
		l.PushNumber(float64(val))
	case float64:
		l.PushNumber(val)
	case string:
		l.PushString(val)
	case []byte:
		l.PushString(string(val))
	case []string:
		l.CreateTable(len(val), 0)
		for i, s := range val {
			l.PushString(s)
			l.RawSetInt(-2, i+1)
		}
	case []interface{}:
		l.CreateTable(len(val), 0)
		for i, item := range val {
			if err := h.push(l, item, depth+1); err != nil {
				return err
			}
			l.RawSetInt(-2, i+1)
		}
	case map[string]interface{}:
		l.CreateTable(0, len(val))
		for k, item := range val {
			if err := h.push(l, item, depth+1); err != nil {
				return err
			}
			l.SetField(-2, k)
		}
	case *Function:
		if val.h != h {
			return status.ErrForeign
		}
		h.pushRef(l, val.ref)
	case *Symbol:
		if val.fn == nil || val.fn.h != h {
			return status.ErrForeign.Wrapf("%s", val)
		}
		h.pushRef(l, val.fn.ref)
	case *Module:
		pushLoaded(l)
		l.Field(-1, val.Name)
		l.Remove(-2)
	default:
		return status.ErrUnsupported.Wrapf("%T", v)
	}
	return nil
}

// toGo converts the lua value at index.
//
// Integral numbers become int64, sequences become []interface{} and other
// tables map[string]interface{}. Functions are pinned.
func (h *Host) toGo(l *lua.State, index int, depth int) (interface{}, error) {
	index = l.AbsIndex(index)
	if err := reserve(l, 3); err != nil {
		return nil, err
	}
	switch l.TypeOf(index) {
	case lua.TypeNil, lua.TypeNone:
		return nil, nil
	case lua.TypeBoolean:
		return l.ToBoolean(index), nil
	case lua.TypeNumber:
		n, _ := l.ToNumber(index)
		return normalizeNumber(n), nil
	case lua.TypeString:
		s, _ := l.ToString(index)
		return s, nil
	case lua.TypeFunction:
		return h.pin(l, index), nil
	case lua.TypeTable:
		if depth >= maxDepth {
			return nil, status.ErrUnsupported.Wrapf("table nested deeper than %d levels", maxDepth)
		}
		return h.tableToGo(l, index, depth+1)
	default:
		return nil, status.ErrUnsupported.Wrapf("lua %s", lua.TypeNameOf(l, index))
	}
}

func (h *Host) tableToGo(l *lua.State, index int, depth int) (interface{}, error) {
	n := l.RawLength(index)
	count := 0
	sequence := true
	l.PushNil()
	for l.Next(index) {
		count++
		if sequence && l.TypeOf(-2) != lua.TypeNumber {
			sequence = false
		}
		l.Pop(1)
	}

	if sequence && count > 0 && count == n {
		list := make([]interface{}, 0, n)
		for i := 1; i <= n; i++ {
			l.RawGetInt(index, i)
			v, err := h.toGo(l, -1, depth)
			l.Pop(1)
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}
		return list, nil
	}

	record := make(map[string]interface{}, count)
	l.PushNil()
	for l.Next(index) {
		key := tableKey(l, -2)
		v, err := h.toGo(l, -1, depth)
		if err != nil {
			l.Pop(2)
			return nil, err
		}
		record[key] = v
		l.Pop(1)
	}
	return record, nil
}

// tableKey formats a key without converting it in place, which would break Next
func tableKey(l *lua.State, index int) string {
	switch l.TypeOf(index) {
	case lua.TypeString:
		s, _ := l.ToString(index)
		return s
	case lua.TypeNumber:
		n, _ := l.ToNumber(index)
		return fmt.Sprint(normalizeNumber(n))
	case lua.TypeBoolean:
		return fmt.Sprint(l.ToBoolean(index))
	default:
		return lua.TypeNameOf(l, index)
	}
}

// reserve grows the lua stack for n more slots
func reserve(l *lua.State, n int) error {
	if !l.CheckStack(n) {
		return status.ErrUnsupported.Wrapf("lua stack cannot grow by %d slots", n)
	}
	return nil
}

func normalizeNumber(value float64) interface{} {
	if value == math.Trunc(value) && math.Abs(value) < 1<<53 {
		return int64(value)
	}
	return value
}
