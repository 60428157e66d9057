package codec

import (
	"io"
	"math"
	"reflect"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// HandlerFunc encodes a value of some Category into a node
type HandlerFunc func(e *Encoder, v interface{}) (*Node, error)

// Handlers overrides the encoding of some categories
type Handlers map[Category]HandlerFunc

// Dispatcher is a serializer accepting per-category handler overrides.
//
// Overrides apply to a single call, and leave the serializer's own handlers unchanged.
type Dispatcher interface {
	Encode(v interface{}) error
	EncodeWith(v interface{}, overrides Handlers) error
	Handler(Category) HandlerFunc
}

var _ Dispatcher = &Encoder{}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Encoder writes object graphs to a stream
type Encoder struct {
	w        io.Writer
	handlers Handlers
	active   Handlers
	memo     map[interface{}]uint32
	depth    int
}

// NewEncoder builds an encoder writing to w, with default handlers
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w: w,
		handlers: Handlers{
			CategoryModule: SaveModule,
			CategoryGlobal: SaveGlobal,
		},
	}
}

// Handler returns the handler in effect for a category: the override of the
// current call if any, the default handler otherwise
func (e *Encoder) Handler(c Category) HandlerFunc {
	if h, ok := e.active[c]; ok && h != nil {
		return h
	}
	return e.handlers[c]
}

// Encode writes one value to the stream with the default handlers
func (e *Encoder) Encode(v interface{}) error {
	return e.EncodeWith(v, nil)
}

// EncodeWith writes one value to the stream, with some categories encoded by overrides.
//
// Memoized reductions are scoped to a single call.
func (e *Encoder) EncodeWith(v interface{}, overrides Handlers) error {
	e.memo = make(map[interface{}]uint32)
	e.depth = 0
	e.active = overrides
	defer func() { e.active = nil }()

	root, err := e.Node(v)
	if err != nil {
		return err
	}
	b, err := encMode.Marshal(envelope{Version: FormatVersion, Root: root})
	if err != nil {
		return err
	}
	_, err = e.w.Write(b)
	return err
}

// Node walks a value into a node
func (e *Encoder) Node(v interface{}) (*Node, error) {
	e.depth++
	defer func() { e.depth-- }()
	if e.depth > MaxDepth {
		return nil, ErrTooDeep.Wrapf("more than %d levels", MaxDepth)
	}

	switch val := v.(type) {
	case nil:
		return &Node{Kind: KindNil}, nil
	case *Node:
		// already encoded, e.g. by ReduceMemo
		return val, nil
	case ModuleHandle:
		return e.Handler(CategoryModule)(e, val)
	case GlobalRef:
		return e.Handler(CategoryGlobal)(e, val)
	case Reducible:
		fn, args := val.Reduce()
		return e.Reduce(fn, args...)
	case Call:
		return e.call(val)
	case *Call:
		if val == nil {
			return &Node{Kind: KindNil}, nil
		}
		return e.call(*val)
	case bool:
		return &Node{Kind: KindBool, Bool: val}, nil
	case int:
		return &Node{Kind: KindInt, Int: int64(val)}, nil
	case int8:
		return &Node{Kind: KindInt, Int: int64(val)}, nil
	case int16:
		return &Node{Kind: KindInt, Int: int64(val)}, nil
	case int32:
		return &Node{Kind: KindInt, Int: int64(val)}, nil
	case int64:
		return &Node{Kind: KindInt, Int: val}, nil
	case uint8:
		return &Node{Kind: KindInt, Int: int64(val)}, nil
	case uint16:
		return &Node{Kind: KindInt, Int: int64(val)}, nil
	case uint32:
		return &Node{Kind: KindInt, Int: int64(val)}, nil
	case uint:
		return e.unsigned(uint64(val))
	case uint64:
		return e.unsigned(val)
	case float32:
		return &Node{Kind: KindFloat, Float: float64(val)}, nil
	case float64:
		return &Node{Kind: KindFloat, Float: val}, nil
	case string:
		return &Node{Kind: KindString, Str: val}, nil
	case []byte:
		return &Node{Kind: KindBytes, Bytes: val}, nil
	case []interface{}:
		return e.list(val)
	case []string:
		items := make([]interface{}, len(val))
		for i, s := range val {
			items[i] = s
		}
		return e.list(items)
	case map[string]interface{}:
		return e.dict(val)
	case map[string]string:
		m := make(map[string]interface{}, len(val))
		for k, s := range val {
			m[k] = s
		}
		return e.dict(m)
	default:
		return nil, ErrUnsupported.Wrapf("%s", reflect.TypeOf(v))
	}
}

// Reduce encodes a reduction: on the receiving side, the reconstructor
// registered under fn is called with the materialized arguments.
func (e *Encoder) Reduce(fn string, args ...interface{}) (*Node, error) {
	items, err := e.nodes(args)
	if err != nil {
		return nil, err
	}
	return &Node{Kind: KindReduce, Name: fn, Items: items}, nil
}

// ReduceMemo encodes a reduction once per stream for a given key.
// Subsequent calls with the same key produce a back-reference to the first.
func (e *Encoder) ReduceMemo(key interface{}, fn string, args ...interface{}) (*Node, error) {
	if id, ok := e.memo[key]; ok {
		return &Node{Kind: KindMemo, Memo: id}, nil
	}
	n, err := e.Reduce(fn, args...)
	if err != nil {
		return nil, err
	}
	id := uint32(len(e.memo) + 1)
	e.memo[key] = id
	n.Memo = id
	return n, nil
}

func (e *Encoder) unsigned(u uint64) (*Node, error) {
	if u > math.MaxInt64 {
		return nil, ErrUnsupported.Wrapf("integer %d overflows int64", u)
	}
	return &Node{Kind: KindInt, Int: int64(u)}, nil
}

func (e *Encoder) call(c Call) (*Node, error) {
	items, err := e.nodes(append([]interface{}{c.Fn}, c.Args...))
	if err != nil {
		return nil, err
	}
	return &Node{Kind: KindCall, Items: items}, nil
}

func (e *Encoder) list(values []interface{}) (*Node, error) {
	items, err := e.nodes(values)
	if err != nil {
		return nil, err
	}
	return &Node{Kind: KindList, Items: items}, nil
}

func (e *Encoder) dict(m map[string]interface{}) (*Node, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]interface{}, len(keys))
	for i, k := range keys {
		values[i] = m[k]
	}
	items, err := e.nodes(values)
	if err != nil {
		return nil, err
	}
	return &Node{Kind: KindMap, Keys: keys, Items: items}, nil
}

func (e *Encoder) nodes(values []interface{}) ([]*Node, error) {
	items := make([]*Node, 0, len(values))
	for _, v := range values {
		n, err := e.Node(v)
		if err != nil {
			return nil, err
		}
		items = append(items, n)
	}
	return items, nil
}

// SaveModule is the default module handler: it writes the module name only,
// assuming the receiver can import a module of the same name on its own.
func SaveModule(_ *Encoder, v interface{}) (*Node, error) {
	m, ok := v.(ModuleHandle)
	if !ok {
		return nil, ErrUnsupported.Wrapf("%T is not a module", v)
	}
	return &Node{Kind: KindModule, Name: m.ModuleName()}, nil
}

// SaveGlobal is the default global handler: it writes the defining module
// name and the path to the symbol.
func SaveGlobal(_ *Encoder, v interface{}) (*Node, error) {
	g, ok := v.(GlobalRef)
	if !ok {
		return nil, ErrUnsupported.Wrapf("%T is not a global", v)
	}
	return &Node{Kind: KindGlobal, Name: g.GlobalModule(), Path: g.GlobalPath()}, nil
}
