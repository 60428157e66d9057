package codec

import "github.com/oneconcern/codeship/pkg/errors"

// FormatVersion is written at the head of every stream
const FormatVersion uint8 = 1

var (
	// ErrUnsupported indicates a value that cannot be serialized
	ErrUnsupported = errors.New("unsupported value")

	// ErrTooDeep indicates an object graph nested beyond MaxDepth
	ErrTooDeep = errors.New("object graph too deep")

	// ErrVersion indicates a stream written with an unknown format version
	ErrVersion = errors.New("unsupported format version")

	// ErrMalformed indicates a stream that does not decode into a valid node tree
	ErrMalformed = errors.New("malformed stream")

	// ErrUnknownReducer indicates a reduction with no registered reconstructor
	ErrUnknownReducer = errors.New("unknown reducer")

	// ErrMemo indicates a back-reference to a value not materialized yet
	ErrMemo = errors.New("reference to unknown memoized value")

	// ErrImport indicates a module or global that the importer failed to resolve
	ErrImport = errors.New("import failed")
)

// MaxDepth is the deepest object graph accepted
const MaxDepth = 256

// Category of values whose serialization may be overridden
type Category uint8

const (
	// CategoryModule is for values implementing ModuleHandle
	CategoryModule Category = iota + 1

	// CategoryGlobal is for values implementing GlobalRef
	CategoryGlobal
)

func (c Category) String() string {
	switch c {
	case CategoryModule:
		return "module"
	case CategoryGlobal:
		return "global"
	default:
		return "unknown"
	}
}

// ModuleHandle is a loaded code unit
type ModuleHandle interface {
	// ModuleName is the dotted name of the module
	ModuleName() string
	// ModuleFile is the source file the module was loaded from, if any
	ModuleFile() string
}

// GlobalRef is a named symbol, defined by a module
type GlobalRef interface {
	// GlobalModule is the dotted name of the defining module
	GlobalModule() string
	// GlobalPath is the dotted path to the symbol within the module
	GlobalPath() string
}

// Reducible values serialize as a reconstructor name and its arguments.
// The receiving Decoder must have a Reconstructor registered under that name.
type Reducible interface {
	Reduce() (string, []interface{})
}

// Call is a deferred invocation of Fn with Args
type Call struct {
	Fn   interface{}
	Args []interface{}
}

// Kind of a node
type Kind uint8

// Node kinds
const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindList
	KindMap
	KindModule
	KindGlobal
	KindCall
	KindReduce
	KindMemo
)

// Node is the serialized form of a value.
//
// Composite kinds keep their children in Items: list elements, map values
// (with keys in Keys), the function then the arguments of a call, the
// arguments of a reduction.
type Node struct {
	Kind  Kind     `cbor:"1,keyasint"`
	Bool  bool     `cbor:"2,keyasint,omitempty"`
	Int   int64    `cbor:"3,keyasint,omitempty"`
	Float float64  `cbor:"4,keyasint,omitempty"`
	Str   string   `cbor:"5,keyasint,omitempty"`
	Bytes []byte   `cbor:"6,keyasint,omitempty"`
	Items []*Node  `cbor:"7,keyasint,omitempty"`
	Keys  []string `cbor:"8,keyasint,omitempty"`
	Name  string   `cbor:"9,keyasint,omitempty"`
	Path  string   `cbor:"10,keyasint,omitempty"`
	Memo  uint32   `cbor:"11,keyasint,omitempty"`
}

type envelope struct {
	Version uint8 `cbor:"1,keyasint"`
	Root    *Node `cbor:"2,keyasint"`
}
