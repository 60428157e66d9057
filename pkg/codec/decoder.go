package codec

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Reconstructor rebuilds a value from the materialized arguments of a reduction
type Reconstructor func(d *Decoder, args []interface{}) (interface{}, error)

// Importer resolves modules and globals by name on the receiving side
type Importer interface {
	Import(module string) (interface{}, error)
	Lookup(module, path string) (interface{}, error)
}

// a node is a map holding an array of nodes: two levels per node
var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		MaxNestedLevels: 4*MaxDepth + 8,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// Decoder reads object graphs from a stream.
//
// Values are materialized depth-first in stream order: the arguments of a
// reduction are fully materialized before its reconstructor runs.
type Decoder struct {
	dec           *cbor.Decoder
	importer      Importer
	reconstructor map[string]Reconstructor
	memo          map[uint32]interface{}
}

// NewDecoder builds a decoder reading from r, resolving names with importer
func NewDecoder(r io.Reader, importer Importer) *Decoder {
	return &Decoder{
		dec:           decMode.NewDecoder(r),
		importer:      importer,
		reconstructor: make(map[string]Reconstructor),
	}
}

// Register a reconstructor for reductions named fn
func (d *Decoder) Register(fn string, r Reconstructor) {
	d.reconstructor[fn] = r
}

// Decode the next value from the stream
func (d *Decoder) Decode() (interface{}, error) {
	var env envelope
	if err := d.dec.Decode(&env); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, ErrMalformed.Wrap(err)
	}
	if env.Version != FormatVersion {
		return nil, ErrVersion.Wrapf("got %d, want %d", env.Version, FormatVersion)
	}
	if env.Root == nil {
		return nil, ErrMalformed.Wrapf("missing root")
	}
	d.memo = make(map[uint32]interface{})
	return d.Value(env.Root)
}

// Value materializes a node
func (d *Decoder) Value(n *Node) (interface{}, error) {
	if n == nil {
		return nil, ErrMalformed.Wrapf("nil node")
	}
	switch n.Kind {
	case KindNil:
		return nil, nil
	case KindBool:
		return n.Bool, nil
	case KindInt:
		return n.Int, nil
	case KindFloat:
		return n.Float, nil
	case KindString:
		return n.Str, nil
	case KindBytes:
		if n.Bytes == nil {
			return []byte{}, nil
		}
		return n.Bytes, nil
	case KindList:
		return d.values(n.Items)
	case KindMap:
		if len(n.Keys) != len(n.Items) {
			return nil, ErrMalformed.Wrapf("map with %d keys and %d values", len(n.Keys), len(n.Items))
		}
		values, err := d.values(n.Items)
		if err != nil {
			return nil, err
		}
		m := make(map[string]interface{}, len(values))
		for i, k := range n.Keys {
			m[k] = values[i]
		}
		return m, nil
	case KindModule:
		if d.importer == nil {
			return nil, ErrImport.Wrapf("no importer for module %q", n.Name)
		}
		v, err := d.importer.Import(n.Name)
		if err != nil {
			return nil, ErrImport.Wrap(err)
		}
		return v, nil
	case KindGlobal:
		if d.importer == nil {
			return nil, ErrImport.Wrapf("no importer for %s.%s", n.Name, n.Path)
		}
		v, err := d.importer.Lookup(n.Name, n.Path)
		if err != nil {
			return nil, ErrImport.Wrap(err)
		}
		return v, nil
	case KindCall:
		if len(n.Items) == 0 {
			return nil, ErrMalformed.Wrapf("call without a function")
		}
		values, err := d.values(n.Items)
		if err != nil {
			return nil, err
		}
		return &Call{Fn: values[0], Args: values[1:]}, nil
	case KindReduce:
		r, ok := d.reconstructor[n.Name]
		if !ok {
			return nil, ErrUnknownReducer.Wrapf("%q", n.Name)
		}
		args, err := d.values(n.Items)
		if err != nil {
			return nil, err
		}
		v, err := r(d, args)
		if err != nil {
			return nil, err
		}
		if n.Memo != 0 {
			d.memo[n.Memo] = v
		}
		return v, nil
	case KindMemo:
		v, ok := d.memo[n.Memo]
		if !ok {
			return nil, ErrMemo.Wrapf("id %d", n.Memo)
		}
		return v, nil
	default:
		return nil, ErrMalformed.Wrapf("unknown node kind %d", n.Kind)
	}
}

func (d *Decoder) values(nodes []*Node) ([]interface{}, error) {
	values := make([]interface{}, 0, len(nodes))
	for _, item := range nodes {
		v, err := d.Value(item)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}
