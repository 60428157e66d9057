package codeship

import (
	"bytes"

	"github.com/oneconcern/codeship/pkg/codec"
	"github.com/oneconcern/codeship/pkg/codeship/status"
	"github.com/oneconcern/codeship/pkg/install"
)

// Dumps serializes a value, shipping the local code units it references
func Dumps(modules ModuleIndex, v interface{}, opts ...Option) ([]byte, error) {
	var buf bytes.Buffer
	if err := Extend(codec.NewEncoder(&buf), modules, opts...).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Loads deserializes a value, installing the code units shipped with it
func Loads(reg *install.Registry, raw []byte, opts ...RuntimeOption) (interface{}, error) {
	return NewRuntime(reg, opts...).Decoder(bytes.NewReader(raw)).Decode()
}

// Callable values, such as lua functions
type Callable interface {
	Call(args ...interface{}) ([]interface{}, error)
}

// Thunk defers the call of fn with args
func Thunk(fn Callable, args ...interface{}) codec.Call {
	return codec.Call{Fn: fn, Args: args}
}

// Invoke calls a deserialized thunk
func Invoke(v interface{}) ([]interface{}, error) {
	var c codec.Call
	switch val := v.(type) {
	case *codec.Call:
		c = *val
	case codec.Call:
		c = val
	case Callable:
		return val.Call()
	default:
		return nil, status.ErrNotCallable.Wrapf("%T", v)
	}
	fn, ok := c.Fn.(Callable)
	if !ok {
		return nil, status.ErrNotCallable.Wrapf("%T", c.Fn)
	}
	return fn.Call(c.Args...)
}
