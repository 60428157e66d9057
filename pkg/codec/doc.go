// Package codec serializes object graphs referencing code.
//
// Values are walked into a tree of Nodes, which is then written as CBOR.
// Plain data (booleans, numbers, strings, bytes, lists and string-keyed maps)
// is encoded inline. Code is never encoded inline: a module handle or a
// global symbol is written as a reference, materialized on the receiving side
// by an Importer. Deferred invocations (Call) and custom reductions complete
// the model.
//
// The encoding of the two code categories, modules and globals, goes through
// a per-category HandlerFunc that can be overridden, so that extensions can
// change how code is shipped without touching the rest of the walk.
package codec
