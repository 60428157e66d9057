/*
Package codeship ships lua code along with serialized values.

A sender serializes values referring to functions of its own project: the code units
those functions come from are archived, fingerprinted and embedded in the payload. A
receiver installs each shipped unit in a scratch directory named after its fingerprint
before resolving the functions, so payloads run even where the code was never deployed,
or where an older version of it is loaded already.

The building blocks live under pkg: fingerprint, bundle, install, codec, luahost and
codeship. The codeship CLI under cmd/codeship dumps, runs and tests payloads.
*/
package codeship
