/*
Package luahost embeds a lua interpreter in which code units live.

A code unit is a top level lua package: either a directory holding .lua files
(with an optional init.lua), or a single .lua file. Modules are named with dots,
the unit name being the first segment ("pkg.mod" belongs to unit "pkg").

The host owns an ordered search path of root directories and a registry of
loaded modules with the file each one was loaded from. The require function
seen by lua code resolves names against that search path, loading parent
modules before their children.

A Host is safe for concurrent use: all calls into the interpreter are serialized.
*/
package luahost
