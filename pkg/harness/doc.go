/*
Package harness runs serialized payloads in a fresh receiving process.

A payload is staged in a new shared directory, then handed to a Runner which
invokes "codeship run" in an isolated context: a new process in an empty working
directory (Local) or a disposable container (Container). The exit status of the
process tells whether the payload passed.
*/
package harness
