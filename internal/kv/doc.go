// Package kv implements the key/value namespaces the state layer persists
// into. A namespace is an opaque get/update store holding JSON documents with
// last-write-wins semantics and no batch or transaction primitive. Two
// namespaces are opened per process: one scoped to the current workspace and
// one shared by every workspace. Backends are a plain JSON file rewritten via
// temp file + rename, a SQLite database, or an in-memory map for tests.
package kv
