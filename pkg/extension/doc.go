// Package extension hosts natively compiled extensions that are loaded into
// the running process from shared libraries.
//
// Every module exposes a single fixed entry point. The loader opens the
// module, resolves that entry, invokes it exactly once and takes ownership of
// the returned Extension. The module handle and the extension are kept
// together in a Module so the extension can never outlive the code that
// backs it; the Manager is the only type that owns modules and it exposes
// extensions by their self-reported name.
//
// Two binary contracts are supported:
//
//   - ABIGo: a Go plugin (go build -buildmode=plugin) built against this
//     package, exporting
//
//     func Init() extension.Extension
//
//   - ABIC: a C shared library exporting monokkai_init (see the cabi
//     subpackage and include/monokkai_extension.h).
//
// The entry point is a trust boundary. The host checks that the symbol exists,
// that it has the agreed Go type and that the returned value is not nil, and it
// recovers panics raised by the entry point and by Execute. Nothing more can be
// verified: a module built against a different version of this package, or a
// C module that returns a malformed vtable, has undefined behaviour, and a
// crash inside foreign code takes the host process down with it.
package extension
