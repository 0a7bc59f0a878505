package extension

// EntrySymbol is the symbol every Go extension module must export.
const EntrySymbol = "Init"

// Extension is the capability every loadable unit implements.
type Extension interface {
	// Name identifies the extension in the registry. It must return the same
	// value for the whole lifetime of the object.
	Name() string
	// Execute runs the extension with the ordered argument list. The returned
	// error is opaque to the host. Implementations must tolerate concurrent
	// calls; the host does not serialise them.
	Execute(args []string) error
}

// EntryFunc is the Go signature of the module entry point. The returned
// extension is owned by the host from the moment the call returns.
type EntryFunc = func() Extension

// Releaser is implemented by extensions that hold resources which must be
// freed before their module is closed.
type Releaser interface {
	Release()
}

// Configurable is implemented by extensions that accept the settings block of
// their manifest entry. Configure runs once, before the extension is
// registered; an error aborts the load.
type Configurable interface {
	Configure(settings map[string]string) error
}
