package extension

// ABI names the binary contract a module was built against.
type ABI string

const (
	// ABIGo modules are Go plugins exporting EntrySymbol as an EntryFunc.
	ABIGo ABI = "go"
	// ABIC modules are C shared libraries using the platform C calling
	// convention. The backend lives in the cabi subpackage.
	ABIC ABI = "c"
)

// Library is an open OS-level dynamic module.
type Library interface {
	// Lookup resolves an exported symbol. Openers for foreign ABIs return the
	// entry point already adapted to an EntryFunc.
	Lookup(symbol string) (any, error)
	// Close releases the module. No code or data from the module may be used
	// after Close returns.
	Close() error
}

// Opener opens dynamic modules of one ABI.
type Opener interface {
	// EntrySymbol is the fixed entry point name for this ABI.
	EntrySymbol() string
	Open(path string) (Library, error)
}
