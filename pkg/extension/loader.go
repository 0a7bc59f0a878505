package extension

import (
	"fmt"
	"strings"
	"time"

	xerrors "monokkai/internal/errors"
)

// Loader resolves module files into Modules. It holds no state besides its
// openers and is safe for concurrent use.
type Loader struct {
	openers  map[ABI]Opener
	observer Observer
}

// NewLoader returns a loader for the given openers. The Go plugin opener is
// always present unless overridden.
func NewLoader(openers map[ABI]Opener, observer Observer) *Loader {
	set := map[ABI]Opener{ABIGo: GoPluginOpener{}}
	for abi, opener := range openers {
		if opener != nil {
			set[abi] = opener
		}
	}
	return &Loader{openers: set, observer: observer}
}

// Load opens the module at path, resolves its entry point and invokes it once.
// On any failure the library is closed again and nothing is retained.
func (l *Loader) Load(path string, abi ABI) (*Module, error) {
	if abi == "" {
		abi = ABIGo
	}
	if strings.TrimSpace(path) == "" {
		err := xerrors.Wrap(CodeLoad, fmt.Errorf("module path cannot be empty"), "failed to open extension module")
		l.emit(path, abi, StateUnloaded, StateFailed, "", err)
		return nil, err
	}
	opener, ok := l.openers[abi]
	if !ok {
		err := xerrors.Wrap(CodeLoad, fmt.Errorf("no opener registered for ABI %q", abi), "failed to open extension module",
			xerrors.WithMetadata("path", path))
		l.emit(path, abi, StateUnloaded, StateFailed, "", err)
		return nil, err
	}

	lib, err := opener.Open(path)
	if err != nil {
		wrapped := xerrors.Wrap(CodeLoad, err, "failed to open extension module", xerrors.WithMetadata("path", path))
		l.emit(path, abi, StateUnloaded, StateFailed, "", wrapped)
		return nil, wrapped
	}
	l.emit(path, abi, StateUnloaded, StateLoaded, "", nil)

	ext, err := l.initialise(lib, opener.EntrySymbol(), path)
	if err != nil {
		_ = lib.Close()
		l.emit(path, abi, StateLoaded, StateFailed, "", err)
		return nil, err
	}
	return newModule(path, abi, lib, ext), nil
}

func (l *Loader) initialise(lib Library, symbol, path string) (Extension, error) {
	sym, err := lib.Lookup(symbol)
	if err != nil {
		return nil, xerrors.Wrap(CodeSymbol, err, fmt.Sprintf("entry point %s not found", symbol),
			xerrors.WithMetadata("path", path))
	}
	entry, ok := sym.(EntryFunc)
	if !ok || entry == nil {
		return nil, xerrors.New(CodeSymbol, fmt.Sprintf("entry point %s has type %T, want func() extension.Extension", symbol, sym),
			xerrors.WithMetadata("path", path))
	}

	var ext Extension
	if err := guard(func() error {
		ext = entry()
		return nil
	}); err != nil {
		return nil, xerrors.Wrap(CodeInit, err, fmt.Sprintf("entry point %s panicked", symbol),
			xerrors.WithMetadata("path", path))
	}
	if isNil(ext) {
		return nil, xerrors.New(CodeInit, fmt.Sprintf("entry point %s returned nil", symbol),
			xerrors.WithMetadata("path", path))
	}
	return ext, nil
}

func (l *Loader) emit(path string, abi ABI, from, to State, name string, err error) {
	if l == nil || l.observer == nil {
		return
	}
	l.observer(Transition{Path: path, ABI: abi, From: from, To: to, Name: name, Err: err, At: time.Now()})
}
