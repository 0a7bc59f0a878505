//go:build linux || darwin || freebsd

package extension

import (
	"fmt"
	"os"
	"plugin"
	"sync/atomic"
)

// GoPluginOpener opens modules built with go build -buildmode=plugin.
type GoPluginOpener struct{}

// EntrySymbol implements Opener.
func (GoPluginOpener) EntrySymbol() string { return EntrySymbol }

// Open implements Opener.
func (GoPluginOpener) Open(path string) (Library, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	so, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open go plugin %s: %w", path, err)
	}
	return &goLibrary{so: so}, nil
}

// goLibrary wraps a Go plugin. The Go runtime never unmaps a plugin, so Close
// only marks the handle unusable; the host-side invariants are kept by Module.
type goLibrary struct {
	so     *plugin.Plugin
	closed atomic.Bool
}

func (l *goLibrary) Lookup(symbol string) (any, error) {
	if l.closed.Load() {
		return nil, fmt.Errorf("lookup %s: library closed", symbol)
	}
	sym, err := l.so.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	return any(sym), nil
}

func (l *goLibrary) Close() error {
	l.closed.Store(true)
	return nil
}
