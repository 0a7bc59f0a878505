//go:build !(linux || darwin || freebsd)

package extension

import (
	"fmt"
	"runtime"
)

// GoPluginOpener is unavailable on this platform; Open always fails.
type GoPluginOpener struct{}

// EntrySymbol implements Opener.
func (GoPluginOpener) EntrySymbol() string { return EntrySymbol }

// Open implements Opener.
func (GoPluginOpener) Open(path string) (Library, error) {
	return nil, fmt.Errorf("go plugins are not supported on %s/%s", runtime.GOOS, runtime.GOARCH)
}
