//go:build !(darwin || freebsd || linux)

package cabi

import (
	"fmt"
	"runtime"

	"monokkai/pkg/extension"
)

// Opener is unavailable on this platform; Open always fails.
type Opener struct{}

// EntrySymbol implements extension.Opener.
func (Opener) EntrySymbol() string { return EntrySymbol }

// Open implements extension.Opener.
func (Opener) Open(path string) (extension.Library, error) {
	return nil, fmt.Errorf("c extensions are not supported on %s/%s", runtime.GOOS, runtime.GOARCH)
}
