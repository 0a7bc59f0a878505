//go:build darwin || freebsd || linux

package cabi

import (
	"bytes"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"

	"monokkai/pkg/extension"
)

// Opener opens C extension modules with dlopen.
type Opener struct{}

// EntrySymbol implements extension.Opener.
func (Opener) EntrySymbol() string { return EntrySymbol }

// Open implements extension.Opener. Symbols are bound immediately and kept
// private to the module.
func (Opener) Open(path string) (extension.Library, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, fmt.Errorf("dlopen %s: %w", path, err)
	}
	return &library{path: path, handle: handle}, nil
}

type library struct {
	path   string
	handle uintptr
	closed atomic.Bool
}

// Lookup resolves symbol and adapts it to an extension.EntryFunc.
func (l *library) Lookup(symbol string) (any, error) {
	if l.closed.Load() {
		return nil, fmt.Errorf("lookup %s: library closed", symbol)
	}
	addr, err := purego.Dlsym(l.handle, symbol)
	if err != nil {
		return nil, err
	}
	if addr == 0 {
		return nil, fmt.Errorf("symbol %s resolved to NULL in %s", symbol, l.path)
	}

	var initFn func() uintptr
	purego.RegisterFunc(&initFn, addr)

	return extension.EntryFunc(func() extension.Extension {
		ptr := initFn()
		if ptr == 0 {
			return nil
		}
		vt := *(*vtable)(unsafe.Pointer(ptr))
		if vt.name == 0 || vt.execute == 0 {
			if vt.release != 0 {
				var release func(uintptr)
				purego.RegisterFunc(&release, vt.release)
				release(vt.self)
			}
			panic(fmt.Errorf("%s returned an incomplete vtable", symbol))
		}
		return newExtension(vt)
	}), nil
}

func (l *library) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	if err := purego.Dlclose(l.handle); err != nil {
		return fmt.Errorf("dlclose %s: %w", l.path, err)
	}
	return nil
}

type cExtension struct {
	self    uintptr
	name    string
	execute func(self uintptr, argc int32, argv **byte, errbuf *byte, errlen uintptr) int32
	release func(self uintptr)
	once    sync.Once
}

func newExtension(vt vtable) *cExtension {
	var nameFn func(uintptr) string
	purego.RegisterFunc(&nameFn, vt.name)

	ext := &cExtension{self: vt.self, name: nameFn(vt.self)}
	purego.RegisterFunc(&ext.execute, vt.execute)
	if vt.release != 0 {
		purego.RegisterFunc(&ext.release, vt.release)
	}
	return ext
}

// Name returns the name read once at load time.
func (e *cExtension) Name() string { return e.name }

// Execute passes args as a NUL-terminated argv. The module may write a message
// of up to errBufSize-1 bytes into errbuf when it returns non-zero.
func (e *cExtension) Execute(args []string) error {
	var pinner runtime.Pinner
	defer pinner.Unpin()

	var argv **byte
	if len(args) > 0 {
		ptrs := make([]*byte, len(args)+1)
		for i, arg := range args {
			buf := make([]byte, len(arg)+1)
			copy(buf, arg)
			pinner.Pin(&buf[0])
			ptrs[i] = &buf[0]
		}
		pinner.Pin(&ptrs[0])
		argv = &ptrs[0]
	}
	errbuf := make([]byte, errBufSize)
	pinner.Pin(&errbuf[0])

	status := e.execute(e.self, int32(len(args)), argv, &errbuf[0], uintptr(len(errbuf)))
	if status == 0 {
		return nil
	}
	msg := errbuf
	if i := bytes.IndexByte(msg, 0); i >= 0 {
		msg = msg[:i]
	}
	return &Error{Extension: e.name, Status: status, Message: string(msg)}
}

// Release hands self back to the module exactly once.
func (e *cExtension) Release() {
	e.once.Do(func() {
		if e.release != nil {
			e.release(e.self)
		}
	})
}

var (
	_ extension.Opener    = Opener{}
	_ extension.Extension = (*cExtension)(nil)
	_ extension.Releaser  = (*cExtension)(nil)
)
