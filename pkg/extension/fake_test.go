package extension

import (
	"fmt"
	"os"
	"slices"
	"sync"
	"sync/atomic"
)

// recorder collects lifecycle events from fake modules in order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// fakeOpener serves in-memory modules keyed by path. Each Open produces a
// fresh library, as dlopen on a distinct file would.
type fakeOpener struct {
	rec     *recorder
	modules map[string]func(lib *fakeLibrary) any
	opened  atomic.Int32
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{rec: &recorder{}, modules: make(map[string]func(lib *fakeLibrary) any)}
}

// module registers path with a symbol factory. A factory returning nil means
// the module does not export the entry symbol.
func (o *fakeOpener) module(path string, symbol func(lib *fakeLibrary) any) {
	o.modules[path] = symbol
}

// extension registers path as a conforming module whose entry returns ext.
func (o *fakeOpener) extension(path string, build func(lib *fakeLibrary) Extension) {
	o.module(path, func(lib *fakeLibrary) any {
		return EntryFunc(func() Extension { return build(lib) })
	})
}

func (o *fakeOpener) EntrySymbol() string { return EntrySymbol }

func (o *fakeOpener) Open(path string) (Library, error) {
	symbol, ok := o.modules[path]
	if !ok {
		return nil, fmt.Errorf("stat %s: %w", path, os.ErrNotExist)
	}
	o.opened.Add(1)
	lib := &fakeLibrary{path: path, rec: o.rec}
	lib.symbol = symbol(lib)
	return lib, nil
}

type fakeLibrary struct {
	path   string
	rec    *recorder
	symbol any
	closed atomic.Bool
}

func (l *fakeLibrary) Lookup(symbol string) (any, error) {
	if symbol != EntrySymbol || l.symbol == nil {
		return nil, fmt.Errorf("symbol %s not found in %s", symbol, l.path)
	}
	return l.symbol, nil
}

func (l *fakeLibrary) Close() error {
	l.closed.Store(true)
	l.rec.add("close:" + l.path)
	return nil
}

// fakeExtension records every call and checks that its library is still open.
type fakeExtension struct {
	name string
	lib  *fakeLibrary
	err  error
	// panicWith makes Execute panic with the value when non-nil.
	panicWith any
	// block, when set, is received from before Execute returns.
	block chan struct{}

	mu    sync.Mutex
	calls [][]string

	released   atomic.Int32
	usedClosed atomic.Bool
}

func (e *fakeExtension) Name() string { return e.name }

func (e *fakeExtension) Execute(args []string) error {
	if e.lib != nil && e.lib.closed.Load() {
		e.usedClosed.Store(true)
	}
	e.mu.Lock()
	e.calls = append(e.calls, args)
	e.mu.Unlock()
	if e.block != nil {
		<-e.block
	}
	if e.panicWith != nil {
		panic(e.panicWith)
	}
	return e.err
}

func (e *fakeExtension) Release() {
	e.released.Add(1)
	if e.lib != nil {
		if e.lib.closed.Load() {
			e.usedClosed.Store(true)
		}
		e.lib.rec.add("release:" + e.lib.path)
	}
}

func (e *fakeExtension) callLog() [][]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.calls)
}

// configurableExtension accepts a settings block.
type configurableExtension struct {
	fakeExtension
	settings map[string]string
	fail     error
}

func (c *configurableExtension) Configure(settings map[string]string) error {
	c.settings = settings
	return c.fail
}

func newTestManager(opener *fakeOpener, opts ...Option) *Manager {
	return NewManager(append([]Option{WithOpener(ABIGo, opener)}, opts...)...)
}
