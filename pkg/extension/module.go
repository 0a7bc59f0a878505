package extension

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	xerrors "monokkai/internal/errors"
)

// Module couples an open Library with the extension its entry point produced.
// The two are created together and torn down together: Close releases the
// extension and only then closes the library.
type Module struct {
	path     string
	abi      ABI
	loadedAt time.Time

	// mu is held for reading while extension code runs and for writing during
	// Close, so the library is never closed under an in-flight Execute.
	mu     sync.RWMutex
	lib    Library
	ext    Extension
	name   string
	closed bool
}

func newModule(path string, abi ABI, lib Library, ext Extension) *Module {
	return &Module{path: path, abi: abi, lib: lib, ext: ext, loadedAt: time.Now()}
}

// ModuleInfo is a read-only description of a registered module.
type ModuleInfo struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	ABI      ABI       `json:"abi"`
	LoadedAt time.Time `json:"loaded_at"`
}

// Info describes the module.
func (m *Module) Info() ModuleInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ModuleInfo{Name: m.name, Path: m.path, ABI: m.abi, LoadedAt: m.loadedAt}
}

// resolveName asks the extension for its name once and caches it; the
// contract says it never changes.
func (m *Module) resolveName() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", fmt.Errorf("module %s closed", m.path)
	}
	var name string
	if err := guard(func() error {
		name = m.ext.Name()
		return nil
	}); err != nil {
		return "", err
	}
	m.name = name
	return name, nil
}

func (m *Module) configure(settings map[string]string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.ext.(Configurable)
	if !ok || m.closed {
		return nil
	}
	return guard(func() error {
		return cfg.Configure(cloneSettings(settings))
	})
}

func (m *Module) execute(args []string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return xerrors.Wrap(CodeNotFound, fmt.Errorf("module %s closed", m.path), "extension not found",
			xerrors.WithMetadata("extension", m.name))
	}
	err := guard(func() error {
		return m.ext.Execute(slices.Clone(args))
	})
	if err == nil {
		return nil
	}
	opts := []xerrors.Option{xerrors.WithMetadata("extension", m.name)}
	if IsPanic(err) {
		opts = append(opts, xerrors.WithAlert(true), xerrors.WithSeverity(xerrors.SeverityCritical))
	}
	return xerrors.Wrap(CodeExecution, err, fmt.Sprintf("extension %s failed", m.name), opts...)
}

// closePollInterval is how often CloseContext retries a busy module.
const closePollInterval = 10 * time.Millisecond

// Close releases the extension, then closes the library. It is idempotent and
// waits for running Execute calls to return.
func (m *Module) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.teardown()
}

// CloseContext is Close bounded by ctx. When ctx ends while an Execute is
// still running the module is left open and false is returned; the library is
// never closed under a running call.
func (m *Module) CloseContext(ctx context.Context) (bool, error) {
	if !m.mu.TryLock() {
		ticker := time.NewTicker(closePollInterval)
		defer ticker.Stop()
		for !m.mu.TryLock() {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-ticker.C:
			}
		}
	}
	defer m.mu.Unlock()
	return true, m.teardown()
}

// teardown must be called with mu held for writing.
func (m *Module) teardown() error {
	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	if r, ok := m.ext.(Releaser); ok {
		if err := guard(func() error {
			r.Release()
			return nil
		}); err != nil {
			errs = append(errs, fmt.Errorf("release extension %s: %w", m.name, err))
		}
	}
	m.ext = nil
	if err := m.lib.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close module %s: %w", m.path, err))
	}
	m.lib = nil
	return errors.Join(errs...)
}

// Handle is the view of a registered extension handed out by Manager.Get. It
// forwards to the owning Module and stops working once that module is closed,
// so callers never reach extension code after its library is gone.
type Handle struct {
	module *Module
	name   string
}

// Name implements Extension.
func (h *Handle) Name() string { return h.name }

// Execute implements Extension. Errors are classified like Manager.Execute.
func (h *Handle) Execute(args []string) error {
	return h.module.execute(args)
}

// Info describes the module backing the handle.
func (h *Handle) Info() ModuleInfo { return h.module.Info() }

var _ Extension = (*Handle)(nil)

func cloneSettings(settings map[string]string) map[string]string {
	cp := make(map[string]string, len(settings))
	for k, v := range settings {
		cp[k] = v
	}
	return cp
}
