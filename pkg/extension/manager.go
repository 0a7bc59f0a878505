package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "monokkai/internal/errors"
	"monokkai/pkg/logger"
)

// Manager owns every loaded module and indexes extensions by name. It is the
// only type the rest of the system talks to.
type Manager struct {
	// loadMu serialises Load calls; mu guards the registry itself.
	loadMu  sync.Mutex
	mu      sync.RWMutex
	byName  map[string]*Module
	modules []*Module
	closed  bool

	loader    *Loader
	openers   map[ABI]Opener
	observers []Observer
	execHooks []ExecuteHook
	log       *slog.Logger
}

// NewManager constructs an empty manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		byName:  make(map[string]*Module),
		openers: make(map[ABI]Opener),
		log:     logger.Named("extension"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.loader = NewLoader(m.openers, m.observe)
	return m
}

// Load opens the module at path and registers the extension it provides
// under the extension's own name. A failed Load leaves the registry exactly
// as it was.
func (m *Manager) Load(path string, opts ...LoadOption) error {
	options := loadOptions{abi: ABIGo}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return xerrors.Wrap(CodeLoad, errors.New("manager closed"), "failed to open extension module",
			xerrors.WithMetadata("path", path))
	}

	mod, err := m.loader.Load(path, options.abi)
	if err != nil {
		m.log.Error("load extension module failed", slog.String("path", path), slog.Any("error", err))
		return err
	}

	name, err := m.validate(mod, options.settings)
	if err != nil {
		m.discard(mod, "", err)
		m.log.Error("extension rejected", slog.String("path", path), slog.Any("error", err))
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		err := xerrors.Wrap(CodeLoad, errors.New("manager closed"), "failed to open extension module",
			xerrors.WithMetadata("path", path))
		m.discard(mod, name, err)
		return err
	}
	if existing, ok := m.byName[name]; ok {
		m.mu.Unlock()
		err := xerrors.New(CodeDuplicateName, fmt.Sprintf("extension %q already registered from %s", name, existing.path),
			xerrors.WithMetadata("extension", name), xerrors.WithMetadata("path", path))
		m.discard(mod, name, err)
		logger.Audit().Warn("extension rejected: duplicate name",
			slog.String("extension", name),
			slog.String("path", path),
			slog.String("registered_path", existing.path),
		)
		return err
	}
	m.byName[name] = mod
	m.modules = append(m.modules, mod)
	m.mu.Unlock()

	m.observe(Transition{Path: path, ABI: options.abi, From: StateLoaded, To: StateInitialized, Name: name, At: time.Now()})
	logger.Audit().Info("extension loaded",
		slog.String("extension", name),
		slog.String("path", path),
		slog.String("abi", string(options.abi)),
	)
	return nil
}

func (m *Manager) validate(mod *Module, settings map[string]string) (string, error) {
	name, err := mod.resolveName()
	if err != nil {
		return "", xerrors.Wrap(CodeInit, err, "extension Name() failed", xerrors.WithMetadata("path", mod.path))
	}
	if strings.TrimSpace(name) == "" {
		return "", xerrors.New(CodeInit, "extension reported an empty name", xerrors.WithMetadata("path", mod.path))
	}
	if err := mod.configure(settings); err != nil {
		return name, xerrors.Wrap(CodeInit, err, fmt.Sprintf("configure extension %s", name),
			xerrors.WithMetadata("path", mod.path), xerrors.WithMetadata("extension", name))
	}
	return name, nil
}

// discard tears down a module that never made it into the registry.
func (m *Manager) discard(mod *Module, name string, cause error) {
	if err := mod.Close(); err != nil {
		m.log.Error("tear down rejected module", slog.String("path", mod.path), slog.Any("error", err))
	}
	m.observe(Transition{Path: mod.path, ABI: mod.abi, From: StateLoaded, To: StateFailed, Name: name, Err: cause, At: time.Now()})
}

// Get returns the extension registered under name. The handle stops
// dispatching once the manager is closed.
func (m *Manager) Get(name string) (Extension, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false
	}
	mod, ok := m.byName[name]
	if !ok {
		return nil, false
	}
	return &Handle{module: mod, name: name}, true
}

// Execute dispatches args to the named extension exactly once. The
// extension's own error stays reachable through errors.Is and errors.As; it is
// never retried.
func (m *Manager) Execute(name string, args []string) error {
	m.mu.RLock()
	mod, ok := m.byName[name]
	closed := m.closed
	m.mu.RUnlock()
	if !ok || closed {
		return xerrors.New(CodeNotFound, fmt.Sprintf("extension %q not found", name),
			xerrors.WithMetadata("extension", name))
	}

	start := time.Now()
	err := mod.execute(args)
	elapsed := time.Since(start)
	for _, hook := range m.execHooks {
		hook(name, elapsed, err)
	}

	if err != nil {
		m.log.Warn("extension execution failed",
			slog.String("extension", name),
			slog.Duration("elapsed", elapsed),
			slog.Any("error", err),
		)
		logger.Audit().Warn("extension executed",
			slog.String("extension", name),
			slog.Int("argc", len(args)),
			slog.Bool("panic", IsPanic(err)),
			slog.String("error", err.Error()),
		)
		return err
	}
	logger.Audit().Info("extension executed",
		slog.String("extension", name),
		slog.Int("argc", len(args)),
		slog.Duration("elapsed", elapsed),
	)
	return nil
}

// Names returns the registered extension names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.byName))
	for name := range m.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered extensions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byName)
}

// Modules describes the registered modules in load order.
func (m *Manager) Modules() []ModuleInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ModuleInfo, 0, len(m.modules))
	for _, mod := range m.modules {
		out = append(out, mod.Info())
	}
	return out
}

// LoadConfigured loads every enabled manifest entry in id order and stops at
// the first failure. Entries loaded before the failure stay registered.
func (m *Manager) LoadConfigured(cfg ManagerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ids := make([]string, 0, len(cfg.Items))
	for id := range cfg.Items {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		item := cfg.Items[id]
		if !item.Enabled {
			continue
		}
		path := item.Path
		if !filepath.IsAbs(path) && cfg.Dir != "" {
			path = filepath.Join(cfg.Dir, path)
		}
		if err := m.Load(path, WithABI(item.abi()), WithSettings(item.Settings)); err != nil {
			return fmt.Errorf("extension %s: %w", id, err)
		}
	}
	return nil
}

// Close tears down every module in reverse load order. Within a module the
// extension is released before its library is closed. After Close the
// registry is empty and every Handle refuses to dispatch. Close waits for
// running Execute calls, including ones a caller has stopped waiting for;
// use CloseContext to bound that wait.
func (m *Manager) Close() error {
	modules := m.markClosed()

	var errs []error
	for i := len(modules) - 1; i >= 0; i-- {
		if err := modules[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		m.log.Error("extension teardown reported errors", slog.Any("error", errors.Join(errs...)))
	}
	return errors.Join(errs...)
}

// CloseContext behaves like Close until ctx ends. Modules whose extension is
// still executing at that point are left open and named in the returned
// TIMEOUT error; every idle module is still torn down in reverse load order.
// The registry is emptied either way.
func (m *Manager) CloseContext(ctx context.Context) error {
	modules := m.markClosed()

	var (
		errs []error
		busy []string
	)
	for i := len(modules) - 1; i >= 0; i-- {
		mod := modules[i]
		closed, err := mod.CloseContext(ctx)
		if !closed {
			busy = append(busy, mod.name)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(busy) > 0 {
		m.log.Warn("extensions still running at shutdown, modules left open",
			slog.Any("extensions", busy))
		errs = append(errs, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "extensions still running",
			xerrors.WithMetadata("extensions", strings.Join(busy, ","))))
	}
	if len(errs) > 0 {
		m.log.Error("extension teardown reported errors", slog.Any("error", errors.Join(errs...)))
	}
	return errors.Join(errs...)
}

// markClosed empties the registry and returns the modules to tear down. It
// returns nil when the manager was already closed.
func (m *Manager) markClosed() []*Module {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	modules := m.modules
	m.modules = nil
	m.byName = make(map[string]*Module)
	return modules
}

func (m *Manager) observe(t Transition) {
	for _, o := range m.observers {
		if o != nil {
			o(t)
		}
	}
}
