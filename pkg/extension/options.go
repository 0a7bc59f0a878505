package extension

import "log/slog"

// Option modifies the behaviour of a Manager.
type Option func(*Manager)

// WithOpener registers the opener used for modules of the given ABI.
func WithOpener(abi ABI, opener Opener) Option {
	return func(m *Manager) {
		if abi != "" && opener != nil {
			m.openers[abi] = opener
		}
	}
}

// WithObserver installs a hook that sees every load transition.
func WithObserver(observer Observer) Option {
	return func(m *Manager) {
		m.observers = append(m.observers, observer)
	}
}

// WithExecuteHook installs a hook that sees the outcome of every Execute.
func WithExecuteHook(hook ExecuteHook) Option {
	return func(m *Manager) {
		if hook != nil {
			m.execHooks = append(m.execHooks, hook)
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.log = logger
		}
	}
}

// LoadOption tunes a single Load call.
type LoadOption func(*loadOptions)

type loadOptions struct {
	abi      ABI
	settings map[string]string
}

// WithABI selects the binary contract of the module. The default is ABIGo.
func WithABI(abi ABI) LoadOption {
	return func(o *loadOptions) {
		o.abi = abi
	}
}

// WithSettings passes a settings block to extensions implementing Configurable.
func WithSettings(settings map[string]string) LoadOption {
	return func(o *loadOptions) {
		o.settings = settings
	}
}
