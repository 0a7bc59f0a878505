package extension

import "time"

// State is the position of one load attempt in its lifecycle.
type State string

const (
	StateUnloaded    State = "unloaded"
	StateLoaded      State = "loaded"
	StateInitialized State = "initialized"
	StateFailed      State = "failed"
)

// Transition describes a single state change of a load attempt.
type Transition struct {
	Path string
	ABI  ABI
	From State
	To   State
	// Name is set once the extension has reported it.
	Name string
	Err  error
	At   time.Time
}

// Observer receives every load transition. It is called synchronously and
// must not call back into the Manager.
type Observer func(Transition)

// ExecuteHook receives the outcome of every Execute dispatched by the Manager.
type ExecuteHook func(name string, elapsed time.Duration, err error)
