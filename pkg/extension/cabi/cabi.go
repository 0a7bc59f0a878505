// Package cabi loads extensions from C shared libraries.
//
// A module exports one function, monokkai_init, taking no arguments and
// returning a pointer to a monokkai_extension vtable (see
// include/monokkai_extension.h). The vtable is copied into Go memory as soon as
// the entry point returns; release(self) is called exactly once, before the
// library is closed, and must free everything the module allocated.
package cabi

import "fmt"

// EntrySymbol is the symbol every C extension module must export.
const EntrySymbol = "monokkai_init"

// errBufSize is the size of the buffer handed to execute for error text.
const errBufSize = 512

// Error is returned by Execute when the module reports a non-zero status.
type Error struct {
	Extension string
	Status    int32
	Message   string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: exit status %d", e.Extension, e.Status)
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Extension, e.Message, e.Status)
}

// vtable mirrors struct monokkai_extension.
type vtable struct {
	self    uintptr
	name    uintptr
	execute uintptr
	release uintptr
}
