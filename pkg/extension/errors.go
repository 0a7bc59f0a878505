package extension

import (
	"errors"
	"fmt"
	"net/http"

	xerrors "monokkai/internal/errors"
)

const (
	CodeLoad          xerrors.Code = "EXTENSION_LOAD_FAILED"
	CodeSymbol        xerrors.Code = "EXTENSION_SYMBOL_NOT_FOUND"
	CodeInit          xerrors.Code = "EXTENSION_INIT_FAILED"
	CodeDuplicateName xerrors.Code = "EXTENSION_DUPLICATE_NAME"
	CodeNotFound      xerrors.Code = "EXTENSION_NOT_FOUND"
	CodeExecution     xerrors.Code = "EXTENSION_EXECUTION_FAILED"
)

var (
	// ErrLoad reports that the OS loader could not open the module.
	ErrLoad = xerrors.New(CodeLoad, "failed to open extension module")
	// ErrSymbol reports a missing entry point or one with the wrong signature.
	ErrSymbol = xerrors.New(CodeSymbol, "extension entry point not found")
	// ErrInit reports an entry point that returned nothing usable, or an
	// extension that failed validation before registration.
	ErrInit = xerrors.New(CodeInit, "extension initialisation failed")
	// ErrDuplicateName reports a name that is already registered.
	ErrDuplicateName = xerrors.New(CodeDuplicateName, "extension name already registered")
	// ErrPluginNotFound reports a lookup miss at dispatch time.
	ErrPluginNotFound = xerrors.New(CodeNotFound, "extension not found")
	// ErrExecution wraps a failure returned (or panicked) by Execute.
	ErrExecution = xerrors.New(CodeExecution, "extension execution failed")
)

func init() {
	xerrors.Register(CodeLoad, xerrors.Attributes{
		Message:    "failed to open extension module",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
	xerrors.Register(CodeSymbol, xerrors.Attributes{
		Message:    "extension entry point not found",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
	xerrors.Register(CodeInit, xerrors.Attributes{
		Message:    "extension initialisation failed",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
	xerrors.Register(CodeDuplicateName, xerrors.Attributes{
		Message:    "extension name already registered",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeNotFound, xerrors.Attributes{
		Message:    "extension not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeExecution, xerrors.Attributes{
		Message:    "extension execution failed",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusInternalServerError,
	})
}

// PanicError carries a value recovered from a panic inside extension code.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// IsPanic reports whether err was produced by a recovered panic.
func IsPanic(err error) bool {
	var p *PanicError
	return errors.As(err, &p)
}
