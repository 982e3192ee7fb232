// errors.go - Load-time error taxonomy for the IronPLC VM
//
// Mirrors the teacher's plain error style (errors.New / fmt.Errorf), since
// no error-wrapping library appears anywhere in the retrieval pack.
//
// License: GPLv3 or later

package ironplcvm

import "errors"

// LoadErrorKind identifies why loading a container failed. Loading always
// transitions LOADING->STOPPED with a LoadError attached on failure; it
// never panics.
type LoadErrorKind int

const (
	ErrInvalidMagic LoadErrorKind = iota
	ErrUnsupportedVersion
	ErrSectionOutOfBounds
	ErrTruncatedSection
	ErrTruncatedConstantPool
	ErrHashMismatch
	ErrResourceBudgetExceeded
	ErrTaskTableInconsistent
)

func (k LoadErrorKind) String() string {
	switch k {
	case ErrInvalidMagic:
		return "InvalidMagic"
	case ErrUnsupportedVersion:
		return "UnsupportedVersion"
	case ErrSectionOutOfBounds:
		return "SectionOutOfBounds"
	case ErrTruncatedSection:
		return "TruncatedSection"
	case ErrTruncatedConstantPool:
		return "TruncatedConstantPool"
	case ErrHashMismatch:
		return "HashMismatch"
	case ErrResourceBudgetExceeded:
		return "ResourceBudgetExceeded"
	case ErrTaskTableInconsistent:
		return "TaskTableInconsistent"
	default:
		return "UnknownLoadError"
	}
}

// LoadError is the error type returned by Load and Vm.Load when a
// container fails header parsing, section validation, or verification.
type LoadError struct {
	Kind   LoadErrorKind
	Detail string
}

func (e *LoadError) Error() string {
	if e.Detail == "" {
		return "load error: " + e.Kind.String()
	}
	return "load error: " + e.Kind.String() + ": " + e.Detail
}

func newLoadError(kind LoadErrorKind, detail string) *LoadError {
	return &LoadError{Kind: kind, Detail: detail}
}

// errWrongState is returned when a lifecycle method is called on a VM
// instance not currently in the state that method requires.
var errWrongState = errors.New("ironplcvm: operation not valid in current VM state")
