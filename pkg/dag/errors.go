package dag

import (
	"errors"
	"fmt"
)

// Kind classifies how a validation/stability/execution outcome must be
// handled by its caller (spec §7). Every asynchronous boundary in this
// module returns a *Error rather than panicking or raising into an
// unrelated goroutine — see DESIGN.md's note on the teacher's
// "unstructured thrown errors inside async callbacks" anti-pattern.
type Kind int

const (
	KindStructural Kind = iota
	KindUnit
	KindJoint
	KindNeedParents
	KindNeedHashTree
	KindTransient
	KindAssetNotAccepted
	KindFormulaFatal
	KindBudgetExceeded
	KindResponseTimeout
	KindStorage
	KindBug
)

func (k Kind) String() string {
	switch k {
	case KindStructural:
		return "StructuralError"
	case KindUnit:
		return "UnitError"
	case KindJoint:
		return "JointError"
	case KindNeedParents:
		return "NeedParents"
	case KindNeedHashTree:
		return "NeedHashTree"
	case KindTransient:
		return "Transient"
	case KindAssetNotAccepted:
		return "AssetNotAccepted"
	case KindFormulaFatal:
		return "FormulaFatal"
	case KindBudgetExceeded:
		return "BudgetExceeded"
	case KindResponseTimeout:
		return "ResponseTimeout"
	case KindStorage:
		return "StorageError"
	case KindBug:
		return "Bug"
	default:
		return "Unknown"
	}
}

// Error is the single error type every validator/stability/execution path
// returns. NeedParents carries the list of missing parent hashes so the
// network layer can issue targeted get_joint requests.
type Error struct {
	Kind          Kind
	Message       string
	MissingParents []string
	Cause         error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func NeedParents(units []string) *Error {
	return &Error{Kind: KindNeedParents, Message: "missing parents", MissingParents: units}
}

func Transient(format string, args ...interface{}) *Error {
	return New(KindTransient, format, args...)
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind == kind
	}
	return false
}

// Sentinel errors used by the storage/cache layers for the common
// "not found" case, matching the teacher's pkg/database/errors.go and
// pkg/ledger/errors.go style (explicit sentinels, never bare nil, nil).
var (
	ErrUnitNotFound     = errors.New("unit not found")
	ErrOutputNotFound   = errors.New("output not found")
	ErrBallNotFound     = errors.New("ball not found")
	ErrAANotFound       = errors.New("aa definition not found")
	ErrStateVarNotFound = errors.New("aa state variable not found")
	ErrNotInCache       = errors.New("not in cache")
)
