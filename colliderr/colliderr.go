// Package colliderr defines the stable error taxonomy shared by every layer
// of the collimator engine. The engine never panics or throws through its
// public surface; every operation returns either a valid value or an *Error
// carrying one of the Kinds below.
package colliderr

import "fmt"

// Kind identifies the category of a failure. Kinds are stable: host code is
// expected to switch on them with errors.As, not on error message text.
type Kind string

// The error kinds named in the engine's error taxonomy.
const (
	InvalidUnit         Kind = "InvalidUnit"
	OutOfRange          Kind = "OutOfRange"
	NotFound            Kind = "NotFound"
	InvalidComposition  Kind = "InvalidComposition"
	InvalidGeometry     Kind = "InvalidGeometry"
	InvalidConfig       Kind = "InvalidConfig"
	Cancelled           Kind = "Cancelled"
	NumericalDegeneracy Kind = "NumericalDegeneracy"

	// StorageFailure covers project-file persistence errors raised by the
	// host collaborator layer (internal/projectstore): failed encodes,
	// unreachable databases, missing rows.
	StorageFailure Kind = "StorageFailure"
)

// Error is the concrete error type returned across the engine's public
// surface. Context fields are populated on a best-effort basis by the
// layer that raised the error so a host can render an actionable message
// without re-deriving state.
type Error struct {
	Kind      Kind
	Message   string
	Material  string  // material id, when relevant
	EnergyKeV float64 // energy in keV, when relevant (0 if unset)
	StageIdx  int     // stage index, when relevant (-1 if unset)
	RayIdx    int     // ray index, when relevant (-1 if unset)
	Err       error   // wrapped cause, if any
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("collimator: %s: %s", e.Kind, e.Message)
	if e.Material != "" {
		msg += fmt.Sprintf(" (material=%s)", e.Material)
	}
	if e.EnergyKeV != 0 {
		msg += fmt.Sprintf(" (energy_keV=%g)", e.EnergyKeV)
	}
	if e.StageIdx >= 0 {
		msg += fmt.Sprintf(" (stage=%d)", e.StageIdx)
	}
	if e.RayIdx >= 0 {
		msg += fmt.Sprintf(" (ray=%d)", e.RayIdx)
	}
	return msg
}

// Unwrap exposes the wrapped cause, if any, for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Option configures optional context fields on a new *Error.
type Option func(*Error)

// WithMaterial attaches the material id that triggered the error.
func WithMaterial(id string) Option { return func(e *Error) { e.Material = id } }

// WithEnergy attaches the energy in keV that triggered the error.
func WithEnergy(keV float64) Option { return func(e *Error) { e.EnergyKeV = keV } }

// WithStage attaches the zero-based stage index that triggered the error.
func WithStage(i int) Option { return func(e *Error) { e.StageIdx = i } }

// WithRay attaches the zero-based ray index that triggered the error.
func WithRay(i int) Option { return func(e *Error) { e.RayIdx = i } }

// WithCause wraps an underlying error.
func WithCause(err error) Option { return func(e *Error) { e.Err = err } }

// New constructs an *Error of the given Kind with a formatted message and
// optional context.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:     kind,
		Message:  fmt.Sprintf(format, args...),
		StageIdx: -1,
		RayIdx:   -1,
	}
}

// Wrap constructs an *Error of the given Kind wrapping cause for
// errors.Is/errors.As chains. It takes no options; context fields are
// added afterwards with With.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	e := New(kind, format, args...)
	e.Err = cause
	return e
}

// With returns a copy of e with the given options applied. It is used at
// call sites that only learn contextual fields (stage, ray) after a deeper
// layer already returned the base error.
func (e *Error) With(opts ...Option) *Error {
	cp := *e
	for _, opt := range opts {
		opt(&cp)
	}
	return &cp
}

// Is reports whether target is a *Error with the same Kind, supporting
// errors.Is(err, colliderr.New(colliderr.NotFound, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}
