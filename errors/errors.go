package errors

import (
	"fmt"
	"sort"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseParse      Phase = "parse"      // module bytes to ModuleRepr
	PhaseInstrument Phase = "instrument" // instrumentation passes and re-emit
	PhaseCompile    Phase = "compile"    // sandbox engine compilation
	PhaseLoad       Phase = "load"       // module registration in the runtime
	PhaseHost       Phase = "host"       // host function / plugin registration
	PhaseSpawn      Phase = "spawn"      // process creation
	PhaseRuntime    Phase = "runtime"    // running processes
	PhaseConfig     Phase = "config"     // configuration loading
)

// Kind categorizes the error
type Kind string

const (
	KindMalformed       Kind = "malformed_module"
	KindCompile         Kind = "compile"
	KindInstrumentation Kind = "instrumentation"
	KindTrap            Kind = "trap"
	KindTimeout         Kind = "timeout"
	KindLimitExceeded   Kind = "limit_exceeded"
	KindUnsupported     Kind = "unsupported"
	KindMissingImport   Kind = "missing_import"
	KindNotFound        Kind = "not_found"
	KindInvalidInput    Kind = "invalid_input"
	KindRegistration    Kind = "registration"
	KindInstantiation   Kind = "instantiation"
	KindShutdown        Kind = "shutdown"
)

// Error is the structured error type used throughout the runtime
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// A target without a phase matches on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase == "" {
		return e.Kind == t.Kind
	}
	return e.Phase == t.Phase && e.Kind == t.Kind
}

// Sentinels for errors.Is checks on the load-time error categories.
var (
	ErrMalformedModule = &Error{Kind: KindMalformed}
	ErrCompile         = &Error{Kind: KindCompile}
	ErrInstrumentation = &Error{Kind: KindInstrumentation}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrShutdown        = &Error{Kind: KindShutdown}
)

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the location path (section, function index, pass name)
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Malformed creates a parse error for unreadable module bytes
func Malformed(section string, cause error) *Error {
	e := &Error{
		Phase: PhaseParse,
		Kind:  KindMalformed,
		Cause: cause,
	}
	if section != "" {
		e.Path = []string{section}
	}
	return e
}

// Compile creates a compile error
func Compile(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseCompile,
		Kind:   KindCompile,
		Detail: detail,
		Cause:  cause,
	}
}

// Instrumentation creates an error for a pass that failed or produced invalid output
func Instrumentation(pass string, cause error) *Error {
	e := &Error{
		Phase: PhaseInstrument,
		Kind:  KindInstrumentation,
		Cause: cause,
	}
	if pass != "" {
		e.Path = []string{pass}
	}
	return e
}

// Timeout creates a receive deadline error
func Timeout(detail string) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindTimeout,
		Detail: detail,
	}
}

// LimitExceeded creates an error for a declared resource above a configured cap
func LimitExceeded(phase Phase, what string, got, limit uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindLimitExceeded,
		Detail: fmt.Sprintf("%s %d exceeds limit %d", what, got, limit),
		Value:  got,
	}
}

// Unsupported creates an unsupported feature error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Registration creates a registration error
func Registration(phase Phase, namespace, name string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindRegistration,
		Detail: fmt.Sprintf("register %s#%s", namespace, name),
		Cause:  cause,
	}
}

// Instantiation creates an instantiation error
func Instantiation(cause error) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindInstantiation,
		Detail: "instantiate module",
		Cause:  cause,
	}
}

// Shutdown creates an error for operations on a stopped runtime
func Shutdown(phase Phase) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindShutdown,
		Detail: "runtime is shutting down",
	}
}

// MissingImport represents a single unresolved import
type MissingImport struct {
	Namespace string // e.g., "proc"
	Function  string // e.g., "send"
	Reason    string // "undefined" or "namespace not allowed"
}

// MissingImportsError is returned when a module imports functions the
// capability table cannot satisfy.
type MissingImportsError struct {
	Imports []MissingImport
}

// NewMissingImportsError creates an error from unresolved imports
func NewMissingImportsError(imports []MissingImport) *MissingImportsError {
	return &MissingImportsError{Imports: imports}
}

func (e *MissingImportsError) Error() string {
	if len(e.Imports) == 0 {
		return "[compile] missing_import: no imports specified"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "missing %d host function(s):\n", len(e.Imports))

	// Group by namespace for cleaner output
	byNS := make(map[string][]MissingImport)
	var nsOrder []string
	for _, imp := range e.Imports {
		if _, exists := byNS[imp.Namespace]; !exists {
			nsOrder = append(nsOrder, imp.Namespace)
		}
		byNS[imp.Namespace] = append(byNS[imp.Namespace], imp)
	}
	sort.Strings(nsOrder)

	for _, ns := range nsOrder {
		b.WriteString("\n  ")
		b.WriteString(ns)
		b.WriteString(":\n")
		for _, imp := range byNS[ns] {
			b.WriteString("    - ")
			b.WriteString(imp.Function)
			if imp.Reason != "" {
				b.WriteString(" (")
				b.WriteString(imp.Reason)
				b.WriteByte(')')
			}
			b.WriteByte('\n')
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// Is reports whether target matches this error type.
// Missing imports are a compile-time failure, so ErrCompile matches too.
func (e *MissingImportsError) Is(target error) bool {
	if _, ok := target.(*MissingImportsError); ok {
		return true
	}
	if t, ok := target.(*Error); ok {
		return t.Kind == KindCompile || t.Kind == KindMissingImport
	}
	return false
}
