// Package errors provides structured error types for the process runtime.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error
// category). Load failures (malformed_module, instrumentation, compile) are
// returned synchronously to the caller; sandbox faults never surface as Go
// errors from the scheduler, only as process exit reasons.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseParse, errors.KindMalformed).
//		Path("code", "func[3]").
//		Detail("unknown opcode 0x%02x", op).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Malformed("import", cause)
//	err := errors.Instrumentation("fuel", cause)
//
// Sentinels match on kind regardless of phase:
//
//	if errors.Is(err, errors.ErrMalformedModule) { ... }
package errors
