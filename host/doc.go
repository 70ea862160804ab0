// Package host implements the process API that guests import from the
// "proc" namespace.
//
// Every function resolves the calling process through the engine instance
// data, so one host table serves all processes. Payloads cross the sandbox
// boundary as (pointer, length) pairs in the caller's own memory and are
// always copied. Failures are reported as negative results; only exit and
// a kill of the caller itself terminate the guest.
//
//	(import "proc" "send"    (func (param i64 i32 i32 i64) (result i32)))
//	(import "proc" "receive" (func (param i64 i32) (result i32)))
//
// spawn takes its arguments as args_len little-endian i64 values.
package host
