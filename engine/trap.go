package engine

import (
	stderrors "errors"
	"strings"

	"github.com/tetratelabs/wazero/sys"
)

// Short trap codes reported as exit reasons.
const (
	TrapDivByZero     = "div-by-zero"
	TrapIntOverflow   = "int-overflow"
	TrapOOBMemory     = "oob-memory"
	TrapOOBTable      = "oob-table"
	TrapUnreachable   = "unreachable"
	TrapBadSignature  = "bad-signature"
	TrapBadConversion = "bad-conversion"
	TrapStackOverflow = "stack-overflow"
	TrapOutOfFuel     = "out-of-fuel"
)

var trapCodes = []struct {
	text string
	code string
}{
	{"integer divide by zero", TrapDivByZero},
	{"integer overflow", TrapIntOverflow},
	{"out of bounds memory access", TrapOOBMemory},
	{"invalid table access", TrapOOBTable},
	{"unreachable", TrapUnreachable},
	{"indirect call type mismatch", TrapBadSignature},
	{"invalid conversion to integer", TrapBadConversion},
	{"stack overflow", TrapStackOverflow},
}

const wasmErrorPrefix = "wasm error: "

// TrapCode maps an engine runtime error to a short trap code. Errors that
// match no known trap keep their first line verbatim.
func TrapCode(err error) string {
	if err == nil {
		return ""
	}
	var exit *sys.ExitError
	if stderrors.As(err, &exit) {
		return "exit"
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	text := msg
	if i := strings.Index(text, wasmErrorPrefix); i >= 0 {
		text = text[i+len(wasmErrorPrefix):]
	}
	for _, t := range trapCodes {
		if strings.HasPrefix(text, t.text) {
			return t.code
		}
	}
	return msg
}
