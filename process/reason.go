package process

import (
	"fmt"
	"strconv"
)

// PID identifies a process. PIDs are never reused within a runtime.
type PID uint64

func (p PID) String() string { return "<" + strconv.FormatUint(uint64(p), 10) + ">" }

// Ref identifies a monitor.
type Ref uint64

// ReasonKind classifies an exit reason.
type ReasonKind uint8

const (
	ReasonNormal  ReasonKind = iota // entry function returned or exit with no reason
	ReasonTrapped                   // sandbox fault
	ReasonKilled                    // terminated by a kill, a linked death or shutdown
)

func (k ReasonKind) String() string {
	switch k {
	case ReasonNormal:
		return "normal"
	case ReasonTrapped:
		return "trapped"
	case ReasonKilled:
		return "killed"
	}
	return fmt.Sprintf("ReasonKind(%d)", uint8(k))
}

// Reason is why a process finished.
type Reason struct {
	// Linked is the reason of the linked process whose death killed this one.
	Linked *Reason
	// Code is the trap code or the kill cause.
	Code string
	// From is the linked process that died, when Linked is set.
	From PID
	Kind ReasonKind
}

// Well-known kill causes.
const (
	CauseShutdown = "shutdown"
	CauseNoProc   = "noproc"
	CauseKill     = "kill"
)

// Normal is the reason of a process that ran to completion.
func Normal() Reason { return Reason{Kind: ReasonNormal} }

// Trapped is the reason of a process stopped by a sandbox fault.
func Trapped(code string) Reason { return Reason{Kind: ReasonTrapped, Code: code} }

// Killed is the reason of a process terminated with cause.
func Killed(cause string) Reason { return Reason{Kind: ReasonKilled, Code: cause} }

// Shutdown is the reason given to processes still alive when the runtime stops.
func Shutdown() Reason { return Killed(CauseShutdown) }

// LinkedProcessDied is the reason of a process killed because a linked
// process finished abnormally.
func LinkedProcessDied(from PID, r Reason) Reason {
	return Reason{Kind: ReasonKilled, Code: "linked", From: from, Linked: &r}
}

// IsNormal reports whether r is a normal exit. Normal exits do not
// propagate over links.
func (r Reason) IsNormal() bool { return r.Kind == ReasonNormal }

func (r Reason) String() string {
	switch {
	case r.Kind == ReasonNormal:
		return "normal"
	case r.Linked != nil:
		return fmt.Sprintf("killed(linked process %s died: %s)", r.From, r.Linked)
	default:
		return r.Kind.String() + "(" + r.Code + ")"
	}
}

// ExitError carries an exit reason through the sandbox unwind.
type ExitError struct {
	Reason Reason
}

func (e *ExitError) Error() string { return "process exit: " + e.Reason.String() }

// ReasonFromText maps a guest supplied exit reason. Empty and "normal" are
// normal exits, anything else kills the process with that cause.
func ReasonFromText(s string) Reason {
	if s == "" || s == "normal" {
		return Normal()
	}
	return Killed(s)
}
