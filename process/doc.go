// Package process implements sandboxed processes and their supervision.
//
// A Process owns one resumable engine instance and one mailbox. The
// scheduler drives it through RunQuantum; host functions reach it from the
// guest through engine.FromContext(ctx).Data().
//
// Lifecycle:
//
//	New -> Ready -> Running <-> (Ready | Blocked) -> Finished
//
// Links are symmetric and propagate abnormal exits: a linked process is
// killed with LinkedProcessDied unless it traps exits, in which case it
// receives a KindExit message instead. Monitors are one-way and deliver a
// KindDown message for every exit, normal or not. Link, unlink and monitor
// lock both processes in PID order and check for a finished peer under those
// locks, so none of them can race with termination.
package process
