// Package scheduler runs many runnables over a small pool of worker
// goroutines.
//
// A runnable executes one bounded quantum per RunQuantum call and reports a
// Verdict: Requeue puts it back at the tail of the worker's local queue, Park
// drops it until its owner enqueues it again, Done drops it for good. Idle
// workers steal from each other, and every worker checks the global queue on
// a fixed tick so externally enqueued work cannot starve.
package scheduler
