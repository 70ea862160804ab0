// Package mailbox implements per-process message queues with Erlang-style
// selective receive.
//
// A process scans its mailbox with Take; messages that do not match the
// selector stay where they are. Processes that block inside the sandbox
// register a wake callback with Wait instead of blocking a goroutine, while
// Go-side consumers use Receive.
package mailbox
