// Package wasmprocess runs WebAssembly modules as Erlang-style processes:
// isolated sandboxes that share nothing, talk through asynchronous
// mailboxes and are preemptively scheduled by fuel.
//
// # Architecture Overview
//
//	wasmprocess/
//	├── runtime/     Facade: load modules, spawn processes, config, plugins, metrics
//	├── host/        The proc host API guests import (spawn, send, receive, link ...)
//	├── process/     Process state machine, table, links and monitors
//	├── scheduler/   M:N work-stealing scheduler driving process quanta
//	├── mailbox/     Selective-receive mailboxes and the dead-letter log
//	├── engine/      wazero binding: capability table, resumable instances, traps
//	├── instrument/  Instrumentation passes (fuel metering, declared limits)
//	├── wasm/        Core module parser, editor and encoder
//	├── errors/      Structured error types
//	└── cmd/run      Command line runner with an interactive process monitor
//
// # Quick Start
//
//	rt, _ := runtime.New(ctx, runtime.DefaultConfig())
//	_ = rt.Start(ctx)
//	defer rt.Shutdown(ctx)
//
//	mod, _ := rt.Load(ctx, wasmBytes, runtime.LoadOptions{Name: "app"})
//	p, _ := rt.Spawn(mod, "main")
//	reason, _ := p.Wait(ctx)
//
// A process ends with a reason: normal, trapped(code) or killed(cause).
// Abnormal reasons travel over links and reach monitors as down messages.
package wasmprocess
