// Package runtime ties the process runtime together: it loads modules
// through the instrumentation pipeline, compiles them on the engine, spawns
// processes on the work-stealing scheduler and exposes the proc host API to
// guests.
//
// A typical program creates a runtime, starts it, loads a module and spawns
// its entry point:
//
//	rt, err := runtime.New(ctx, runtime.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	if err := rt.Start(ctx); err != nil {
//		return err
//	}
//	defer rt.Shutdown(ctx)
//
//	mod, err := rt.Load(ctx, wasmBytes, runtime.LoadOptions{Name: "app"})
//	if err != nil {
//		return err
//	}
//	p, err := rt.Spawn(mod, "main")
//	if err != nil {
//		return err
//	}
//	reason, err := p.Wait(ctx)
//
// Plugins add host functions and named instrumentation passes; they must be
// registered before Start. Each runtime owns a prometheus registry, see
// Metrics.
package runtime
