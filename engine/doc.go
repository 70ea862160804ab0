// Package engine binds the process runtime to the wazero sandbox.
//
// An Engine owns one wazero runtime. Host functions are registered once
// through a HostTable and defined as one host module per namespace; every
// compiled module is checked against that table so unresolved or disallowed
// imports fail at load time, not at call time.
//
// An Instance is a resumable execution of one exported function:
//
//	inst, _ := engine.NewInstance(cm, "main", nil)
//	for {
//	    step := inst.Resume(ctx, 10_000)
//	    if step.Kind != engine.StepSuspended {
//	        break
//	    }
//	}
//
// Host functions suspend the calling guest with Suspend, terminate it with
// Halt, and reach per-instance data through FromContext.
package engine
