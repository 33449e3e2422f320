// Package resource maps engine handles to binding-side objects.
//
// The engine mints handles (in practice, pointers into its linear memory)
// and may reuse them once a resource is freed. Table stores one object per
// live handle in a generation-tagged slot arena:
//
//	table := resource.NewTable[*Conn]("tcp connection")
//
//	// Register an object for a handle the engine returned
//	ref, err := table.Insert(handle, conn)
//
//	// Dispatch a callback by handle
//	conn, ok := table.Get(handle)
//
//	// Resolve a reference held by the object itself
//	conn, ok := table.Lookup(ref)
//
//	// Remove exactly once
//	conn, ok := table.Remove(handle)
//
// # Waiting For Registration
//
// Some handles are published after the call that created them returns, for
// example a connection that only registers once the engine reports it as
// connected. Wait blocks until Insert publishes the handle, and Abort fails
// the waiters instead:
//
//	conn, err := table.Wait(ctx, handle)
//
// # Observers
//
// Register observers to track lifecycle events:
//
//	table.Subscribe(func(ev resource.Event) {
//	    log.Printf("%s %#x %s", table.Name(), ev.Handle, ev.Type)
//	})
package resource
