// Package bindings translates the engine's handle-based ABI into
// application-facing objects: interfaces, TCP listeners and connections,
// and UDP sockets.
//
// Every engine call runs on the stack's control loop. Engine callbacks copy
// their data out of engine memory immediately and defer the rest of their
// work until the current engine call has returned, so no callback ever
// re-enters the engine.
//
// Each bound object has two hook sets: outer hooks through which it asks the
// engine to act, and inner hooks through which engine events reach it. Both
// are stored in a hooks.Registry keyed by the object and set once, before
// the object's handle is published.
//
// TCP receive flow control follows consumption. Inbound chunks are staged
// per connection and moved into the readable stream only as its reader makes
// room; the engine's receive window is credited with exactly the bytes moved.
package bindings
