// Package stream provides the readable and writable stream primitives that
// connections, sockets and interfaces expose.
//
// A Readable has a producer side (Enqueue, Close, Error, DesiredSize) used
// by the bindings on the control loop, and a consumer side that must be
// locked before use: GetReader, All, PipeTo and Tee all lock the stream and
// fail with "readable stream already locked" if another consumer holds it.
//
// A Writable has no internal queue. Writer.Write returns only after the
// sink accepted the chunk, which is how engine send-buffer backpressure
// reaches callers. Error is terminal for both kinds: every pending and
// future operation observes the same error.
package stream
