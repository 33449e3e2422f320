// Package tcpip provides a user-space TCP/IP stack for Go whose protocol
// engine runs inside a WebAssembly sandbox.
//
// The engine (lwIP compiled as a WASI reactor) is synchronous and cannot be
// re-entered from its own callbacks. The packages in this module wrap it in a
// binding layer that exposes virtual interfaces, TCP listeners and
// connections, and UDP sockets as concurrent, backpressure-aware streams.
//
// # Architecture Overview
//
//	tcpip/               Root package with shared Memory, Allocator and address types
//	├── stack/           Public API: interfaces, listeners, connections, sockets
//	├── bindings/        Per-family bindings between engine handles and Go objects
//	├── engine/          Engine ABI, wazero host and typed export table
//	├── enginetest/      Deterministic in-process engine used by tests
//	├── memory/          Copies between Go buffers and engine linear memory
//	├── resource/        Generation-tagged handle arena
//	├── hooks/           Write-once inner/outer hook registry
//	├── loop/            Single control loop serialising engine access
//	├── stream/          Readable/writable streams with high-water marks
//	├── resolver/        Hostname resolution over the stack's own UDP
//	├── wsrelay/         WebSocket relay for Tun/Tap interfaces
//	├── echo/            TCP and UDP echo services
//	├── config/          YAML/JSON/TOML stack descriptions
//	├── errors/          Structured error types
//	└── cmd/tcpip/       CLI with an interactive TUI
//
// # Quick Start
//
//	eng, err := engine.NewWazeroEngine(ctx, wasmBytes, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	s, err := stack.New(ctx, stack.Config{Engine: eng})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close(ctx)
//
//	ln, _ := s.ListenTCP(ctx, bindings.ListenOptions{Port: 80})
//	conn, _ := s.ConnectTCP(ctx, bindings.ConnectOptions{Host: "127.0.0.1", Port: 80})
//	conn.Write([]byte("hello"))
//
// # Concurrency
//
// Every engine call runs on the stack's control loop. Callbacks raised by the
// engine copy their arguments out of linear memory and defer all bookkeeping
// until the engine call has returned. Application goroutines only ever block on
// streams, registration waits and send acknowledgements.
package tcpip
