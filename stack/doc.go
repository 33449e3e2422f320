// Package stack assembles a complete user-space TCP/IP stack: it loads the
// protocol engine, wires its callbacks to the bindings, runs the control
// loop and pumps the engine's timers and packet queues on a fixed interval.
//
// Basic usage:
//
//	eng, err := engine.NewWazeroEngine(ctx, wasm, nil)
//	if err != nil {
//		return err
//	}
//	s, err := stack.New(ctx, stack.Config{Engine: eng})
//	if err != nil {
//		return err
//	}
//	defer s.Close(ctx)
//
//	l, err := s.ListenTCP(ctx, bindings.ListenOptions{Port: 8080})
//	...
//	conn, err := s.ConnectTCP(ctx, bindings.ConnectOptions{Host: "127.0.0.1", Port: 8080})
package stack
