// Package engine hosts the protocol engine and defines its ABI.
//
// The engine is an lwIP build compiled to a WASI reactor. It exports calls
// such as create_tcp_connection or send_udp_datagram and imports a set of
// callbacks from the "env" namespace that it raises synchronously while one
// of its exports is executing.
//
// # Architecture
//
// The package provides three layers:
//
//	Module / Loader - the minimal contract an engine implementation satisfies
//	Exports         - typed wrappers over every export, plus the allocator
//	WazeroEngine    - wazero-backed Loader for real engine binaries
//
// Callbacks is the import side of the ABI. InstantiateCallbacks exports a
// Callbacks implementation as wazero host functions.
//
// # Reentrancy
//
// A Module must never be called from inside one of its own callbacks.
// WazeroModule detects such calls and fails them with KindReentrantCall;
// the bindings avoid them by deferring all callback work until the engine
// call returns.
//
// # Status Codes
//
// Calls that report success return lwIP err_t values, decoded as Status:
//
//	Status         err_t
//	───────────────────────
//	StatusOK       ERR_OK    (0)
//	StatusMem      ERR_MEM   (-1)
//	StatusRoute    ERR_RTE   (-4)
//	StatusInUse    ERR_USE   (-8)
//	StatusClosed   ERR_CLSD  (-15)
//
// Status.Err converts a non-OK status into a protocol error.
package engine
