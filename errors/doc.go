// Package errors provides structured error types for the tcpip stack.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error
// category). The taxonomy follows the binding boundary:
//
//	KindProtocol      non-success status returned by an engine call
//	KindUnknownHandle a callback referenced a handle with no bound object
//	KindClosed        read or write on a closed resource
//	KindProgrammer    hook used before set, stream locked twice, and similar defects
//	KindNotReady      memory bridge used before exports were registered
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseCall, errors.KindProtocol).
//		Op("send_udp_datagram").
//		Value(status).
//		Detail("failed to send udp datagram").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Closed("tcp connection")
//	err := errors.Protocol("close_tcp_connection", status)
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
