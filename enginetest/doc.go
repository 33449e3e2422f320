// Package enginetest provides an in-process engine that speaks the same
// export/import ABI as the compiled lwIP module.
//
// The simulated engine is deliberately strict. Handles are real allocations
// in its linear memory, callback buffers are freed and scribbled as soon as
// the callback returns, and every entry while it is already running, use of
// an unknown handle or free of an unallocated pointer is recorded as a
// violation for tests to assert on.
//
// Supported behaviour:
//
//   - loopback TCP between a connection and a listener on the same stack,
//     with MSS segmentation, a finite send buffer and a receive window that
//     only grows through update_tcp_receive_buffer;
//   - UDP delivery within the stack, in send order, at process_queued_packets;
//   - IPv4/UDP egress on Tun (packets) and Tap (frames, with ARP);
//   - ICMP echo replies and ARP replies for Tun/Tap/bridge addresses;
//   - learning bridges over Tap ports, which forward frames between ports
//     and answer for their own address.
//
// TCP connections to addresses outside the stack are refused.
package enginetest
