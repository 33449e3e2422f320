package engine

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	tcpip "github.com/wippyai/wasm-tcpip"
)

var (
	i32x1 = []api.ValueType{api.ValueTypeI32}
	i32x2 = []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}
	i32x3 = []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}
	i32x5 = []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}
)

func handleArg(v uint64) tcpip.Handle { return tcpip.Handle(uint32(v)) }

// InstantiateCallbacks exports cb under HostModule so the engine module can
// import it.
func InstantiateCallbacks(ctx context.Context, r wazero.Runtime, cb Callbacks) (api.Module, error) {
	builder := r.NewHostModuleBuilder(HostModule)

	export := func(name string, params []api.ValueType, fn func(stack []uint64)) {
		builder = builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, _ api.Module, stack []uint64) {
				fn(stack)
			}), params, nil).
			WithName(name).
			Export(name)
	}

	export(ImportRegisterLoopbackInterface, i32x1, func(s []uint64) {
		cb.RegisterLoopbackInterface(handleArg(s[0]))
	})
	export(ImportRegisterTunInterface, i32x1, func(s []uint64) {
		cb.RegisterTunInterface(handleArg(s[0]))
	})
	export(ImportRegisterTapInterface, i32x1, func(s []uint64) {
		cb.RegisterTapInterface(handleArg(s[0]))
	})
	export(ImportReceivePacket, i32x3, func(s []uint64) {
		cb.ReceivePacket(handleArg(s[0]), uint32(s[1]), uint32(s[2])&0xffff)
	})
	export(ImportReceiveFrame, i32x3, func(s []uint64) {
		cb.ReceiveFrame(handleArg(s[0]), uint32(s[1]), uint32(s[2])&0xffff)
	})
	export(ImportAcceptTCPConnection, i32x2, func(s []uint64) {
		cb.AcceptTCPConnection(handleArg(s[0]), handleArg(s[1]))
	})
	export(ImportConnectedTCPConnection, i32x1, func(s []uint64) {
		cb.ConnectedTCPConnection(handleArg(s[0]))
	})
	export(ImportClosedTCPConnection, i32x1, func(s []uint64) {
		cb.ClosedTCPConnection(handleArg(s[0]))
	})
	export(ImportReceiveTCPChunk, i32x3, func(s []uint64) {
		cb.ReceiveTCPChunk(handleArg(s[0]), uint32(s[1]), uint32(s[2])&0xffff)
	})
	export(ImportSentTCPChunk, i32x2, func(s []uint64) {
		cb.SentTCPChunk(handleArg(s[0]), uint32(s[1])&0xffff)
	})
	export(ImportReceiveUDPDatagram, i32x5, func(s []uint64) {
		cb.ReceiveUDPDatagram(handleArg(s[0]), uint32(s[1]), uint16(s[2]), uint32(s[3]), uint32(s[4])&0xffff)
	})

	return builder.Instantiate(ctx)
}
