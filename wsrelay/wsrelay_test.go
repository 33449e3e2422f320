package wsrelay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/soypat/seqs/eth"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/wippyai/wasm-tcpip/enginetest"
	"github.com/wippyai/wasm-tcpip/stack"
)

func ping(t *testing.T, src, dst [4]byte) []byte {
	t.Helper()
	body, err := (&icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: 1, Seq: 1, Data: []byte("relay")},
	}).Marshal(nil)
	if err != nil {
		t.Fatal(err)
	}
	hdr := eth.IPv4Header{
		VersionAndIHL: 5,
		TotalLength:   uint16(eth.SizeIPv4Header + len(body)),
		TTL:           64,
		Protocol:      1,
		Source:        src,
		Destination:   dst,
	}
	hdr.Checksum = hdr.CalculateChecksum()
	pkt := make([]byte, eth.SizeIPv4Header+len(body))
	hdr.Put(pkt)
	copy(pkt[eth.SizeIPv4Header:], body)
	return pkt
}

func TestHandler_RelaysTun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := stack.New(ctx, stack.Config{Engine: enginetest.New(enginetest.Config{}), PumpInterval: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close(context.Background())

	tun, err := s.CreateTunInterface(ctx, netip.MustParsePrefix("10.7.0.1/24"))
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(&Handler{Link: tun})
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.BinaryMessage, ping(t, [4]byte{10, 7, 0, 2}, [4]byte{10, 7, 0, 1})); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if mt != websocket.BinaryMessage {
		t.Fatalf("message type = %d, want binary", mt)
	}
	hdr, err := ipv4.ParseHeader(msg)
	if err != nil {
		t.Fatal(err)
	}
	reply, err := icmp.ParseMessage(1, msg[hdr.Len:])
	if err != nil {
		t.Fatal(err)
	}
	if reply.Type != ipv4.ICMPTypeEchoReply {
		t.Errorf("reply type = %v, want echo reply", reply.Type)
	}

	_, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err == nil {
		t.Fatal("second peer was accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Errorf("second peer response = %v, want 409", resp)
	}
}
