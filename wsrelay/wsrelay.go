// Package wsrelay carries an interface's frames or packets over a WebSocket,
// one binary message per frame. It lets a browser or a remote process act as
// the far end of a Tun or Tap interface.
package wsrelay

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/wasm-tcpip/errors"
	"github.com/wippyai/wasm-tcpip/stream"
)

// Link is the interface side of a relay. *bindings.Interface implements it.
type Link interface {
	Readable() *stream.Readable[[]byte]
	Send(ctx context.Context, data []byte) error
}

var upgrader = &websocket.Upgrader{
	HandshakeTimeout: 4 * time.Second,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// Handler relays Link to one WebSocket peer at a time. A second peer is
// refused with 409 Conflict while the first is connected.
type Handler struct {
	Link Link
	Log  *zap.Logger
}

func (h *Handler) logger() *zap.Logger {
	if h.Log != nil {
		return h.Log
	}
	return zap.NewNop()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.logger().With(zap.String("peer", r.RemoteAddr))
	rd, err := h.Link.Readable().GetReader()
	if err != nil {
		log.Info("relay refused", zap.Error(err))
		http.Error(w, "interface is already relayed", http.StatusConflict)
		return
	}
	defer rd.ReleaseLock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Info("failed to convert to WebSocket connection", zap.Error(err))
		return
	}
	log.Info("relay peer connected")
	err = Relay(context.Background(), conn, rd, h.Link)
	log.Info("relay peer disconnected", zap.Error(err))
}

// Dial connects to a relay endpoint at url and relays link over it until
// either side closes or ctx is done.
func Dial(ctx context.Context, url string, link Link) error {
	rd, err := link.Readable().GetReader()
	if err != nil {
		return err
	}
	defer rd.ReleaseLock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return errors.Wrap(errors.PhaseStream, errors.KindConnectFailed, err, "dial relay "+url)
	}
	return Relay(ctx, conn, rd, link)
}

// Relay copies frames between conn and the interface until one side stops.
// It closes conn before returning. A normal close by the peer is not an
// error.
func Relay(ctx context.Context, conn *websocket.Conn, rd *stream.Reader[[]byte], link Link) error {
	g, ctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	g.Go(func() error {
		for {
			frame, err := rd.Read(ctx)
			if err != nil {
				return err
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return err
			}
		}
	})
	g.Go(func() error {
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return context.Canceled
				}
				return err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			if err := link.Send(ctx, msg); err != nil {
				return err
			}
		}
	})
	err := g.Wait()
	_ = conn.Close()
	if err == context.Canceled {
		return nil
	}
	return err
}
