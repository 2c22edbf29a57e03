package bridge

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

// WebSocket carries bridge messages as text frames over a gorilla/websocket
// connection, one message per frame.
type WebSocket struct {
	Hub
	conn *websocket.Conn
	log  *zap.Logger

	sending   sync.Mutex // gorilla connections allow one concurrent writer
	closeOnce sync.Once
	done      chan struct{}
}

// NewWebSocket takes ownership of conn and starts reading from it.
func NewWebSocket(conn *websocket.Conn, logger *zap.Logger) *WebSocket {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &WebSocket{
		conn: conn,
		log:  logger.Named("bridge").With(zap.String("remote", conn.RemoteAddr().String())),
		done: make(chan struct{}),
	}
	go w.readLoop()
	return w
}

func (w *WebSocket) Send(msg string) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	w.sending.Lock()
	defer w.sending.Unlock()
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// Done is closed when the connection ends.
func (w *WebSocket) Done() <-chan struct{} { return w.done }

func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.sending.Lock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		w.sending.Unlock()
		err = w.conn.Close()
		w.Shutdown()
	})
	return err
}

func (w *WebSocket) readLoop() {
	defer w.Close()
	for {
		typ, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.log.Warn("websocket read failed", zap.Error(err))
			} else {
				w.log.Debug("websocket closed", zap.Error(err))
			}
			return
		}
		if typ != websocket.TextMessage {
			w.log.Debug("ignoring non-text frame", zap.Int("type", typ), zap.Int("size", len(data)))
			continue
		}
		w.Publish(string(data))
	}
}
