package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const writeWait = 10 * time.Second

// wsConn serialises writes to one WebSocket. The read side stays with the
// connection handler; everything that pushes frames (handler replies, the
// exchange data feed, replacement notices) goes through send.
type wsConn struct {
	c           *websocket.Conn
	connectedAt time.Time
	log         zerolog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(c *websocket.Conn, log zerolog.Logger) *wsConn {
	return &wsConn{
		c:           c,
		connectedAt: time.Now(),
		log:         log,
		done:        make(chan struct{}),
	}
}

// send writes one JSON frame with a bounded deadline. Returns false once the
// connection is closed or the write fails; callers treat false as "client
// gone" and stop pushing.
func (w *wsConn) send(frame any) bool {
	if w.closed() {
		return false
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	if err := wsjson.Write(ctx, w.c, frame); err != nil {
		if websocket.CloseStatus(err) == -1 {
			w.log.Debug().Err(err).Msg("WebSocket write failed")
		}
		return false
	}
	return true
}

// close shuts the socket down once. The read loop, the manager, and a
// replacement may all race to close; later calls are no-ops.
func (w *wsConn) close(code websocket.StatusCode, reason string) {
	w.closeOnce.Do(func() {
		close(w.done)
		_ = w.c.Close(code, reason)
	})
}

// closed reports whether close ran
func (w *wsConn) closed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}
