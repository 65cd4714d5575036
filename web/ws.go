package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mailcrab/mailcrab/log"
	"github.com/mailcrab/mailcrab/queue"
	"github.com/mailcrab/mailcrab/store"
)

const (
	// largest accepted command frame
	maxCommandSize = 1024
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the API is served to a local developer tool, any origin may connect
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsSession is one live subscriber: new message metadata flows out, store
// commands flow in. The session ends on a close frame, any I/O error, or a
// lag signal from the broadcast queue.
type wsSession struct {
	conn   *websocket.Conn
	sub    *queue.Subscription
	store  *store.Store
	logger log.Logger
	// closed by the read pump when the client goes away
	done chan struct{}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}
	sub, err := s.bus.Subscribe()
	if err != nil {
		s.logger.WithError(err).Warn("Could not subscribe to the queue")
		_ = conn.Close()
		return
	}

	sess := &wsSession{
		conn:   conn,
		sub:    sub,
		store:  s.store,
		logger: s.logger,
		done:   make(chan struct{}),
	}
	s.logger.Debugf("Websocket client connected: %s", r.RemoteAddr)
	go sess.readPump()
	sess.writePump()
}

// readPump consumes client frames, applying commands to the store, until
// the connection dies
func (sess *wsSession) readPump() {
	defer close(sess.done)
	sess.conn.SetReadLimit(maxCommandSize)
	_ = sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.logger.WithError(err).Debug("Websocket closed unexpectedly")
			}
			return
		}
		sess.applyCommand(frame)
	}
}

// writePump forwards queued messages as metadata frames and keeps the
// connection alive with pings
func (sess *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sess.sub.Close()
		_ = sess.conn.Close()
	}()

	for {
		select {
		case m, ok := <-sess.sub.C:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sess.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if n := sess.sub.Lagged(); n > 0 {
				sess.logger.Warnf("websocket subscriber lagged by %d messages, disconnecting", n)
				_ = sess.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscription lagged"))
				return
			}
			if err := sess.conn.WriteJSON(m.Metadata()); err != nil {
				sess.logger.WithError(err).Debug("Failed to write websocket frame")
				return
			}
		case <-ticker.C:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		case <-sess.done:
			return
		}
	}
}

// wsCommand is the tagged union sent by clients: the bare string
// "RemoveAll", or an object with a Remove or Open id
type wsCommand struct {
	Remove *uuid.UUID `json:"Remove"`
	Open   *uuid.UUID `json:"Open"`
}

// applyCommand executes a single client frame against the store. Unknown
// or malformed frames are logged and skipped.
func (sess *wsSession) applyCommand(frame []byte) {
	var tag string
	if err := json.Unmarshal(frame, &tag); err == nil {
		if tag == "RemoveAll" {
			n := sess.store.Clear()
			sess.logger.Infof("removed all %d messages", n)
		} else {
			sess.logger.Warnf("unknown websocket command: %q", tag)
		}
		return
	}

	var cmd wsCommand
	if err := json.Unmarshal(frame, &cmd); err != nil {
		sess.logger.WithError(err).Warn("malformed websocket command")
		return
	}
	switch {
	case cmd.Remove != nil:
		if !sess.store.Remove(*cmd.Remove) {
			sess.logger.Debugf("remove for unknown message %s", cmd.Remove)
		}
	case cmd.Open != nil:
		if !sess.store.Open(*cmd.Open) {
			sess.logger.Debugf("open for unknown message %s", cmd.Open)
		}
	default:
		sess.logger.Warn("websocket command without a recognized tag")
	}
}
