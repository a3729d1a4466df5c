package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/smallnest/clawrun/bus"
	"go.uber.org/zap"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultWSBuffer     = 64
)

// JSONRPCNotification 服务端推送
type JSONRPCNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// wsConn is one WebSocket client. Only writeLoop writes to the socket.
type wsConn struct {
	id        string
	sessionID string
	conn      *websocket.Conn
	sub       *bus.Subscription
	send      chan interface{}
	done      chan struct{}
	closeOnce sync.Once

	pingInterval time.Duration
	writeTimeout time.Duration
}

// handleWebSocket upgrades the request. The client receives run lifecycle
// events as run.event notifications (optionally only for ?sessionId=) and
// may issue JSON-RPC requests such as runs.get or sessions.cancel.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	wsCfg := s.cfg.WebSocket
	buffer := wsCfg.Buffer
	if buffer <= 0 {
		buffer = defaultWSBuffer
	}

	// Subscribe before the handshake completes so no event is missed.
	var sub *bus.Subscription
	if s.bus != nil {
		sub = s.bus.Subscribe(buffer)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Unsubscribe()
		s.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsConn{
		id:           uuid.New().String(),
		sessionID:    r.URL.Query().Get("sessionId"),
		conn:         conn,
		sub:          sub,
		send:         make(chan interface{}, buffer),
		done:         make(chan struct{}),
		pingInterval: wsCfg.PingInterval,
		writeTimeout: wsCfg.WriteTimeout,
	}
	if c.pingInterval <= 0 {
		c.pingInterval = defaultPingInterval
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = defaultWriteTimeout
	}
	s.connsMu.Lock()
	s.conns[c.id] = c
	s.connsMu.Unlock()

	s.log.Info("WebSocket connected",
		zap.String("conn_id", c.id),
		zap.String("session_filter", c.sessionID))

	go s.writeLoop(c)
	s.readLoop(c)

	s.connsMu.Lock()
	delete(s.conns, c.id)
	s.connsMu.Unlock()
	s.log.Info("WebSocket disconnected", zap.String("conn_id", c.id))
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.sub != nil {
			c.sub.Unsubscribe()
		}
		_ = c.conn.Close()
	})
}

// readLoop 读取客户端请求
func (s *Server) readLoop(c *wsConn) {
	defer c.close()

	pongWait := 2 * c.pingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("WebSocket read failed", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var req JSONRPCRequest
		var resp *JSONRPCResponse
		if err := json.Unmarshal(data, &req); err != nil {
			resp = NewErrorResponse(nil, ErrorParseError, "parse error")
		} else if req.Method == "" {
			resp = NewErrorResponse(req.ID, ErrorInvalidRequest, "method is required")
		} else {
			resp = s.handler.HandleRequest(c.id, &req)
		}

		select {
		case c.send <- resp:
		case <-c.done:
			return
		}
	}
}

// writeLoop 推送事件、响应与心跳
func (s *Server) writeLoop(c *wsConn) {
	defer c.close()

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	var events <-chan *bus.RunEvent
	if c.sub != nil {
		events = c.sub.Channel
	}

	for {
		select {
		case <-c.done:
			return

		case ev, ok := <-events:
			if !ok {
				// 总线已关闭
				c.writeClose(websocket.CloseGoingAway, "shutting down")
				return
			}
			if c.sessionID != "" && ev.SessionID != c.sessionID {
				continue
			}
			if err := c.writeJSON(JSONRPCNotification{JSONRPC: "2.0", Method: "run.event", Params: ev}); err != nil {
				return
			}

		case msg := <-c.send:
			if err := c.writeJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) writeJSON(v interface{}) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) writeClose(code int, text string) {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(c.writeTimeout))
}

func (s *Server) closeConns() {
	s.connsMu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()

	for _, c := range conns {
		c.writeClose(websocket.CloseGoingAway, "shutting down")
		c.close()
	}
}
