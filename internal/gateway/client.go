package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	maxPayloadBytes = 1 << 20
	pongWait        = 45 * time.Second
	pingInterval    = 15 * time.Second
	writeWait       = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type clientInfo struct {
	ID       string `json:"id,omitempty"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
	Role     string `json:"role,omitempty"`
}

type connectParams struct {
	MinProtocol int          `json:"minProtocol,omitempty"`
	MaxProtocol int          `json:"maxProtocol,omitempty"`
	Client      clientInfo   `json:"client,omitempty"`
	Auth        *authPayload `json:"auth,omitempty"`
}

type authPayload struct {
	Token string `json:"token"`
}

// wsClient is one duplex connection. It starts unauthenticated; the
// first frame must be a connect request or the connection closes with
// code 4001.
type wsClient struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	id        string
	authed    atomic.Bool
	info      clientInfo
	connected time.Time
}

func newID() string { return uuid.NewString() }

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	client := &wsClient{
		server: s,
		conn:   conn,
		send:   make(chan []byte, 16),
		ctx:    ctx,
		cancel: cancel,
		id:     newID(),
	}
	go client.writeLoop()
	client.readLoop()
	client.close()
}

func (c *wsClient) close() {
	c.cancel()
	if c.authed.Load() {
		c.server.broker.Unsubscribe(c.id)
		c.server.metrics.ConnectedClients.Dec()
	}
	_ = c.conn.Close()
}

func (c *wsClient) readLoop() {
	c.conn.SetReadLimit(maxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.closeWith(closeProtocolError, "malformed frame")
			return
		}
		if frame.Type == "" {
			frame.Type = "req"
		}

		if !c.authed.Load() {
			if frame.Type != "req" || frame.Method != "connect" {
				c.closeWith(closeHandshakeRequired, "connect required")
				return
			}
			c.handleConnect(&frame, data)
			continue
		}

		if err := validateRequestFrame(data, &frame); err != nil {
			c.respond(frame.Method, errorFrame(frame.ID, CodeInvalidFrame, err.Error()))
			continue
		}
		c.handleRequest(&frame)
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// forward drains the broker subscription into the connection's send
// queue until the client goes away.
func (c *wsClient) forward(sub <-chan []byte) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data, ok := <-sub:
			if !ok {
				return
			}
			select {
			case c.send <- data:
			case <-c.ctx.Done():
				return
			}
		}
	}
}

func (c *wsClient) handleConnect(frame *Frame, raw []byte) {
	if err := validateRequestFrame(raw, frame); err != nil {
		c.sendFrame(errorFrame(frame.ID, CodeInvalidFrame, err.Error()))
		return
	}
	if err := validateMethodParams("connect", frame.Params); err != nil {
		c.sendFrame(errorFrame(frame.ID, CodeMissingParams, err.Error()))
		return
	}

	var params connectParams
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			c.sendFrame(errorFrame(frame.ID, CodeInvalidFrame, err.Error()))
			return
		}
	}

	minProtocol := params.MinProtocol
	maxProtocol := params.MaxProtocol
	if minProtocol <= 0 {
		minProtocol = protocolVersion
	}
	if maxProtocol <= 0 {
		maxProtocol = protocolVersion
	}
	if protocolVersion < minProtocol || protocolVersion > maxProtocol {
		c.sendFrame(errorFrame(frame.ID, CodeInvalidFrame, "unsupported protocol version"))
		return
	}

	if token := c.server.cfg.Token; token != "" {
		if params.Auth == nil || strings.TrimSpace(params.Auth.Token) == "" {
			c.sendFrame(errorFrame(frame.ID, CodeAuthRequired, "auth token required"))
			return
		}
		if params.Auth.Token != token {
			c.sendFrame(errorFrame(frame.ID, CodeAuthInvalid, "auth token mismatch"))
			return
		}
	}

	c.info = params.Client
	if c.info.Role == "" {
		c.info.Role = "operator"
	}
	c.connected = time.Now()
	c.authed.Store(true)
	c.server.metrics.ConnectedClients.Inc()

	sub := c.server.broker.Subscribe(c.id)
	go c.forward(sub)

	c.sendFrame(resultFrame(frame.ID, map[string]any{
		"sessionId": c.id,
		"gatewayId": c.server.id,
		"version":   serverVersion,
		"protocol":  protocolVersion,
		"health":    c.server.healthSnapshot(),
		"presence": map[string]any{
			"clients": c.server.broker.Subscribers(),
		},
		"methods": supportedMethods(),
		"events":  supportedEvents(),
	}))
	c.server.logger.Info("client connected",
		"client", c.id, "platform", c.info.Platform, "role", c.info.Role)
}

// handleRequest runs the idempotency check, dispatches the method, and
// records the serialized response for replay.
func (c *wsClient) handleRequest(frame *Frame) {
	if cached, ok := c.server.idem.lookup(c.id, frame.Method, frame.ID); ok {
		c.sendBytes(cached)
		return
	}

	if err := validateMethodParams(frame.Method, frame.Params); err != nil {
		c.respond(frame.Method, errorFrame(frame.ID, CodeMissingParams, err.Error()))
		return
	}

	res := c.server.dispatch(c, frame)
	data, err := json.Marshal(res)
	if err != nil {
		c.respond(frame.Method, errorFrame(frame.ID, CodeInternalError, "unserializable response"))
		return
	}
	c.server.idem.store(c.id, frame.Method, frame.ID, data)
	c.sendBytes(data)
	status := "ok"
	if res.OK != nil && !*res.OK {
		status = "error"
	}
	c.server.metrics.FramesTotal.WithLabelValues(frame.Method, status).Inc()
}

func (c *wsClient) respond(method string, frame *Frame) {
	c.sendFrame(frame)
	status := "ok"
	if frame.OK != nil && !*frame.OK {
		status = "error"
	}
	c.server.metrics.FramesTotal.WithLabelValues(method, status).Inc()
}

func (c *wsClient) sendFrame(frame *Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.server.logger.Warn("unserializable frame", "error", err)
		return
	}
	c.sendBytes(data)
}

func (c *wsClient) sendBytes(data []byte) {
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	}
}

func (c *wsClient) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func supportedMethods() []string {
	return []string{
		"connect", "ping", "health", "status",
		"sessions.list", "sessions.get", "sessions.delete",
		"chat.send", "chat.history", "chat.abort",
		"cron.list", "cron.add", "cron.update", "cron.remove",
		"cron.run", "cron.runs",
		"memory.search", "memory.get",
		"heartbeat.status",
	}
}

func supportedEvents() []string {
	return []string{
		"chat.start", "chat.chunk", "chat.tool_call", "chat.tool_result",
		"chat.complete", "chat.error", "chat.aborted",
		"heartbeat.result",
		"cron.run.start", "cron.run.complete",
		"session.update", "session.compact",
	}
}
