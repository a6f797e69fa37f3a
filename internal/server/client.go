package server

import (
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/dmchat/internal/config"
	"github.com/Tyrowin/dmchat/internal/domain"
	"github.com/Tyrowin/dmchat/internal/log"
	"github.com/Tyrowin/dmchat/internal/relay"
)

// Client is one WebSocket connection. It is the connection handle the
// presence registry stores, and it feeds inbound frames to its relay session.
type Client struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	hub         *Hub
	addr        string
	closed      bool
	session     *relay.Session
	ws          config.WebSocketConfig
	rateLimiter *rateLimiter
	rateLimit   config.RateLimitConfig
	logger      zerolog.Logger
}

// NewClient creates a Client for an upgraded connection.
func NewClient(conn *websocket.Conn, hub *Hub, addr string, ws config.WebSocketConfig, rl config.RateLimitConfig) *Client {
	if conn != nil {
		conn.SetReadLimit(ws.MaxMessageSize)
	}

	id := uuid.NewString()
	return &Client{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, ws.SendBuffer),
		hub:         hub,
		addr:        addr,
		ws:          ws,
		rateLimiter: newRateLimiter(rl.Burst, rl.RefillInterval),
		rateLimit:   rl,
		logger: hub.logger.With().
			Str("component", "client").
			Str(log.FieldConnID, id).
			Str(log.FieldRemoteAddr, addr).
			Logger(),
	}
}

// ID identifies the connection.
func (c *Client) ID() string {
	return c.id
}

// Push queues ev for delivery. A client whose queue is full is dropped.
func (c *Client) Push(ev domain.Outbound) error {
	payload, err := domain.Encode(ev)
	if err != nil {
		return err
	}

	if c.hub.safeSend(c, payload) {
		return nil
	}

	c.hub.mutex.RLock()
	closed := c.closed
	c.hub.mutex.RUnlock()
	if closed {
		return ErrClientClosed
	}

	c.hub.removeFailedClients([]*Client{c})
	return ErrSendBufferFull
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.ws.PongWait)); err != nil {
		c.logger.Warn().Err(err).Msg("error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.ws.PongWait)); err != nil {
			c.logger.Warn().Err(err).Msg("error setting read deadline in pong handler")
		}
		return nil
	})
}

// handleReadError logs the read failure and reports whether the read loop
// should stop.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		c.logger.Warn().Int64("max_bytes", c.ws.MaxMessageSize).Msg("message exceeded maximum size")
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		c.logger.Debug().Err(err).Msg("client disconnected")
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		c.logger.Debug().Err(err).Msg("client connection closed")
		return true
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		c.logger.Warn().Err(err).Msg("unexpected WebSocket error")
		return true
	}

	c.logger.Warn().Err(err).Msg("WebSocket read error")
	return true
}

func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.logger.Warn().
			Int("burst", c.rateLimit.Burst).
			Dur("refill_interval", c.rateLimit.RefillInterval).
			Msg("rate limit exceeded; discarding message")
		return false
	}
	return true
}

// processMessage decodes one frame and hands it to the session. It returns
// false when the client asked to disconnect.
func (c *Client) processMessage(rawMessage []byte) bool {
	ev, err := domain.DecodeInbound(rawMessage)
	if err != nil {
		c.session.Reject(err)
		return true
	}

	if err := c.session.Handle(c.hub.ctx, ev); err != nil {
		c.logger.Debug().Err(err).Msg("event had no effect")
	}

	_, disconnect := ev.(domain.Disconnect)
	return !disconnect
}

func (c *Client) readPump() {
	defer func() {
		// Transport loss is an implicit disconnect.
		c.session.Close()
		c.hub.unregisterClient(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn().Err(err).Msg("error closing connection in readPump")
		}
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			if c.handleReadError(err) {
				return
			}
			continue
		}

		if !c.checkRateLimit() {
			continue
		}

		if !c.processMessage(rawMessage) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.ws.PingInterval)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn().Err(err).Msg("error closing connection in writePump")
	}
}

// handleMessage writes message and anything queued behind it, one frame per
// event, and returns false if the connection should be closed.
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if !ok {
		return c.writeCloseMessage()
	}

	if !c.writeFrame(message) {
		return false
	}

	n := len(c.send)
	for i := 0; i < n; i++ {
		queued, ok := <-c.send
		if !ok {
			return c.writeCloseMessage()
		}
		if !c.writeFrame(queued) {
			return false
		}
	}
	return true
}

func (c *Client) writeCloseMessage() bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.ws.WriteWait))
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug().Err(err).Msg("error writing close message")
	}
	return false
}

func (c *Client) writeFrame(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.ws.WriteWait)); err != nil {
		c.logger.Warn().Err(err).Msg("error setting write deadline")
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn().Err(err).Msg("error writing message")
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive.
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.ws.WriteWait)); err != nil {
		c.logger.Warn().Err(err).Msg("error setting write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn().Err(err).Msg("error writing ping message")
		}
		return false
	}
	return true
}
