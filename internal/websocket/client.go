package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/asrproxy/domain"
	"github.com/satriahrh/asrproxy/domain/entities"
	"github.com/satriahrh/asrproxy/domain/repositories"
)

// maxCloseReason is the longest reason that fits in a close control frame
const maxCloseReason = 123

type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.CloseMessage
	Type    int
	Payload []byte
}

// Client is a middleman between the downstream websocket connection and the
// upstream transcription stream.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData

	// Closed once either pump exits.
	done     chan struct{}
	doneOnce sync.Once

	closeOnce sync.Once
	mu        sync.Mutex
	closeCode int

	connectID string
	provider  string
	session   *entities.Session
	stream    repositories.TranscriptionStream

	ctx    context.Context
	cancel context.CancelFunc

	logger *zap.Logger
}

// Ensure Client implements the TranscriptionObserver interface
var _ repositories.TranscriptionObserver = (*Client)(nil)

// HandleWebSocket upgrades the request and relays it to provider. Missing
// credentials close the socket with 4001 before anything is dialed.
func HandleWebSocket(hub *Hub, provider repositories.TranscriptionProvider, c echo.Context) error {
	creds, opts := ParseSessionParams(c.QueryParams())

	conn, err := hub.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	session := entities.NewSession(creds, opts)
	logger := hub.logger.With(
		zap.String("connectID", session.ConnectID),
		zap.String("provider", provider.Name()))

	if err := session.Validate(); err != nil {
		logger.Warn("Rejecting session", zap.Error(err))
		rejectConn(conn, domain.CloseMissingCredentials, "Missing appKey or accessKey")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan WriteData, sendBufferSize),
		done:      make(chan struct{}),
		connectID: session.ConnectID,
		provider:  provider.Name(),
		session:   session,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}

	client.stream, err = provider.NewStream(session, client)
	if err != nil {
		cancel()
		logger.Error("Failed to create upstream stream", zap.Error(err))
		if errors.Is(err, entities.ErrMissingCredentials) {
			rejectConn(conn, domain.CloseMissingCredentials, "Missing appKey or accessKey")
		} else {
			rejectConn(conn, websocket.CloseInternalServerErr, "Failed to create upstream stream")
		}
		return nil
	}

	if !hub.add(client) {
		cancel()
		rejectConn(conn, websocket.CloseGoingAway, "Server shutting down")
		return nil
	}

	logger.Info("Client connected",
		zap.Bool("modelV2", opts.ModelV2),
		zap.Bool("bidiStreaming", opts.BidiStreaming),
		zap.String("language", opts.Language))

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
	go client.open()

	return nil
}

func rejectConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// open runs the upstream handshake while the pumps are already serving
func (c *Client) open() {
	err := c.stream.Open(c.ctx)
	if err == nil {
		return
	}
	if c.ctx.Err() != nil {
		c.logger.Debug("Upstream open aborted by client disconnect", zap.Error(err))
		return
	}

	c.logger.Error("Failed to open upstream", zap.Error(err))
	c.OnEvent(domain.ErrorEvent(0, err.Error()))
	c.closeWith(domain.CloseUpstreamError, "Upstream connection failed")
}

// OnEvent implements repositories.TranscriptionObserver
func (c *Client) OnEvent(ev domain.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("Failed to marshal event", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}
	c.enqueue(WriteData{Type: websocket.TextMessage, Payload: payload})
}

// OnClosed implements repositories.TranscriptionObserver
func (c *Client) OnClosed(code int, reason string) {
	c.closeWith(code, reason)
}

// CloseCode is the close code the session ended with, 0 while open
func (c *Client) CloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func (c *Client) setCloseCode(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCode == 0 {
		c.closeCode = code
	}
}

// closeWith queues a close frame behind any pending events
func (c *Client) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		c.setCloseCode(code)
		c.logger.Info("Closing client", zap.Int("code", code), zap.String("reason", reason))
		c.enqueue(WriteData{
			Type:    websocket.CloseMessage,
			Payload: websocket.FormatCloseMessage(code, reason),
		})
	})
}

func (c *Client) enqueue(data WriteData) {
	select {
	case c.send <- data:
	case <-c.done:
	}
}

func (c *Client) stop() {
	c.doneOnce.Do(func() { close(c.done) })
}

// readPump pumps messages from the websocket connection to the upstream.
func (c *Client) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.setCloseCode(closeErr.Code)
			} else {
				c.setCloseCode(websocket.CloseAbnormalClosure)
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		c.handleMessage(message)
	}
}

func (c *Client) handleMessage(message []byte) {
	var err error
	if ctrl, ok := ParseControlMessage(message); ok {
		c.logger.Debug("Control message received", zap.String("type", string(ctrl.Type)))
		err = c.stream.EndAudio(c.ctx)
	} else {
		err = c.stream.SendAudio(c.ctx, message)
	}

	switch {
	case err == nil:
	case errors.Is(err, repositories.ErrStreamClosed), errors.Is(err, context.Canceled):
		c.logger.Debug("Upstream gone, message discarded", zap.Error(err))
	default:
		c.logger.Error("Failed to forward message", zap.Error(err))
	}
}

// teardown runs once the read pump exits: the upstream gets its end marker
// and a normal close, then the client leaves the hub.
func (c *Client) teardown() {
	c.stop()
	c.cancel()
	_ = c.conn.Close()

	if err := c.stream.Close(websocket.CloseNormalClosure, "Client disconnected"); err != nil {
		c.logger.Warn("Failed to close upstream", zap.Error(err))
	}

	c.hub.release(c)
	c.logger.Info("Client disconnected")
}

// writePump pumps events from the upstream to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Debug("Failed to write message", zap.Error(err))
				return
			}
			if message.Type == websocket.CloseMessage {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
