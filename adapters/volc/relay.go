package volc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/asrproxy/domain"
	"github.com/satriahrh/asrproxy/domain/entities"
	"github.com/satriahrh/asrproxy/domain/repositories"
)

// outbound is one item for the write loop. A non-zero closeCode ends the loop.
type outbound struct {
	frame       []byte
	messageType MessageType
	closeCode   int
	closeReason string
}

// Relay owns the vendor socket of one session. All writes go through a single
// write loop fed by a bounded queue; a full queue blocks SendAudio.
type Relay struct {
	session  *entities.Session
	observer repositories.TranscriptionObserver
	cfg      Config
	dialer   *websocket.Dialer
	fatal    map[uint32]struct{}
	metrics  Metrics
	logger   *zap.Logger

	outbound chan outbound
	done     chan struct{}

	mu      sync.Mutex
	conn    *websocket.Conn
	closing bool
	ended   bool

	terminateOnce sync.Once
	notifyOnce    sync.Once
}

// Ensure Relay implements the TranscriptionStream interface
var _ repositories.TranscriptionStream = (*Relay)(nil)

// Open dials the vendor, sends the configuration frame and emits ready.
func (r *Relay) Open(ctx context.Context) error {
	if err := r.session.Validate(); err != nil {
		return err
	}
	if err := r.session.Transition(entities.SessionStateHandshake); err != nil {
		return err
	}

	endpoint := r.cfg.Endpoint(r.session.Options.BidiStreaming)
	r.logger.Info("Connecting to upstream", zap.String("endpoint", endpoint))

	conn, resp, err := r.dialer.DialContext(ctx, endpoint, ConnectHeaders(r.session))
	if err != nil {
		fields := []zap.Field{zap.String("endpoint", endpoint), zap.Error(err)}
		if resp != nil {
			fields = append(fields, zap.Int("statusCode", resp.StatusCode))
		}
		r.logger.Error("Failed to connect to upstream", fields...)
		r.metrics.UpstreamError("dial")
		r.terminate()
		return fmt.Errorf("%w: dial %s: %w", ErrUpstreamTransport, endpoint, err)
	}
	conn.SetReadLimit(r.cfg.MaxMessageSize)

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		_ = conn.Close()
		r.terminate()
		return ErrRelayClosed
	}
	r.conn = conn
	r.mu.Unlock()

	if err := r.sendFullClientRequest(conn); err != nil {
		r.metrics.UpstreamError("handshake")
		r.terminate()
		return fmt.Errorf("%w: %w", ErrUpstreamTransport, err)
	}

	if err := r.session.Transition(entities.SessionStateStreaming); err != nil {
		r.terminate()
		return ErrRelayClosed
	}
	if !r.isClosing() {
		r.observer.OnEvent(domain.ReadyEvent())
	}

	go r.writeLoop(conn)
	go r.readLoop(conn)

	r.logger.Info("Upstream session ready")
	return nil
}

func (r *Relay) sendFullClientRequest(conn *websocket.Conn) error {
	body, err := BuildFullClientRequest(r.session)
	if err != nil {
		return err
	}
	r.logger.Debug("Sending full client request", zap.ByteString("request", body))

	payload, err := Compress(body)
	if err != nil {
		return fmt.Errorf("failed to compress full client request: %w", err)
	}
	frame := EncodeFrame(MessageTypeFullClientRequest, FlagNone, SerializationJSON, CompressionGzip, payload)

	_ = conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("failed to send full client request: %w", err)
	}
	r.metrics.FrameSent(MessageTypeFullClientRequest.String())
	return nil
}

// SendAudio queues a raw audio chunk. Audio that arrives before the handshake
// completed, or after the end marker, is dropped with a warning.
func (r *Relay) SendAudio(ctx context.Context, data []byte) error {
	if !r.session.Ready() {
		r.logger.Warn("Upstream not ready, dropping audio chunk", zap.Int("size", len(data)))
		r.metrics.AudioDropped("not_ready")
		return nil
	}
	if r.isEnded() {
		r.logger.Warn("Audio received after end of stream, dropping", zap.Int("size", len(data)))
		r.metrics.AudioDropped("after_end")
		return nil
	}

	payload, err := Compress(data)
	if err != nil {
		return fmt.Errorf("failed to compress audio chunk: %w", err)
	}

	return r.enqueue(ctx, outbound{
		frame:       EncodeFrame(MessageTypeAudioOnlyRequest, FlagNone, SerializationNone, CompressionGzip, payload),
		messageType: MessageTypeAudioOnlyRequest,
	})
}

// EndAudio queues the last-chunk marker so the vendor finalizes the current
// utterance. Calling it more than once has no further effect.
func (r *Relay) EndAudio(ctx context.Context) error {
	if !r.session.Ready() {
		r.logger.Warn("Upstream not ready, ignoring end of audio")
		r.metrics.AudioDropped("not_ready")
		return nil
	}

	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return nil
	}
	r.ended = true
	r.mu.Unlock()

	item, err := r.endMarker()
	if err != nil {
		return err
	}
	if err := r.enqueue(ctx, item); err != nil {
		return err
	}

	r.logger.Info("End of audio sent")
	return nil
}

// Close ends the stream from the client side: the end marker is sent if the
// session is streaming, then a close frame with code. Close waits until the
// close frame is flushed or CloseTimeout passes.
func (r *Relay) Close(code int, reason string) error {
	return r.shutdown(code, reason, true)
}

// Done is closed once the relay has released its socket
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

func (r *Relay) shutdown(code int, reason string, sendEnd bool) error {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return nil
	}
	r.closing = true
	conn := r.conn
	sendEnd = sendEnd && !r.ended && r.session.Ready()
	r.ended = true
	r.mu.Unlock()

	if conn == nil {
		r.terminate()
		return nil
	}

	var items []outbound
	if sendEnd {
		item, err := r.endMarker()
		if err != nil {
			r.logger.Error("Failed to build end marker", zap.Error(err))
		} else {
			items = append(items, item)
		}
	}
	items = append(items, outbound{closeCode: code, closeReason: reason})

	timer := time.NewTimer(r.cfg.CloseTimeout)
	defer timer.Stop()

	for _, item := range items {
		select {
		case r.outbound <- item:
		case <-r.done:
			return nil
		case <-timer.C:
			r.logger.Warn("Timed out queueing upstream close")
			r.terminate()
			return nil
		}
	}

	select {
	case <-r.done:
	case <-timer.C:
		r.logger.Warn("Timed out flushing upstream close")
		r.terminate()
	}
	return nil
}

func (r *Relay) endMarker() (outbound, error) {
	if err := r.session.Transition(entities.SessionStateDraining); err != nil {
		r.logger.Debug("Session not moved to draining", zap.Error(err))
	}

	payload, err := Compress(nil)
	if err != nil {
		return outbound{}, fmt.Errorf("failed to compress end marker: %w", err)
	}
	return outbound{
		frame:       EncodeFrame(MessageTypeAudioOnlyRequest, FlagLastAudio, SerializationNone, CompressionGzip, payload),
		messageType: MessageTypeAudioOnlyRequest,
	}, nil
}

func (r *Relay) enqueue(ctx context.Context, item outbound) error {
	select {
	case r.outbound <- item:
		return nil
	case <-r.done:
		return ErrRelayClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) writeLoop(conn *websocket.Conn) {
	for {
		select {
		case <-r.done:
			return
		case item := <-r.outbound:
			if item.closeCode != 0 {
				msg := websocket.FormatCloseMessage(item.closeCode, item.closeReason)
				if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(r.cfg.WriteTimeout)); err != nil {
					r.logger.Debug("Failed to write upstream close", zap.Error(err))
				}
				r.logger.Info("Upstream closed by proxy",
					zap.Int("code", item.closeCode),
					zap.String("reason", item.closeReason))
				r.terminate()
				return
			}

			_ = conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, item.frame); err != nil {
				r.fail(fmt.Errorf("%w: write: %w", ErrUpstreamTransport, err))
				return
			}
			r.metrics.FrameSent(item.messageType.String())
		}
	}
}

func (r *Relay) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			r.handleReadError(err)
			return
		}
		r.handleFrame(data)
	}
}

func (r *Relay) handleReadError(err error) {
	if r.isClosing() {
		r.terminate()
		return
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch {
		case closeErr.Code == websocket.CloseNoStatusReceived:
			r.logger.Info("Upstream closed without status")
			r.finish(nil, websocket.CloseNormalClosure, "Upstream closed")
			return
		case sendableCloseCode(closeErr.Code):
			r.logger.Info("Upstream closed",
				zap.Int("code", closeErr.Code),
				zap.String("reason", closeErr.Text))
			r.finish(nil, closeErr.Code, closeErr.Text)
			return
		}
	}

	r.fail(fmt.Errorf("%w: read: %w", ErrUpstreamTransport, err))
}

// fail reports a transport error to the client and tears the relay down
func (r *Relay) fail(err error) {
	if r.isClosing() {
		r.terminate()
		return
	}
	r.logger.Error("Upstream transport error", zap.Error(err))
	r.metrics.UpstreamError("transport")
	ev := domain.ErrorEvent(0, err.Error())
	r.finish(&ev, domain.CloseUpstreamError, "Upstream WebSocket error")
}

// finish notifies the observer once, unless the client side already closed
func (r *Relay) finish(ev *domain.Event, code int, reason string) {
	r.notifyClosed(ev, code, reason)
	r.terminate()
}

func (r *Relay) notifyClosed(ev *domain.Event, code int, reason string) {
	r.notifyOnce.Do(func() {
		if r.isClosing() {
			return
		}
		if ev != nil {
			r.observer.OnEvent(*ev)
		}
		r.observer.OnClosed(code, reason)
	})
}

func (r *Relay) terminate() {
	r.terminateOnce.Do(func() {
		r.session.Close()
		close(r.done)

		r.mu.Lock()
		conn := r.conn
		r.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}

func (r *Relay) handleFrame(data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		r.drop("malformed", err)
		return
	}

	switch frame.Type {
	case MessageTypeFullServerResponse:
		r.handleServerResponse(frame)
	case MessageTypeErrorResponse:
		r.handleErrorResponse(frame)
	default:
		r.logger.Debug("Ignoring upstream frame", zap.Stringer("type", frame.Type))
	}
}

func (r *Relay) handleServerResponse(frame *Frame) {
	if frame.Serialization != SerializationJSON {
		r.logger.Debug("Ignoring non-JSON server response", zap.Int("size", len(frame.Payload)))
		return
	}

	body := r.payload(frame)
	_, text, err := ParseServerResponse(body)
	if err != nil {
		r.drop("invalid_json", err)
		return
	}

	final := frame.IsFinal()
	r.logger.Debug("Transcript received",
		zap.Bool("final", final),
		zap.Int32("sequence", frame.Sequence),
		zap.String("text", truncate(text, 50)))

	r.observer.OnEvent(domain.TranscriptEvent(final, text, body))
}

func (r *Relay) handleErrorResponse(frame *Frame) {
	vendorErr := &VendorError{Code: frame.ErrorCode, Message: string(r.payload(frame))}
	r.logger.Error("Upstream error response", zap.Error(vendorErr))
	r.metrics.VendorError(vendorErr.Code)

	r.observer.OnEvent(domain.ErrorEvent(vendorErr.Code, vendorErr.Message))

	if _, fatal := r.fatal[vendorErr.Code]; fatal {
		r.logger.Warn("Fatal upstream error, closing session", zap.Uint32("code", vendorErr.Code))
		r.notifyClosed(nil, domain.CloseUpstreamFatal, "Upstream error "+strconv.FormatUint(uint64(vendorErr.Code), 10))
		_ = r.shutdown(websocket.CloseNormalClosure, "Fatal upstream error", false)
	}
}

// payload returns the decompressed payload, or the raw bytes when gzip fails
func (r *Relay) payload(frame *Frame) []byte {
	if frame.Compression != CompressionGzip {
		return frame.Payload
	}
	out, err := Decompress(frame.Payload)
	if err != nil {
		r.logger.Warn("Failed to decompress upstream payload", zap.Error(err))
		r.metrics.DecompressionFailed()
	}
	return out
}

func (r *Relay) drop(reason string, err error) {
	r.logger.Warn("Dropping upstream frame", zap.String("reason", reason), zap.Error(err))
	r.metrics.FrameDropped(reason)
}

func (r *Relay) isClosing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closing
}

func (r *Relay) isEnded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

// sendableCloseCode reports whether code may appear in a close frame
func sendableCloseCode(code int) bool {
	switch code {
	case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake, 1004:
		return false
	}
	return (code >= 1000 && code <= 1014) || (code >= 3000 && code <= 4999)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
