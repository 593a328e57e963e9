// Package transport implements the segmented-framing layer: one ASCII tag
// byte followed by a JSON fragment on every WebSocket TEXT frame,
// segmentation/reassembly of large messages, an application-level
// ping/pong heartbeat independent of RFC 6455 control frames, and a
// bounded outbound queue. It is built directly on github.com/coder/websocket,
// mirroring the read/write/ping loop shape of a gateway over the same
// library, generalized to Juggler's framing rules.
package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultMaxSegmentSize = 64 * 1024
	defaultSendQueueSize  = 1024
	defaultPingDelay      = 30 * time.Second
	defaultPingTimeout    = 30 * time.Second
)

// Config holds the framing/heartbeat/backpressure parameters a Conn is
// constructed with. Zero values are replaced by the documented defaults.
// The On* hooks are optional observability callbacks; a nil hook is simply
// never called. They let a caller (juggler.Server/Client) report to its own
// *Metrics without this package importing it back.
type Config struct {
	MaxSegmentSize int
	SendQueueSize  int
	PingDelay      time.Duration
	PingTimeout    time.Duration

	OnFrameSent       func(tag byte)
	OnFrameReceived   func(tag byte)
	OnSegmentSent     func()
	OnSegmentReceived func()
	OnPingFailure     func()
}

func (c Config) withDefaults() Config {
	if c.MaxSegmentSize <= 0 {
		c.MaxSegmentSize = defaultMaxSegmentSize
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.PingDelay <= 0 {
		c.PingDelay = defaultPingDelay
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	return c
}

// Sink receives one fully reassembled message at a time, in wire order,
// never concurrently. Returning a non-nil error is treated as a protocol
// failure and closes the transport.
type Sink func(msg []byte) error

// Conn is a framed, heartbeating, segmenting wrapper around a
// *websocket.Conn. Callers spawn its three loops on their own task scope
// via Receive, SendLoop and PingLoop so that a Connection's scope governs
// all of them together, per the concurrency model.
type Conn struct {
	ws  *websocket.Conn
	cfg Config
	log *slog.Logger

	writeMu sync.Mutex // serializes every raw ws.Write call

	sendMu sync.Mutex // serializes Send so a message's segments never interleave
	sendCh chan []byte

	idleReset chan struct{} // buffered 1: signaled on every inbound frame

	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps an already-dialed-or-accepted *websocket.Conn. ws.SetReadLimit
// should already have been relaxed by the caller (Juggler disables the
// message size limit; segmentation handles large messages).
func New(ws *websocket.Conn, cfg Config, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Conn{
		ws:        ws,
		cfg:       cfg,
		log:       log,
		sendCh:    make(chan []byte, cfg.SendQueueSize),
		idleReset: make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
}

// noteActivity resets the idle timer watched by PingLoop. Called once per
// inbound frame, regardless of tag.
func (c *Conn) noteActivity() {
	select {
	case c.idleReset <- struct{}{}:
	default:
	}
}

// writeRaw serializes concurrent writers (SendLoop and the ping responder
// in Receive both call this) onto the single underlying *websocket.Conn.
func (c *Conn) writeRaw(ctx context.Context, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, frame); err != nil {
		return err
	}
	if c.cfg.OnFrameSent != nil && len(frame) > 0 {
		c.cfg.OnFrameSent(frame[0])
	}
	return nil
}

// Send segments payload and enqueues its frames for SendLoop to write,
// blocking while the outbound queue is full (backpressure) and returning
// ErrClosed if the transport is closed or closes while waiting.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	for _, frame := range segment(payload, c.cfg.MaxSegmentSize) {
		select {
		case c.sendCh <- frame:
			if c.cfg.OnSegmentSent != nil {
				c.cfg.OnSegmentSent()
			}
		case <-c.closed:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// SendLoop drains the outbound queue onto the socket until ctx is done or
// a write fails. Spawn it on the connection's scope.
func (c *Conn) SendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-c.sendCh:
			if err := c.writeRaw(ctx, frame); err != nil {
				return err
			}
		}
	}
}

// Receive reads frames, performs reassembly, answers pings with pongs,
// and invokes sink once per complete message. Spawn it on the
// connection's scope.
func (c *Conn) Receive(ctx context.Context, sink Sink) error {
	var reasm reassembler

	for {
		mt, data, err := c.ws.Read(ctx)
		if err != nil {
			return classifyReadErr(err)
		}
		if mt != websocket.MessageText {
			return ErrProtocol
		}
		if len(data) == 0 {
			return ErrProtocol
		}

		c.noteActivity()

		tag, rest := data[0], data[1:]
		if c.cfg.OnFrameReceived != nil {
			c.cfg.OnFrameReceived(tag)
		}

		switch tag {
		case TagFinal, TagSegment:
			if c.cfg.OnSegmentReceived != nil {
				c.cfg.OnSegmentReceived()
			}
			msg, done := reasm.feed(tag, rest)
			if !done {
				continue
			}
			if err := sink(msg); err != nil {
				return err
			}
		case TagPing:
			if err := c.writeRaw(ctx, append([]byte{TagPong}, rest...)); err != nil {
				return err
			}
		case TagPong:
			// idle timer already reset above; no further action.
		default:
			return ErrProtocol
		}
	}
}

// PingLoop watches for inbound-frame inactivity and emits a ping after
// ping_delay; if no frame (pong or otherwise) arrives within the
// following ping_timeout, it returns ErrIdleTimeout. Spawn it on the
// connection's scope.
func (c *Conn) PingLoop(ctx context.Context) error {
	payload := make([]byte, 8)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.idleReset:
			continue
		case <-time.After(c.cfg.PingDelay):
		}

		for i := range payload {
			payload[i] = byte(i)
		}
		if err := c.writeRaw(ctx, append([]byte{TagPing}, payload...)); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.idleReset:
			continue
		case <-time.After(c.cfg.PingTimeout):
			if c.cfg.OnPingFailure != nil {
				c.cfg.OnPingFailure()
			}
			return ErrIdleTimeout
		}
	}
}

// Close is idempotent: it marks the transport closed (waking any blocked
// Send) and shuts down the underlying WebSocket with a best-effort close
// frame. The caller is still responsible for canceling the scope its
// loops run on so they return.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close(code, reason)
	})
}

// classifyReadErr maps a coder/websocket read error to ErrClosed
// (ordinary peer/local close) or ErrProtocol (anything else, which the
// caller should log). websocket.CloseStatus returns -1 for non-close
// errors.
func classifyReadErr(err error) error {
	if websocket.CloseStatus(err) != -1 {
		return ErrClosed
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrClosed
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return ErrClosed
	}
	return ErrProtocol
}
