package juggler

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"juggler/internal/reqmux"
	"juggler/internal/scope"
	"juggler/internal/transport"
)

// NotifyCb is invoked for every inbound notify message. Per the
// notification path, a returned error closes the client connection.
type NotifyCb func(c *Client, name string, data json.RawMessage) error

// BasicAuth carries HTTP Basic credentials for Connect.
type BasicAuth struct {
	User     string
	Password string
}

// ClientOptions configures Connect. Zero-valued framing/heartbeat fields
// fall back to internal/transport's documented defaults.
type ClientOptions struct {
	NotifyCb       NotifyCb
	Auth           *BasicAuth
	TLSConfig      *tls.Config
	SendQueueSize  int
	MaxSegmentSize int
	PingDelay      time.Duration
	PingTimeout    time.Duration
	Logger         *slog.Logger
	Metrics        *Metrics
}

// Client is one dialed Juggler session: request/response via Send,
// server state mirrored in State, notifications delivered to
// ClientOptions.NotifyCb.
type Client struct {
	scope    *scope.Scope
	conn     *transport.Conn
	mux      *reqmux.Mux
	state    *Storage
	notifyCb NotifyCb
	log      *slog.Logger
	metrics  *Metrics

	closeOnce sync.Once
	closed    chan struct{}
}

// Connect dials address (ws[s]://host:port/path), starting the
// session's receive/send/ping loops on a fresh root task scope. Any
// error during setup closes partially-opened resources before
// returning, per the dial failure-path requirement.
func Connect(ctx context.Context, address string, opts ClientOptions) (*Client, error) {
	dialOpts := &websocket.DialOptions{}

	if opts.TLSConfig != nil {
		dialOpts.HTTPClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: opts.TLSConfig},
		}
	}
	if opts.Auth != nil {
		h := http.Header{}
		token := base64.StdEncoding.EncodeToString([]byte(opts.Auth.User + ":" + opts.Auth.Password))
		h.Set("Authorization", "Basic "+token)
		dialOpts.HTTPHeader = h
	}

	ws, _, err := websocket.Dial(ctx, address, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("juggler: dial: %w", err)
	}
	ws.SetReadLimit(-1)

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	metrics := opts.Metrics

	conn := transport.New(ws, transport.Config{
		MaxSegmentSize: opts.MaxSegmentSize,
		SendQueueSize:  opts.SendQueueSize,
		PingDelay:      opts.PingDelay,
		PingTimeout:    opts.PingTimeout,

		OnFrameSent:       func(tag byte) { metrics.frameSent(frameTagLabel(tag)) },
		OnFrameReceived:   func(tag byte) { metrics.frameReceived(frameTagLabel(tag)) },
		OnSegmentSent:     metrics.segmentSent,
		OnSegmentReceived: metrics.segmentReceived,
		OnPingFailure:     metrics.pingFailed,
	}, log)

	c := &Client{
		conn:     conn,
		mux:      reqmux.New(),
		state:    NewStorage(),
		notifyCb: opts.NotifyCb,
		log:      log,
		metrics:  opts.Metrics,
		closed:   make(chan struct{}),
	}
	c.scope = scope.New(ctx)

	c.scope.Go(func(ctx context.Context) error {
		return c.conn.Receive(ctx, c.onMsg)
	})
	c.scope.Go(c.conn.SendLoop)
	c.scope.Go(c.conn.PingLoop)

	c.metrics.connectionOpened()
	go c.watchScope()

	return c, nil
}

// watchScope closes the client once every loop on its scope has
// returned, whatever the cause (peer close, idle timeout, local Close).
func (c *Client) watchScope() {
	err := c.scope.Wait()
	c.onDisconnect(err)
}

// State returns the Storage mirroring the server's last-synced value.
func (c *Client) State() *Storage {
	return c.state
}

// Send issues a request and blocks for its response. Empty name is the
// server's round-trip echo special case; any non-empty name is
// dispatched to the server's request handler.
func (c *Client) Send(ctx context.Context, name string, data json.RawMessage) (json.RawMessage, error) {
	id, err := c.mux.Begin()
	if err != nil {
		return nil, ErrDisconnected
	}

	payload, err := encodeRequest(id, name, data)
	if err != nil {
		return nil, fmt.Errorf("juggler: encode request: %w", err)
	}

	if err := c.conn.Send(ctx, payload); err != nil {
		return nil, ErrDisconnected
	}

	resp, err := c.mux.Wait(ctx, id)
	if err != nil {
		if errors.Is(err, reqmux.ErrDisconnected) {
			return nil, ErrDisconnected
		}
		return nil, err
	}
	if !resp.Success {
		return nil, &RemoteError{data: resp.Data}
	}
	return resp.Data, nil
}

// Close shuts the connection down: cancels the scope (stopping all
// loops), fails every pending request with ErrDisconnected, and closes
// the underlying WebSocket. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.scope.Cancel()
		c.conn.Close(websocket.StatusNormalClosure, "")
		c.mux.Fail()
		close(c.closed)
		c.metrics.connectionClosed()
	})
	c.scope.Wait()
}

// Closed returns a channel closed once the connection has fully
// terminated (peer close, idle timeout, or local Close).
func (c *Client) Closed() <-chan struct{} {
	return c.closed
}

func (c *Client) onDisconnect(runErr error) {
	c.closeOnce.Do(func() {
		c.conn.Close(websocket.StatusNormalClosure, "")
		c.mux.Fail()
		close(c.closed)
		c.metrics.connectionClosed()
		if errors.Is(runErr, transport.ErrIdleTimeout) {
			c.metrics.idleTimeout()
		}
	})

	if runErr != nil && !errors.Is(runErr, transport.ErrClosed) && !errors.Is(runErr, context.Canceled) {
		c.log.Error("juggler: client connection failed", "error", runErr)
	}
}

// onMsg is the transport sink: invoked once per reassembled message, in
// wire order, never concurrently.
func (c *Client) onMsg(raw []byte) error {
	m, err := decodeMsg(raw)
	if err != nil {
		return err
	}

	switch msg := m.(type) {
	case *responseMsg:
		c.mux.Resolve(msg.ID, reqmux.Response{Success: msg.Success, Data: msg.Data})
		return nil

	case *stateMsg:
		updated, err := Apply(c.state.Data(), msg.Diff)
		if err != nil {
			return &ProtocolError{Reason: fmt.Sprintf("apply state diff: %v", err)}
		}
		c.state.Set(updated)
		return nil

	case *notifyMsg:
		if c.notifyCb == nil {
			return nil
		}
		if err := c.notifyCb(c, msg.Name, msg.Data); err != nil {
			return err
		}
		return nil

	default:
		return &ProtocolError{Reason: "unexpected message on client session"}
	}
}
