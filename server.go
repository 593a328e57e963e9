package juggler

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"juggler/internal/scope"
	"juggler/internal/statesync"
	"juggler/internal/transport"
)

const (
	defaultWSPath          = "/ws"
	defaultIndexPath       = "/index.html"
	defaultShutdownTimeout = 100 * time.Millisecond
)

// ConnectionCb is invoked once per accepted connection, concurrently
// with that connection's receive/sync loops (it is not on the request
// path and must not block indefinitely: its failure has no bearing on
// the connection's lifecycle beyond whatever it does with conn itself).
type ConnectionCb func(conn *Connection)

// RequestCb handles one inbound request. A non-nil error becomes a
// failed response whose data is err.Error(); nil, result becomes a
// successful response.
type RequestCb func(conn *Connection, name string, data json.RawMessage) (json.RawMessage, error)

// ListenOptions configures Listen. The zero value is a usable, minimal
// server: ws_path "/ws", no static files, no auth, no TLS, automatic
// state sync disabled (matching AutoflushDelay's nil-means-disabled
// semantics; this differs from the 0.2s default a caller gets for free in
// the original — see DefaultAutoflushDelay), serialized request dispatch,
// per-connection fresh Storage, and default transport framing/heartbeat
// values.
type ListenOptions struct {
	Host string
	Port int

	WSPath               string
	StaticDir            string
	IndexPath            string
	DisableIndexRedirect bool
	HtpasswdFile         string
	TLSConfig            *tls.Config
	AutoflushDelay       *time.Duration
	ShutdownTimeout      time.Duration
	State                *Storage
	ParallelRequests     bool
	AdditionalRoutes     map[string]http.Handler
	SendQueueSize        int
	MaxSegmentSize       int
	PingDelay            time.Duration
	PingTimeout          time.Duration
	DisableCache         bool

	Logger  *slog.Logger
	Metrics *Metrics
}

func (o ListenOptions) withDefaults() ListenOptions {
	if o.WSPath == "" {
		o.WSPath = defaultWSPath
	}
	if o.IndexPath == "" {
		o.IndexPath = defaultIndexPath
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = defaultShutdownTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// DefaultAutoflushDelay is the original's external default for automatic
// state synchronization: 200ms coalescing windows. Pass
// DefaultAutoflushDelay() (or any other *time.Duration) to
// ListenOptions.AutoflushDelay to enable it; leave the field nil for
// manual-flush-only, matching ListenOptions's own zero value.
func DefaultAutoflushDelay() *time.Duration {
	d := 200 * time.Millisecond
	return &d
}

// Server accepts Juggler connections over HTTP/WebSocket.
type Server struct {
	scope        *scope.Scope
	connectionCb ConnectionCb
	requestCb    RequestCb
	opts         ListenOptions
	log          *slog.Logger
	metrics      *Metrics

	httpServer *http.Server
	listener   net.Listener

	wg sync.WaitGroup
}

// Listen binds host:port and begins accepting Juggler connections on
// ws_path, assembling the optional basic-auth, root-redirect,
// additional-route, and static-file HTTP surface described by opts.
// connectionCb is invoked per accepted connection; requestCb handles
// inbound requests (nil means every named request fails with "request
// handler not implemented", per §4.3).
func Listen(ctx context.Context, connectionCb ConnectionCb, requestCb RequestCb, opts ListenOptions) (*Server, error) {
	opts = opts.withDefaults()

	s := &Server{
		connectionCb: connectionCb,
		requestCb:    requestCb,
		opts:         opts,
		log:          opts.Logger,
		metrics:      opts.Metrics,
	}
	s.scope = scope.New(ctx)

	handler, err := s.buildHandler()
	if err != nil {
		s.scope.Close()
		return nil, err
	}

	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.scope.Close()
		return nil, &ConfigError{Reason: fmt.Sprintf("listen %s: %v", addr, err)}
	}
	if opts.TLSConfig != nil {
		ln = tls.NewListener(ln, opts.TLSConfig)
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: handler}

	s.scope.Go(func(ctx context.Context) error {
		err := s.httpServer.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	return s, nil
}

func (s *Server) buildHandler() (http.Handler, error) {
	mux := http.NewServeMux()
	mux.HandleFunc(s.opts.WSPath, s.handleWS)

	for path, h := range s.opts.AdditionalRoutes {
		mux.Handle(path, h)
	}

	if s.opts.StaticDir != "" {
		mux.Handle("/", s.withRootRedirect(http.FileServer(http.Dir(s.opts.StaticDir))))
	} else if !s.opts.DisableIndexRedirect {
		mux.Handle("/", s.withRootRedirect(http.NotFoundHandler()))
	}

	var handler http.Handler = mux
	if !s.opts.DisableCache {
		handler = withCacheControl(handler)
	}
	if s.opts.HtpasswdFile != "" {
		authMw, err := BasicAuthMiddleware(s.opts.HtpasswdFile)
		if err != nil {
			return nil, err
		}
		handler = authMw(handler)
	}
	return handler, nil
}

// withRootRedirect wraps next so a request for exactly "/" is redirected
// (HTTP 302, matching aiohttp.web.HTTPFound) to index_path; every other
// path falls through to next.
func (s *Server) withRootRedirect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" && !s.opts.DisableIndexRedirect {
			http.Redirect(w, r, s.opts.IndexPath, http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func withCacheControl(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		next.ServeHTTP(w, r)
	})
}

// Addr returns the server's bound listener address, useful when Port
// was 0 (let the OS choose) to discover the actual port.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close shuts every live connection down (bounded by ShutdownTimeout,
// after which anything unclosed is aborted) and stops accepting new
// ones. Idempotent.
func (s *Server) Close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	s.scope.Cancel() // stops Serve and signals every connection's child scope

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-shutdownCtx.Done():
		s.log.Warn("juggler: shutdown timeout exceeded, aborting remaining connections")
	}

	_ = s.httpServer.Close()
	s.scope.Close()
}

// handleWS upgrades one HTTP request to a WebSocket and runs the
// resulting Connection's full lifecycle, returning only once it closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		s.log.Error("juggler: websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(-1)

	s.wg.Add(1)
	defer s.wg.Done()

	connScope := s.scope.Child()
	tconn := transport.New(ws, transport.Config{
		MaxSegmentSize: s.opts.MaxSegmentSize,
		SendQueueSize:  s.opts.SendQueueSize,
		PingDelay:      s.opts.PingDelay,
		PingTimeout:    s.opts.PingTimeout,

		OnFrameSent:       func(tag byte) { s.metrics.frameSent(frameTagLabel(tag)) },
		OnFrameReceived:   func(tag byte) { s.metrics.frameReceived(frameTagLabel(tag)) },
		OnSegmentSent:     s.metrics.segmentSent,
		OnSegmentReceived: s.metrics.segmentReceived,
		OnPingFailure:     s.metrics.pingFailed,
	}, s.log)

	storage := s.opts.State
	if storage == nil {
		storage = NewStorage()
	}

	conn := &Connection{
		scope:     connScope,
		conn:      tconn,
		state:     storage,
		requestCb: s.requestCb,
		parallel:  s.opts.ParallelRequests,
		log:       s.log,
		metrics:   s.metrics,
		closed:    make(chan struct{}),
	}

	conn.sync = statesync.New(
		storageAdapter{storage},
		func(before, after any) (json.RawMessage, error) { return Diff(before, after) },
		conn.emitState,
		statesync.Config{
			AutoflushDelay: s.opts.AutoflushDelay,
			OnEmit:         func(latency time.Duration) { s.metrics.observeFlushLatencySeconds(latency.Seconds()) },
		},
	)

	connScope.Go(func(ctx context.Context) error {
		return tconn.Receive(ctx, conn.onMsg)
	})
	connScope.Go(tconn.SendLoop)
	connScope.Go(tconn.PingLoop)
	connScope.Go(conn.sync.Run)

	s.metrics.connectionOpened()

	if s.connectionCb != nil {
		go s.connectionCb(conn)
	}

	runErr := connScope.Wait()
	conn.finish(runErr)
}

// storageAdapter bridges *Storage's Registration-returning public API to
// internal/statesync's narrower local Storage interface.
type storageAdapter struct{ s *Storage }

func (a storageAdapter) Data() any { return a.s.Data() }

func (a storageAdapter) RegisterChangeCb(cb func(any)) func() {
	reg := a.s.RegisterChangeCb(cb)
	return reg.Unregister
}

// Connection is one accepted Juggler session.
type Connection struct {
	scope     *scope.Scope
	conn      *transport.Conn
	state     *Storage
	sync      *statesync.Loop
	requestCb RequestCb
	parallel  bool
	log       *slog.Logger
	metrics   *Metrics

	closeOnce sync.Once
	closed    chan struct{}
}

// State returns the Storage mirrored to the client.
func (c *Connection) State() *Storage {
	return c.state
}

// Flush blocks until every state mutation observed strictly before this
// call has been reflected in an emitted state message.
func (c *Connection) Flush(ctx context.Context) error {
	err := c.sync.Flush(ctx)
	if errors.Is(err, statesync.ErrDisconnected) {
		return ErrDisconnected
	}
	return err
}

// Notify sends a fire-and-forget notification to the client.
func (c *Connection) Notify(ctx context.Context, name string, data json.RawMessage) error {
	payload, err := encodeNotify(name, data)
	if err != nil {
		return fmt.Errorf("juggler: encode notify: %w", err)
	}
	if err := c.conn.Send(ctx, payload); err != nil {
		return ErrDisconnected
	}
	return nil
}

// Close tears the connection down: cancels its scope, fails any pending
// flush barrier with ErrDisconnected, and closes the underlying
// WebSocket. Idempotent and safe to call concurrently with the owning
// handler returning on its own.
func (c *Connection) Close() {
	c.scope.Cancel()
	runErr := c.scope.Wait()
	c.finish(runErr)
}

// Closed returns a channel closed once the connection has fully
// terminated.
func (c *Connection) Closed() <-chan struct{} {
	return c.closed
}

func (c *Connection) finish(runErr error) {
	c.closeOnce.Do(func() {
		c.conn.Close(websocket.StatusNormalClosure, "")
		close(c.closed)
		c.metrics.connectionClosed()
		if errors.Is(runErr, transport.ErrIdleTimeout) {
			c.metrics.idleTimeout()
		}
	})

	if runErr != nil && !errors.Is(runErr, transport.ErrClosed) && !errors.Is(runErr, context.Canceled) {
		c.log.Error("juggler: connection failed", "error", runErr)
	}
}

func (c *Connection) emitState(ctx context.Context, diff json.RawMessage) error {
	payload, err := encodeState(diff)
	if err != nil {
		return fmt.Errorf("juggler: encode state: %w", err)
	}
	c.metrics.observeStateDiffBytes(len(payload))
	return c.conn.Send(ctx, payload)
}

// onMsg is the transport sink: invoked once per reassembled message, in
// wire order, never concurrently. Only request messages are valid
// inbound on the server side.
func (c *Connection) onMsg(raw []byte) error {
	m, err := decodeMsg(raw)
	if err != nil {
		return err
	}

	req, ok := m.(*requestMsg)
	if !ok {
		return &ProtocolError{Reason: "server only accepts request messages"}
	}

	if c.parallel {
		c.scope.Go(func(ctx context.Context) error {
			return c.handleRequest(ctx, req)
		})
		return nil
	}
	return c.handleRequest(c.scope.Context(), req)
}

// handleRequest implements §4.3's result mapping: empty name echoes
// data, a nil handler is "not implemented", a handler error becomes a
// failed response carrying its message text.
func (c *Connection) handleRequest(ctx context.Context, req *requestMsg) error {
	var (
		data    json.RawMessage
		success bool
	)

	switch {
	case req.Name == "":
		data, success = req.Data, true
	case c.requestCb == nil:
		data, success = jsonString("request handler not implemented"), false
	default:
		result, err := c.requestCb(c, req.Name, req.Data)
		if err != nil {
			data, success = jsonString(err.Error()), false
		} else {
			data, success = result, true
		}
	}

	payload, err := encodeResponse(req.ID, success, data)
	if err != nil {
		return fmt.Errorf("juggler: encode response: %w", err)
	}
	return c.conn.Send(ctx, payload)
}

func jsonString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
