package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// pair dials a fresh server/client Conn pair over a real httptest server,
// wired through a caller-supplied sink on the server side.
func pair(t *testing.T, cfg Config, serverSink Sink) (client, server *Conn, cleanup func()) {
	t.Helper()

	var mu sync.Mutex
	var srv *Conn
	ready := make(chan struct{})

	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		ws.SetReadLimit(-1)

		mu.Lock()
		srv = New(ws, cfg, nil)
		mu.Unlock()
		close(ready)

		ctx := r.Context()
		_ = srv.Receive(ctx, serverSink)
	}))

	wsURL := "ws" + httpSrv.URL[len("http"):]
	ws, _, err := websocket.Dial(context.Background(), wsURL, &websocket.DialOptions{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	ws.SetReadLimit(-1)
	cli := New(ws, cfg, nil)

	<-ready
	mu.Lock()
	server = srv
	mu.Unlock()

	return cli, server, func() {
		cli.Close(websocket.StatusNormalClosure, "test done")
		server.Close(websocket.StatusNormalClosure, "test done")
		httpSrv.Close()
	}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	t.Parallel()

	received := make(chan []byte, 1)
	cli, srv, cleanup := pair(t, Config{}, func(msg []byte) error {
		received <- msg
		return nil
	})
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = cli.Receive(ctx, func(msg []byte) error { return nil }) }()
	go func() { _ = srv.SendLoop(ctx) }()
	go func() { _ = cli.SendLoop(ctx) }()

	if err := cli.Send(ctx, []byte(`{"type":"notify"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-received:
		if string(msg) != `{"type":"notify"}` {
			t.Fatalf("got %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received message")
	}
}

func TestLargeMessageSegmentsAndReassembles(t *testing.T) {
	t.Parallel()

	big := make([]byte, 300*1024)
	for i := range big {
		big[i] = '1'
	}

	received := make(chan []byte, 1)
	cli, srv, cleanup := pair(t, Config{MaxSegmentSize: 1024}, func(msg []byte) error {
		received <- msg
		return nil
	})
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.SendLoop(ctx) }()
	go func() { _ = cli.SendLoop(ctx) }()

	if err := cli.Send(ctx, big); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-received:
		if len(msg) != len(big) {
			t.Fatalf("got %d bytes, want %d", len(msg), len(big))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never reassembled the large message")
	}
}

func TestPingKeepsConnectionAlive(t *testing.T) {
	t.Parallel()

	cfg := Config{PingDelay: 10 * time.Millisecond, PingTimeout: 10 * time.Millisecond}
	cli, srv, cleanup := pair(t, cfg, func(msg []byte) error { return nil })
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientErr := make(chan error, 1)
	go func() { clientErr <- cli.Receive(ctx, func(msg []byte) error { return nil }) }()
	go func() { _ = srv.SendLoop(ctx) }()
	go func() { _ = cli.SendLoop(ctx) }()
	go func() { _ = srv.PingLoop(ctx) }()
	go func() { _ = cli.PingLoop(ctx) }()

	select {
	case err := <-clientErr:
		t.Fatalf("connection closed unexpectedly during idle ping traffic: %v", err)
	case <-time.After(120 * time.Millisecond):
	}
}

func TestIdleTimeoutClosesConnection(t *testing.T) {
	t.Parallel()

	// A server that accepts and then never reads, so it can't possibly
	// answer the client's pings with pongs.
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
		if err != nil {
			return
		}
		defer ws.Close(websocket.StatusNormalClosure, "bye")
		<-r.Context().Done()
	}))
	defer httpSrv.Close()

	wsURL := "ws" + httpSrv.URL[len("http"):]
	ws, _, err := websocket.Dial(context.Background(), wsURL, &websocket.DialOptions{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	ws.SetReadLimit(-1)

	cfg := Config{PingDelay: 10 * time.Millisecond, PingTimeout: 10 * time.Millisecond}
	cli := New(ws, cfg, nil)
	defer cli.Close(websocket.StatusNormalClosure, "test done")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = cli.SendLoop(ctx) }()

	if err := cli.PingLoop(ctx); err != ErrIdleTimeout {
		t.Fatalf("PingLoop() = %v, want ErrIdleTimeout", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	cli, srv, cleanup := pair(t, Config{}, func(msg []byte) error { return nil })
	defer cleanup()

	cli.Close(websocket.StatusNormalClosure, "bye")
	cli.Close(websocket.StatusNormalClosure, "bye again")

	if err := cli.Send(context.Background(), []byte("x")); err != ErrClosed {
		t.Fatalf("Send after Close = %v, want ErrClosed", err)
	}
	_ = srv
}

func TestSendBackpressureBlocksUntilDrained(t *testing.T) {
	t.Parallel()

	cfg := Config{SendQueueSize: 1, MaxSegmentSize: 8}
	received := make(chan []byte, 16)
	cli, srv, cleanup := pair(t, cfg, func(msg []byte) error {
		received <- msg
		return nil
	})
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.SendLoop(ctx) }()

	// Don't start cli.SendLoop yet: the queue (capacity 1) should fill and
	// Send should block until we start draining it.
	sendDone := make(chan error, 1)
	go func() { sendDone <- cli.Send(ctx, []byte("0123456789abcdef")) }()

	select {
	case <-sendDone:
		t.Fatal("Send returned before the queue was drained (no backpressure observed)")
	case <-time.After(50 * time.Millisecond):
	}

	go func() { _ = cli.SendLoop(ctx) }()

	select {
	case err := <-sendDone:
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send never unblocked after SendLoop started draining")
	}
}
