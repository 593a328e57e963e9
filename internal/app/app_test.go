package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"juggler"
)

func newTestApp(t *testing.T) (*App, string) {
	t.Helper()

	cfg := LoadConfig()
	cfg.HTTPHost = "127.0.0.1"
	cfg.HTTPPort = 0
	cfg.MetricsEnabled = true

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.srv.Close)

	return a, a.srv.Addr().String()
}

func TestAppEchoRequest(t *testing.T) {
	t.Parallel()

	_, addr := newTestApp(t)

	cli, err := juggler.Connect(context.Background(), fmt.Sprintf("ws://%s/ws", addr), juggler.ClientOptions{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(cli.Close)

	payload, _ := json.Marshal("hello")
	resp, err := cli.Send(context.Background(), "echo", payload)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(resp) != string(payload) {
		t.Fatalf("resp = %s, want %s", resp, payload)
	}
}

func TestAppUnknownRequestFails(t *testing.T) {
	t.Parallel()

	_, addr := newTestApp(t)

	cli, err := juggler.Connect(context.Background(), fmt.Sprintf("ws://%s/ws", addr), juggler.ClientOptions{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(cli.Close)

	if _, err := cli.Send(context.Background(), "nonsense", nil); err == nil {
		t.Fatal("expected error for unknown request name")
	}
}

func TestAppHealthAndMetricsRoutes(t *testing.T) {
	t.Parallel()

	_, addr := newTestApp(t)

	httpClient := &http.Client{Timeout: 2 * time.Second}

	resp, err := httpClient.Get(fmt.Sprintf("http://%s/healthz", addr))
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/healthz status = %d, want 200", resp.StatusCode)
	}

	resp, err = httpClient.Get(fmt.Sprintf("http://%s/metrics", addr))
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", resp.StatusCode)
	}
}
