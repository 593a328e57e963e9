package juggler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestMetricsConnectionGaugeTracksOpenClose(t *testing.T) {
	t.Parallel()

	m := NewMetrics(prometheus.NewRegistry())
	m.connectionOpened()
	m.connectionOpened()
	if got := gaugeValue(t, m.connectionsActive); got != 2 {
		t.Fatalf("connectionsActive = %v, want 2", got)
	}
	m.connectionClosed()
	if got := gaugeValue(t, m.connectionsActive); got != 1 {
		t.Fatalf("connectionsActive = %v, want 1", got)
	}
}

func TestMetricsCountersIncrement(t *testing.T) {
	t.Parallel()

	m := NewMetrics(prometheus.NewRegistry())
	m.pingFailed()
	m.pingFailed()
	m.idleTimeout()
	if got := counterValue(t, m.pingFailures); got != 2 {
		t.Fatalf("pingFailures = %v, want 2", got)
	}
	if got := counterValue(t, m.idleTimeouts); got != 1 {
		t.Fatalf("idleTimeouts = %v, want 1", got)
	}
}

func TestMetricsWiredThroughServerAndClient(t *testing.T) {
	t.Parallel()

	serverMetrics := NewMetrics(prometheus.NewRegistry())
	clientMetrics := NewMetrics(prometheus.NewRegistry())

	delay := time.Millisecond
	srv, err := Listen(context.Background(), func(conn *Connection) {
		conn.State().Set("hello")
	}, nil, ListenOptions{
		Host:           "127.0.0.1",
		Port:           0,
		AutoflushDelay: &delay,
		Metrics:        serverMetrics,
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(srv.Close)

	addr := fmt.Sprintf("ws://%s/ws", srv.Addr().String())
	cli, err := Connect(context.Background(), addr, ClientOptions{Metrics: clientMetrics})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(cli.Close)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cli.State().Data() == "hello" {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if cli.State().Data() != "hello" {
		t.Fatalf("state = %v, want hello", cli.State().Data())
	}

	if got := counterValue(t, serverMetrics.framesSent.WithLabelValues("final")); got == 0 {
		t.Fatalf("server framesSent[final] = %v, want > 0", got)
	}
	if got := counterValue(t, clientMetrics.framesReceived.WithLabelValues("final")); got == 0 {
		t.Fatalf("client framesReceived[final] = %v, want > 0", got)
	}

	var histo dto.Metric
	if err := serverMetrics.flushLatency.Write(&histo); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if histo.GetHistogram().GetSampleCount() == 0 {
		t.Fatalf("flushLatency sample count = 0, want > 0")
	}
}

func TestMetricsNilReceiverIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.connectionOpened()
	m.connectionClosed()
	m.frameSent("0")
	m.frameReceived("0")
	m.segmentSent()
	m.segmentReceived()
	m.pingFailed()
	m.idleTimeout()
	m.observeFlushLatencySeconds(0.1)
	m.observeStateDiffBytes(128)
}
