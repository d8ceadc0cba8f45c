package streamsocket

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.connOpened()
	m.connClosed()
	m.frameIn(PackData)
	m.frameDropped(PackData)
	m.bytesIn(10)
	m.bytesOut(10)
	m.broadcast()
	m.archive()
}

func TestNewMetrics_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewMetrics("test", reg); err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	if _, err := NewMetrics("test", reg); err == nil {
		t.Error("expected error registering the same collectors twice")
	}
}

func TestMetrics_ConnTraffic(t *testing.T) {
	m, err := NewMetrics("test", prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	datas := make(chan []byte, 1)
	conn := NewConn(serverConn,
		LoggerOption(NopLogger{}),
		MetricsOption(m),
		OnDataOption(func(raw []byte) { datas <- raw }),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn.Start(ctx)

	bad := EncodeFrame([]byte{Header{Compressed: true, Type: PackCommand}.Byte(), 0, 0, 0, 9, 1})
	good := testFrame(t, PackData, "counted", false)
	if _, err := clientConn.Write(append(bad, good...)); err != nil {
		t.Fatalf("write: %v", err)
	}
	recv(t, datas)

	if got := testutil.ToFloat64(m.framesIn.WithLabelValues("data")); got != 1 {
		t.Errorf("data frames = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.framesDrop.WithLabelValues("command")); got != 1 {
		t.Errorf("dropped command frames = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.bytesRead); got != float64(len(bad)+len(good)) {
		t.Errorf("read bytes = %v, want %d", got, len(bad)+len(good))
	}

	conn.SendRaw(good, nil)
	readFrame(t, clientConn)
	waitFor(t, "written bytes", func() bool {
		return testutil.ToFloat64(m.bytesWritten) == float64(len(good))
	})
}

func TestMetrics_Server(t *testing.T) {
	m, err := NewMetrics("test", prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	radio := newMockRadio()
	clients := make(chan *Conn, 1)
	s := startServer(t,
		RadioFactoryOption(radio.factory),
		ServerMetricsOption(m),
		OnNewClientOption(func(c *Conn) { clients <- c }),
	)
	conn, _ := dial(t, s, clients)

	if got := testutil.ToFloat64(m.connections); got != 1 {
		t.Errorf("connections = %v, want 1", got)
	}

	if _, err := conn.Write(testFrame(t, PackData, "archived", false)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "archive", func() bool { return testutil.ToFloat64(m.archived) == 1 })

	s.BroadcastData([]byte("all"), PackMessage)
	settle(t, s)
	if got := testutil.ToFloat64(m.broadcasts); got != 1 {
		t.Errorf("broadcasts = %v, want 1", got)
	}

	_ = conn.Close()
	waitFor(t, "disconnect", func() bool { return testutil.ToFloat64(m.connections) == 0 })
	if got := testutil.ToFloat64(m.accepted); got != 1 {
		t.Errorf("accepted = %v, want 1", got)
	}
}
