// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pump

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/retiarius/pkg/datagram"
	"github.com/absmach/retiarius/pkg/errors"
	"github.com/absmach/retiarius/pkg/metrics"
	"github.com/absmach/retiarius/pkg/pool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func listen(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	return conn
}

func testConfig() Config {
	return Config{
		Name:   "test",
		Logger: slog.New(slog.NewTextHandler(os.Stdout, nil)),
	}
}

func readWithin(t *testing.T, conn *net.UDPConn, d time.Duration) (string, *net.UDPAddr) {
	t.Helper()
	buf := make([]byte, 2048)
	conn.SetReadDeadline(time.Now().Add(d))
	n, addr, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	return string(buf[:n]), addr
}

func TestPump_Receive(t *testing.T) {
	conn := listen(t)
	in := make(chan datagram.Datagram, 8)

	cfg := testConfig()
	cfg.Session = "session-1"
	p := Start(context.Background(), conn, in, cfg)
	defer p.Close()

	sender := listen(t)
	defer sender.Close()

	if _, err := sender.WriteToUDP([]byte("ping"), p.LocalAddr()); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	select {
	case d := <-in:
		if string(d.Payload) != "ping" {
			t.Errorf("Expected payload ping, got %q", d.Payload)
		}
		if d.Origin.String() != sender.LocalAddr().String() {
			t.Errorf("Expected origin %s, got %s", sender.LocalAddr(), d.Origin)
		}
		if d.Resolved() {
			t.Error("Received datagram must not have a destination")
		}
		if d.Session != "session-1" {
			t.Errorf("Expected session stamp, got %q", d.Session)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for datagram")
	}
}

func TestPump_Send(t *testing.T) {
	conn := listen(t)
	p := Start(context.Background(), conn, make(chan datagram.Datagram, 1), testConfig())
	defer p.Close()

	receiver := listen(t)
	defer receiver.Close()
	dst := receiver.LocalAddr().(*net.UDPAddr)

	if err := p.Send(context.Background(), datagram.Datagram{Payload: []byte("pong"), Destination: dst}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	payload, from := readWithin(t, receiver, 2*time.Second)
	if payload != "pong" {
		t.Errorf("Expected pong, got %q", payload)
	}
	if from.Port != p.LocalAddr().Port {
		t.Errorf("Expected datagram from pump port %d, got %d", p.LocalAddr().Port, from.Port)
	}
}

func TestPump_SendFIFO(t *testing.T) {
	conn := listen(t)
	p := Start(context.Background(), conn, make(chan datagram.Datagram, 1), testConfig())
	defer p.Close()

	receiver := listen(t)
	defer receiver.Close()
	dst := receiver.LocalAddr().(*net.UDPAddr)

	const count = 50
	for i := 0; i < count; i++ {
		p.Outbound() <- datagram.Datagram{Payload: []byte(fmt.Sprintf("d%d", i)), Destination: dst}
	}

	for i := 0; i < count; i++ {
		payload, _ := readWithin(t, receiver, 2*time.Second)
		if want := fmt.Sprintf("d%d", i); payload != want {
			t.Fatalf("Expected %s, got %s", want, payload)
		}
	}
}

func TestPump_ReceiveBackpressure(t *testing.T) {
	conn := listen(t)
	in := make(chan datagram.Datagram) // unbuffered: the loop must wait for us
	p := Start(context.Background(), conn, in, testConfig())
	defer p.Close()

	sender := listen(t)
	defer sender.Close()

	const count = 5
	for i := 0; i < count; i++ {
		sender.WriteToUDP([]byte(fmt.Sprintf("d%d", i)), p.LocalAddr())
	}

	time.Sleep(100 * time.Millisecond)

	for i := 0; i < count; i++ {
		select {
		case d := <-in:
			if want := fmt.Sprintf("d%d", i); string(d.Payload) != want {
				t.Fatalf("Expected %s, got %s", want, d.Payload)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out waiting for datagram %d", i)
		}
	}
}

// syncBuffer is a bytes.Buffer safe for use as a log sink across goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestPump_MissingDestination(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New("", reg)

	var logs syncBuffer
	conn := listen(t)
	cfg := testConfig()
	cfg.Session = "session-1"
	cfg.Metrics = m
	cfg.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	p := Start(context.Background(), conn, make(chan datagram.Datagram, 1), cfg)
	defer p.Close()

	receiver := listen(t)
	defer receiver.Close()
	dst := receiver.LocalAddr().(*net.UDPAddr)

	p.Outbound() <- datagram.Datagram{Payload: []byte("lost")}
	p.Outbound() <- datagram.Datagram{Payload: []byte("kept"), Destination: dst}

	payload, _ := readWithin(t, receiver, 2*time.Second)
	if payload != "kept" {
		t.Errorf("Expected pump to keep running after invalid datagram, got %q", payload)
	}

	if got := testutil.ToFloat64(m.Dropped.WithLabelValues("downstream", metrics.ReasonNoDestination)); got != 1 {
		t.Errorf("Expected 1 no_destination drop, got %v", got)
	}

	want := fmt.Sprintf("send [session-1] %s: %v", p.LocalAddr(), errors.ErrNoDestination)
	if out := logs.String(); !strings.Contains(out, want) {
		t.Errorf("Expected %q in log output:\n%s", want, out)
	}
}

func TestPump_Close(t *testing.T) {
	conn := listen(t)
	p := Start(context.Background(), conn, make(chan datagram.Datagram, 1), testConfig())

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-p.Done():
	default:
		t.Fatal("Expected Done to be closed after Close")
	}

	if p.Err() != nil {
		t.Errorf("Expected nil error after Close, got %v", p.Err())
	}

	d := datagram.Datagram{Payload: []byte("x"), Destination: p.LocalAddr()}
	if err := p.Send(context.Background(), d); !errors.Is(err, errors.ErrPumpClosed) {
		t.Errorf("Expected ErrPumpClosed from Send, got %v", err)
	}
	if err := p.TrySend(d); !errors.Is(err, errors.ErrPumpClosed) {
		t.Errorf("Expected ErrPumpClosed from TrySend, got %v", err)
	}

	// The socket is released.
	if _, err := conn.WriteToUDP([]byte("x"), p.LocalAddr()); err == nil {
		t.Error("Expected write on closed socket to fail")
	}
}

func TestPump_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Start(ctx, listen(t), make(chan datagram.Datagram), testConfig())

	cancel()

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Pump did not stop after context cancellation")
	}
	if p.Err() != nil {
		t.Errorf("Expected nil error on cancellation, got %v", p.Err())
	}
}

func TestPump_FatalError(t *testing.T) {
	conn := listen(t)
	p := Start(context.Background(), conn, make(chan datagram.Datagram, 1), testConfig())

	// Pull the socket out from under the pump.
	conn.Close()

	if err := waitErr(p, 2*time.Second); err == nil {
		t.Error("Expected fatal error after socket was closed")
	}
}

func TestPump_CustomBuffers(t *testing.T) {
	conn := listen(t)
	in := make(chan datagram.Datagram, 1)

	cfg := testConfig()
	cfg.Buffers = pool.New(4)
	p := Start(context.Background(), conn, in, cfg)
	defer p.Close()

	sender := listen(t)
	defer sender.Close()
	sender.WriteToUDP([]byte("truncated"), p.LocalAddr())

	select {
	case d := <-in:
		if d.Len() > 4 {
			t.Errorf("Expected payload capped at buffer size 4, got %d bytes", d.Len())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for datagram")
	}
}

func waitErr(p *Pump, d time.Duration) error {
	select {
	case <-p.Done():
		return p.Err()
	case <-time.After(d):
		return nil
	}
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Millisecond},
		{1, 2 * time.Millisecond},
		{2, 4 * time.Millisecond},
	}

	for _, tt := range tests {
		if got := retryDelay(time.Millisecond, tt.attempt); got != tt.want {
			t.Errorf("retryDelay(1ms, %d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	cfg := testConfig()
	p := Start(context.Background(), listen(t), make(chan datagram.Datagram, 1), cfg)
	defer p.Close()
	if p.cfg.RetryBackoff != DefaultRetryBackoff {
		t.Errorf("Expected default backoff %v, got %v", DefaultRetryBackoff, p.cfg.RetryBackoff)
	}
}

func TestPump_OnErrorRefused(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("ICMP port unreachable surfacing as ECONNREFUSED is Linux behaviour")
	}

	// Bind then release a port so nothing listens on it.
	gone := listen(t)
	target := gone.LocalAddr().(*net.UDPAddr)
	gone.Close()

	conn, err := net.DialUDP("udp", nil, target)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}

	refused := make(chan struct{}, 1)
	cfg := testConfig()
	cfg.OnError = func(err error) {
		if IsRefused(err) {
			select {
			case refused <- struct{}{}:
			default:
			}
		}
	}
	p := Start(context.Background(), conn, make(chan datagram.Datagram, 8), cfg)
	defer p.Close()

	deadline := time.After(3 * time.Second)
	for {
		p.TrySend(datagram.Datagram{Payload: []byte("anyone?"), Destination: target})
		select {
		case <-refused:
			if p.Err() != nil {
				t.Errorf("A refused peer must not stop the pump, got %v", p.Err())
			}
			return
		case <-deadline:
			t.Fatal("Expected OnError to report a refused peer")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestPump_TrySendQueueFull(t *testing.T) {
	dst := listen(t)
	defer dst.Close()
	target := dst.LocalAddr().(*net.UDPAddr)

	// Every write times out, and the pause before the first retry outlasts
	// the test, so the send loop holds the first datagram.
	conn := listen(t)
	conn.SetWriteDeadline(time.Now().Add(-time.Second))

	cfg := testConfig()
	cfg.QueueSize = 1
	cfg.RetryBackoff = time.Hour
	cfg.Metrics = metrics.New("test", prometheus.NewRegistry())
	p := Start(context.Background(), conn, make(chan datagram.Datagram, 1), cfg)
	defer p.Close()

	d := datagram.Datagram{Payload: []byte("x"), Destination: target}
	if err := p.TrySend(d); err != nil {
		t.Fatalf("Expected first datagram to be queued, got %v", err)
	}

	// Fill the slot freed once the send loop takes the first datagram.
	deadline := time.Now().Add(2 * time.Second)
	for p.TrySend(d) != nil {
		if time.Now().After(deadline) {
			t.Fatal("Send loop never took the first datagram")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := p.TrySend(d); !errors.Is(err, errors.ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
	transient := cfg.Metrics.PumpErrors.WithLabelValues("test", "transient")
	for testutil.ToFloat64(transient) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Expected the timed out write to be reported")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if n := testutil.ToFloat64(transient); n != 1 {
		t.Errorf("Expected the send loop to pause after one transient error, got %v", n)
	}
}
