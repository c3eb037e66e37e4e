//go:build linux

package ipproxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"ianus-proxy-core/internal/config"
	"ianus-proxy-core/internal/corelog"
)

// echoServer accepts one connection and echoes everything it reads
// until EOF, then closes. It stands in for the real remote target the
// Relay Engine dials.
func echoServer(t *testing.T) (addr netip.AddrPort, done <-chan struct{}) {
	t.Helper()
	ln, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("echoServer listen: %v", err)
	}

	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	a := ln.Addr().(*net.TCPAddr)
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(a.Port)), doneCh
}

func startEngine(t *testing.T) (*Engine, *Table) {
	t.Helper()
	nat := NewTable()
	bus := corelog.NewEventBus()
	engine := NewEngine(nat, bus, corelog.Default, config.Default())
	if err := engine.Start(); err != nil {
		t.Fatalf("engine.Start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- engine.Run(ctx) }()

	t.Cleanup(func() {
		engine.Stop()
		cancel()
		select {
		case <-runDone:
		case <-time.After(2 * time.Second):
			t.Errorf("engine.Run did not return after Stop")
		}
	})

	return engine, nat
}

func TestEngineHappyPath(t *testing.T) {
	target, serverDone := echoServer(t)
	engine, nat := startEngine(t)

	const clientPort = 47381
	nat.Insert(
		ClientKey{IP: netip.MustParseAddr("127.0.0.1"), Port: clientPort},
		Target{IP: target.Addr(), Port: target.Port()},
	)

	dialer := net.Dialer{LocalAddr: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: clientPort}}
	conn, err := dialer.Dial("tcp4", fmt.Sprintf("127.0.0.1:%d", engine.AnchorPort()))
	if err != nil {
		t.Fatalf("dial anchor: %v", err)
	}
	defer conn.Close()

	payload := bytes.Repeat([]byte{0xAB}, 4096)
	conn.(*net.TCPConn).SetWriteDeadline(time.Now().Add(3 * time.Second))
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.(*net.TCPConn).CloseWrite()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	echoed, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(echoed, payload) {
		t.Fatalf("echoed %d bytes != sent %d bytes", len(echoed), len(payload))
	}

	select {
	case <-serverDone:
	case <-time.After(3 * time.Second):
		t.Errorf("echo server goroutine did not finish")
	}
}

func TestEngineConnectFailureDropsFlowSilently(t *testing.T) {
	engine, nat := startEngine(t)

	const clientPort = 47382
	// No listener on 127.0.0.1:1 (a privileged, normally-closed port):
	// connect should fail and the flow should simply never appear.
	nat.Insert(
		ClientKey{IP: netip.MustParseAddr("127.0.0.1"), Port: clientPort},
		Target{IP: netip.MustParseAddr("127.0.0.1"), Port: 1},
	)

	dialer := net.Dialer{LocalAddr: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: clientPort}}
	conn, err := dialer.Dial("tcp4", fmt.Sprintf("127.0.0.1:%d", engine.AnchorPort()))
	if err != nil {
		t.Fatalf("dial anchor: %v", err)
	}
	defer conn.Close()

	// The client side of the redirected connection should observe EOF
	// (or a reset) once the engine's connect attempt fails and it drops
	// the accepted socket without ever registering a flow.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 16)
	if n, err := conn.Read(buf); err == nil && n > 0 {
		t.Fatalf("expected EOF/reset on dropped flow, got %d bytes", n)
	}
}
