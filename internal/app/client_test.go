package app

import (
	"context"
	"io"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/edgerelay/internal/config"
	"github.com/1ureka/edgerelay/internal/server"
)

func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

// startForwarder runs a relay behind httptest and a forwarder in front of
// it, returning the forwarder's local address.
func startForwarder(t *testing.T, uuid string) string {
	t.Helper()

	relayCfg := config.Default()
	relayCfg.Fallback = ""
	require.NoError(t, relayCfg.Validate())
	h := server.NewHandler(relayCfg.Secret(), relayCfg.Dialer(), relayCfg.RelayOptions())
	srv := httptest.NewServer(server.NewMux(&relayCfg, h))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.UUID = uuid
	cfg.Client.RelayURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	cfg.Client.Target = startEcho(t)

	f, err := NewForwarder(&cfg)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	return ln.Addr().String()
}

func roundTrip(t *testing.T, conn net.Conn, msg string) {
	t.Helper()
	_, err := io.WriteString(conn, msg)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	got := make([]byte, len(msg))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	require.Equal(t, msg, string(got))
}

func TestForwarderClientSpeaksFirst(t *testing.T) {
	addr := startForwarder(t, config.DefaultUUID)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	roundTrip(t, conn, "ping")
	roundTrip(t, conn, strings.Repeat("x", 32*1024))
}

func TestForwarderClientSpeaksSecond(t *testing.T) {
	addr := startForwarder(t, config.DefaultUUID)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(100 * time.Millisecond)
	roundTrip(t, conn, "late hello")
}

func TestForwarderWrongSecret(t *testing.T) {
	addr := startForwarder(t, "00000000-0000-4000-8000-000000000000")

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, "ping")
	require.NoError(t, err)

	// The relay answers 403 and the local connection is dropped.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestNewForwarderValidates(t *testing.T) {
	cfg := config.Default()
	_, err := NewForwarder(&cfg)
	require.Error(t, err)

	cfg.Client.RelayURL = "ws://127.0.0.1:1/"
	cfg.Client.Target = net.JoinHostPort("example.org", strconv.Itoa(70000))
	_, err = NewForwarder(&cfg)
	require.Error(t, err)
}

func TestReadEarlyData(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() { _, _ = b.Write([]byte("first")) }()
	got, err := readEarlyData(a)
	require.NoError(t, err)
	require.Equal(t, "first", string(got))

	got, err = readEarlyData(a)
	require.NoError(t, err)
	require.Empty(t, got)

	b.Close()
	_, err = readEarlyData(a)
	require.ErrorIs(t, err, io.EOF)
}
