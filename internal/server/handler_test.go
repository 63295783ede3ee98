package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/edgerelay/internal/protocol"
	"github.com/1ureka/edgerelay/internal/relay"
	"github.com/1ureka/edgerelay/internal/util"
)

var testSecret = protocol.Secret{
	0x55, 0xd9, 0xec, 0x38, 0x1b, 0x8a, 0x45, 0x4b,
	0x98, 0x1a, 0x6a, 0xcf, 0xe8, 0xf5, 0x6d, 0x8c,
}

// recordingDialer dials for real unless err is set, and remembers targets.
type recordingDialer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (d *recordingDialer) Dial(ctx context.Context, host string, port uint16) (net.Conn, error) {
	d.mu.Lock()
	d.calls = append(d.calls, net.JoinHostPort(host, strconv.Itoa(int(port))))
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	var nd net.Dialer
	return nd.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
}

func (d *recordingDialer) targets() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// startEcho runs a TCP echo server. The returned channel receives once per
// connection when the relay side closes it.
func startEcho(t *testing.T) (uint16, <-chan struct{}) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ended := make(chan struct{}, 16)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
				ended <- struct{}{}
			}()
		}
	}()

	return uint16(ln.Addr().(*net.TCPAddr).Port), ended
}

func newTestServer(t *testing.T, d Dialer) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHandler(testSecret, d, relay.DefaultOptions()))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func upgradeRequest(t *testing.T, url string, protocol string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	if protocol != "" {
		req.Header.Set("Sec-WebSocket-Protocol", protocol)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestRejectWithoutUpgrade(t *testing.T) {
	d := &recordingDialer{}
	srv := newTestServer(t, d)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
	require.Equal(t, "websocket", resp.Header.Get("Upgrade"))
	require.Empty(t, d.targets())
}

func TestRejectOutcomes(t *testing.T) {
	echoPort, _ := startEcho(t)

	valid, err := protocol.EncodeHeader(testSecret, "127.0.0.1", echoPort, nil)
	require.NoError(t, err)

	wrong := testSecret
	wrong[3] ^= 0xff
	forged, err := protocol.EncodeHeader(wrong, "127.0.0.1", echoPort, nil)
	require.NoError(t, err)

	testCases := []struct {
		name     string
		protocol string
		dialErr  error
		status   int
		outcome  string
		dials    int
	}{
		{"missing protocol", "", nil, http.StatusBadRequest, outcomeBadRequest, 0},
		{"not base64", "@@@@", nil, http.StatusBadRequest, outcomeBadRequest, 0},
		{"wrong secret", protocol.EncodeToken(forged), nil, http.StatusForbidden, outcomeForbidden, 0},
		{"truncated header", protocol.EncodeToken(valid[:20]), nil, http.StatusForbidden, outcomeForbidden, 0},
		{"unreachable", protocol.EncodeToken(valid), errors.New("refused"), http.StatusBadGateway, outcomeBadGateway, 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := &recordingDialer{err: tc.dialErr}
			srv := newTestServer(t, d)
			before := testutil.ToFloat64(util.RequestsTotal.WithLabelValues(tc.outcome))

			resp := upgradeRequest(t, srv.URL, tc.protocol)

			require.Equal(t, tc.status, resp.StatusCode)
			require.Len(t, d.targets(), tc.dials)
			require.Equal(t, before+1, testutil.ToFloat64(util.RequestsTotal.WithLabelValues(tc.outcome)))
		})
	}
}

// readRelayed collects downlink messages until want bytes have arrived,
// stripping the response header from the first one.
func readRelayed(t *testing.T, conn *websocket.Conn, first bool, want int) []byte {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var got []byte
	for len(got) < want {
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.BinaryMessage, mt)
		if first {
			require.True(t, bytes.HasPrefix(data, protocol.ResponseHeader[:]), "first message %x", data)
			data = data[len(protocol.ResponseHeader):]
			first = false
		}
		got = append(got, data...)
	}
	return got
}

// TestRelayEndToEnd sends an IPv4 header with early payload and checks that
// the payload reaches the target before any later message, the reply comes
// back behind the response header, and closing the client closes the target.
func TestRelayEndToEnd(t *testing.T) {
	echoPort, ended := startEcho(t)
	d := &recordingDialer{}
	srv := newTestServer(t, d)

	header, err := protocol.EncodeHeader(testSecret, "127.0.0.1", echoPort, []byte("hello "))
	require.NoError(t, err)
	token := protocol.EncodeToken(header)

	wsd := websocket.Dialer{Subprotocols: []string{token}}
	conn, resp, err := wsd.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	require.Equal(t, token, resp.Header.Get("Sec-WebSocket-Protocol"))
	require.Equal(t, []string{net.JoinHostPort("127.0.0.1", strconv.Itoa(int(echoPort)))}, d.targets())

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("world")))

	got := readRelayed(t, conn, true, len("hello world"))
	require.Equal(t, "hello world", string(got))

	big := bytes.Repeat([]byte("0123456789abcdef"), 4*1024)
	for off := 0; off < len(big); off += 4096 {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, big[off:off+4096]))
	}
	require.Equal(t, big, readRelayed(t, conn, false, len(big)))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	select {
	case <-ended:
	case <-time.After(5 * time.Second):
		t.Fatal("target connection was not closed")
	}
}

// TestRelayTargetCloses checks that the client is closed once the target
// hangs up, after everything the target sent has been delivered.
func TestRelayTargetCloses(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = conn.Write([]byte("banner\r\n"))
		conn.Close()
	}()

	srv := newTestServer(t, &recordingDialer{})
	header, err := protocol.EncodeHeader(testSecret, "127.0.0.1", uint16(ln.Addr().(*net.TCPAddr).Port), nil)
	require.NoError(t, err)

	wsd := websocket.Dialer{Subprotocols: []string{protocol.EncodeToken(header)}}
	conn, _, err := wsd.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Equal(t, "banner\r\n", string(readRelayed(t, conn, true, len("banner\r\n"))))

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
}

// TestRelayRefusesOversizedFrame checks that a client frame larger than the
// uplink queue is refused with 1009 instead of being read into memory, while
// a frame exactly at the limit is relayed.
func TestRelayRefusesOversizedFrame(t *testing.T) {
	echoPort, ended := startEcho(t)

	opts := relay.DefaultOptions()
	opts.Uplink = relay.UplinkOptions{MaxQueuedBytes: 4096, MergeBytes: 1024, LargeChunk: 1024}
	srv := httptest.NewServer(NewHandler(testSecret, &recordingDialer{}, opts))
	defer srv.Close()

	header, err := protocol.EncodeHeader(testSecret, "127.0.0.1", echoPort, nil)
	require.NoError(t, err)

	wsd := websocket.Dialer{Subprotocols: []string{protocol.EncodeToken(header)}}
	conn, _, err := wsd.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	atLimit := bytes.Repeat([]byte{'a'}, 4096)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, atLimit))
	require.Equal(t, atLimit, readRelayed(t, conn, true, len(atLimit)))

	_ = conn.WriteMessage(websocket.BinaryMessage, make([]byte, 4097))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseMessageTooBig), "got %v", err)

	select {
	case <-ended:
	case <-time.After(5 * time.Second):
		t.Fatal("target connection was not closed")
	}
}
