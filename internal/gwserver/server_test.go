package gwserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taglocator/gateway-server/internal/ingest"
	"taglocator/gateway-server/internal/metrics"
	"taglocator/gateway-server/internal/model"
	"taglocator/gateway-server/internal/protocol"
	"taglocator/gateway-server/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingHandler struct {
	frames       chan []byte
	disconnected chan string
	panicFirst   bool

	mu    sync.Mutex
	calls int
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{frames: make(chan []byte, 16), disconnected: make(chan string, 4)}
}

func (h *recordingHandler) Connected(ctx context.Context, conn ingest.Conn) error {
	return conn.Send(ctx, protocol.IdentityRequest())
}

func (h *recordingHandler) HandleFrame(_ context.Context, _ ingest.Conn, frame []byte) error {
	h.mu.Lock()
	h.calls++
	first := h.calls == 1
	h.mu.Unlock()
	if h.panicFirst && first {
		panic("boom")
	}
	h.frames <- frame
	return nil
}

func (h *recordingHandler) Disconnected(_ context.Context, conn ingest.Conn) error {
	h.disconnected <- conn.ID()
	return nil
}

func startServer(t *testing.T, h Handler, opts Options) (*Server, string) {
	t.Helper()
	srv := New(h, testLogger(), metrics.New(nil), opts)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		_ = srv.Stop(context.Background())
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + DefaultPath
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	typ, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, typ)
	return data
}

func expectClosed(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			t.Fatal("connection still open")
		}
		return
	}
}

func TestConnectSendsIdentityRequestAndForwardsFrames(t *testing.T) {
	h := newRecordingHandler()
	_, url := startServer(t, h, Options{})
	ws := dial(t, url)

	assert.Equal(t, protocol.IdentityRequest(), readFrame(t, ws))

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{0x07, 0x03, 0x00, 0x00}))
	select {
	case got := <-h.frames:
		assert.Equal(t, []byte{0x07, 0x03, 0x00, 0x00}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not forwarded")
	}
}

func TestTextMessagesAreIgnored(t *testing.T) {
	h := newRecordingHandler()
	_, url := startServer(t, h, Options{})
	ws := dial(t, url)
	readFrame(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{0x0A, 0x03, 0x00, 0x00}))

	select {
	case got := <-h.frames:
		assert.Equal(t, []byte{0x0A, 0x03, 0x00, 0x00}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not forwarded")
	}
}

func TestRegistrationTimeoutClosesSilentConnection(t *testing.T) {
	h := newRecordingHandler()
	_, url := startServer(t, h, Options{RegistrationTimeout: 50 * time.Millisecond})
	ws := dial(t, url)
	readFrame(t, ws)

	expectClosed(t, ws)
	select {
	case <-h.disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}
}

func TestInboundFrameCancelsRegistrationTimeout(t *testing.T) {
	h := newRecordingHandler()
	_, url := startServer(t, h, Options{RegistrationTimeout: 100 * time.Millisecond})
	ws := dial(t, url)
	readFrame(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{0x09, 0x01, 0x00, 0x00}))
	<-h.frames

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(400*time.Millisecond)))
	_, _, err := ws.ReadMessage()
	var ne net.Error
	require.True(t, errors.As(err, &ne), "unexpected error %v", err)
	assert.True(t, ne.Timeout())
}

func TestHandlerPanicDoesNotDropConnection(t *testing.T) {
	h := newRecordingHandler()
	h.panicFirst = true
	_, url := startServer(t, h, Options{})
	ws := dial(t, url)
	readFrame(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{0x0A, 0x01, 0x00, 0x00}))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{0x07, 0x03, 0x00, 0x00}))

	select {
	case got := <-h.frames:
		assert.Equal(t, []byte{0x07, 0x03, 0x00, 0x00}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not survive handler panic")
	}
}

func TestStopClosesSessions(t *testing.T) {
	h := newRecordingHandler()
	srv, url := startServer(t, h, Options{})
	ws := dial(t, url)
	readFrame(t, ws)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	expectClosed(t, ws)
}

type nopStore struct{}

func (nopStore) EnsureTenant(context.Context, string, string) error          { return nil }
func (nopStore) InsertGateway(context.Context, string, string, string) error { return nil }
func (nopStore) UpsertGatewayStatus(context.Context, string, model.GatewayStatus) error {
	return nil
}
func (nopStore) SetGatewayDisconnected(context.Context, string, string, time.Time) error {
	return nil
}
func (nopStore) LookupTag(context.Context, string, string) (model.Tag, error) {
	return model.Tag{}, nil
}
func (nopStore) InsertSensingSample(context.Context, string, model.TagSample) error { return nil }

type staticResolver string

func (r staticResolver) Resolve(context.Context, string) (string, error) { return string(r), nil }

type nopLocator struct{}

func (nopLocator) Apply(context.Context, string, model.Tag, model.TagSample) error { return nil }

func TestSecondIdentityReplacesFirstConnection(t *testing.T) {
	reg := registry.New(testLogger())
	disp := ingest.NewDispatcher(nopStore{}, staticResolver("acme"), nopLocator{}, reg, testLogger(), metrics.New(nil), ingest.Options{})
	_, url := startServer(t, disp, Options{})

	identity, err := protocol.EncodeGatewayIdentity(model.GatewayIdentity{GatewayID: "AA:BB:CC:00:00:01"}, protocol.DirResponse)
	require.NoError(t, err)

	first := dial(t, url)
	readFrame(t, first)
	require.NoError(t, first.WriteMessage(websocket.BinaryMessage, identity))
	assert.Equal(t, protocol.IdentityAck(), readFrame(t, first))

	second := dial(t, url)
	readFrame(t, second)
	require.NoError(t, second.WriteMessage(websocket.BinaryMessage, identity))
	assert.Equal(t, protocol.IdentityAck(), readFrame(t, second))

	expectClosed(t, first)

	e, ok := reg.Lookup("AA:BB:CC:00:00:01")
	require.True(t, ok)
	assert.Equal(t, 1, reg.Len())

	// the replaced session's close must not evict the new holder
	require.Never(t, func() bool { return reg.Len() == 0 }, 200*time.Millisecond, 20*time.Millisecond)
	e2, _ := reg.Lookup("AA:BB:CC:00:00:01")
	assert.Equal(t, e.Conn.ID(), e2.Conn.ID())
}
