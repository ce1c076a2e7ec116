package e2e_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/lorachat/lorachat/internal/chatdb"
	"github.com/lorachat/lorachat/internal/engine"
	"github.com/lorachat/lorachat/internal/state"
)

const frameTimeout = 5 * time.Second

// gatewaySnapshot is the database the scripted gateway hands out on a
// database request: one contact, one empty chat, identity configured.
const gatewaySnapshot = `{
	"user_id":7,"username":"alice",
	"wifi_ssid":"LoRaChat","wifi_key":"",
	"contacts":[{"id":1,"name":"Bob"}],
	"chats":[{"id":42,"title":"Bob","key":"k1","unread":0,"id_counter":0,"messages":[]}]
}`

// gateway is a scripted LoRa gateway: a real WebSocket server that
// hands each accepted connection to the test for frame-level scripting.
type gateway struct {
	URL   string
	conns chan *gwConn
}

func newGateway(t *testing.T) *gateway {
	t.Helper()

	g := &gateway{conns: make(chan *gwConn, 4)}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		gc := &gwConn{conn: c, frames: make(chan string, 32)}
		go gc.readLoop()

		g.conns <- gc
	}))
	t.Cleanup(ts.Close)

	g.URL = "ws" + strings.TrimPrefix(ts.URL, "http")

	return g
}

// accept waits for the engine to dial in and returns the scripted
// server side of the connection.
func (g *gateway) accept(t *testing.T) *gwConn {
	t.Helper()

	select {
	case c := <-g.conns:
		return c
	case <-time.After(frameTimeout):
		t.Fatal("timed out waiting for the client to connect")
		return nil
	}
}

type gwConn struct {
	conn   *websocket.Conn
	frames chan string
}

func (c *gwConn) readLoop() {
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			close(c.frames)
			return
		}

		c.frames <- string(data)
	}
}

// next returns the next frame the client sent, failing the test if the
// connection closes or nothing arrives in time.
func (c *gwConn) next(t *testing.T) string {
	t.Helper()

	select {
	case f, ok := <-c.frames:
		require.True(t, ok, "client connection closed while waiting for a frame")
		return f
	case <-time.After(frameTimeout):
		t.Fatal("timed out waiting for a frame from the client")
		return ""
	}
}

func (c *gwConn) send(t *testing.T, frame string) {
	t.Helper()

	require.NoError(t, c.conn.Write(context.Background(), websocket.MessageText, []byte(frame)))
}

// drop severs the connection from the gateway side, as a dying radio
// link would.
func (c *gwConn) drop() {
	_ = c.conn.Close(websocket.StatusGoingAway, "link lost")
}

// --- engine-side event recording ---

type statusChange struct {
	messageID string
	status    chatdb.Status
}

// recorder funnels engine events into channels so tests can block on
// "the engine has processed X" instead of polling.
type recorder struct {
	messages  chan chatdb.Message
	attention chan int
	statuses  chan statusChange
	loaded    chan struct{}
	saved     chan struct{}
	states    chan engine.ConnState
	errs      chan error
}

func newRecorder() *recorder {
	return &recorder{
		messages:  make(chan chatdb.Message, 32),
		attention: make(chan int, 32),
		statuses:  make(chan statusChange, 32),
		loaded:    make(chan struct{}, 4),
		saved:     make(chan struct{}, 4),
		states:    make(chan engine.ConnState, 32),
		errs:      make(chan error, 32),
	}
}

func (r *recorder) MessageReceived(_ int, msg chatdb.Message) { r.messages <- msg }
func (r *recorder) ChatNeedsAttention(chatID int, _ int)      { r.attention <- chatID }
func (r *recorder) MessageStatusChanged(_ int, id string, s chatdb.Status) {
	r.statuses <- statusChange{messageID: id, status: s}
}
func (r *recorder) SnapshotLoaded()                           { r.loaded <- struct{}{} }
func (r *recorder) SnapshotSaved()                            { r.saved <- struct{}{} }
func (r *recorder) ConnectionStateChanged(s engine.ConnState) { r.states <- s }
func (r *recorder) ProtocolError(err error)                   { r.errs <- err }

func waitOn[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(frameTimeout):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

// --- full stack harness ---

// harness runs the real engine over a real WebSocket against the
// scripted gateway, with a bbolt cache underneath.
type harness struct {
	gw     *gateway
	eng    *engine.Engine
	events *recorder
	store  *state.Store

	cancel   context.CancelFunc
	done     chan error
	stopOnce sync.Once
	runErr   error
}

// stop shuts the engine down and returns Run's result. Idempotent, so
// tests that assert on shutdown coexist with the cleanup hook.
func (h *harness) stop() error {
	h.stopOnce.Do(func() {
		h.cancel()
		h.runErr = <-h.done
	})

	return h.runErr
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	gw := newGateway(t)

	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rec := newRecorder()
	eng := engine.NewEngine(engine.Config{
		GatewayURL:     gw.URL,
		ReconnectDelay: 10 * time.Millisecond,
		Events:         rec,
		Store:          store,
	}, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- eng.Run(ctx)
	}()

	h := &harness{
		gw:     gw,
		eng:    eng,
		events: rec,
		store:  store,
		cancel: cancel,
		done:   done,
	}
	t.Cleanup(func() { _ = h.stop() })

	return h
}

// bootstrap walks the harness through the standard connect sequence:
// accept, answer the database request, confirm the snapshot landed.
// Returns the live gateway-side connection.
func (h *harness) bootstrap(t *testing.T) *gwConn {
	t.Helper()

	conn := h.gw.accept(t)
	require.Equal(t, "4|", conn.next(t))
	require.Equal(t, "13|", conn.next(t))

	conn.send(t, `{"type":6,"db":`+gatewaySnapshot+`}`)
	waitOn(t, h.events.loaded, "snapshot load")

	return conn
}
