package engine

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/mock/gomock"

	"github.com/lorachat/lorachat/internal/chatdb"
)

// eventRecorder captures every engine event for assertions. Safe for
// concurrent use: the engine emits from its own goroutines.
type eventRecorder struct {
	mu sync.Mutex
	recorded
}

// recorded holds the events seen so far, copied out via snapshot.
type recorded struct {
	received    []receivedEvent
	attention   []attentionEvent
	statuses    []statusEvent
	loaded      int
	saved       int
	states      []ConnState
	protoErrors []error
}

type receivedEvent struct {
	chatID int
	msg    chatdb.Message
}

type attentionEvent struct {
	chatID int
	unread int
}

type statusEvent struct {
	chatID    int
	messageID string
	status    chatdb.Status
}

func (r *eventRecorder) MessageReceived(chatID int, msg chatdb.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, receivedEvent{chatID: chatID, msg: msg})
}

func (r *eventRecorder) ChatNeedsAttention(chatID int, unread int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attention = append(r.attention, attentionEvent{chatID: chatID, unread: unread})
}

func (r *eventRecorder) MessageStatusChanged(chatID int, messageID string, status chatdb.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, statusEvent{chatID: chatID, messageID: messageID, status: status})
}

func (r *eventRecorder) SnapshotLoaded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded++
}

func (r *eventRecorder) SnapshotSaved() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved++
}

func (r *eventRecorder) ConnectionStateChanged(state ConnState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *eventRecorder) ProtocolError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.protoErrors = append(r.protoErrors, err)
}

func (r *eventRecorder) snapshot() recorded {
	r.mu.Lock()
	defer r.mu.Unlock()

	return recorded{
		received:    append([]receivedEvent(nil), r.received...),
		attention:   append([]attentionEvent(nil), r.attention...),
		statuses:    append([]statusEvent(nil), r.statuses...),
		loaded:      r.loaded,
		saved:       r.saved,
		states:      append([]ConnState(nil), r.states...),
		protoErrors: append([]error(nil), r.protoErrors...),
	}
}

// newTestEngine builds an engine with a recorder, no store and no
// transport. Tests wire a conn or dialer as needed.
func newTestEngine(t *testing.T) (*Engine, *eventRecorder) {
	t.Helper()

	rec := &eventRecorder{}
	e := NewEngine(Config{
		GatewayURL:     "ws://gateway.test",
		ReconnectDelay: 5 * time.Millisecond,
		Events:         rec,
	}, slog.Default())

	return e, rec
}

// seedChat gives the engine an identity and one chat, mirroring a
// freshly bootstrapped database.
func seedChat(e *Engine, chatID int) {
	e.db.SetUserID(7)
	e.db.SetUsername("alice")
	e.db.AddChat(chatID, "Bob", "k1")
	e.db.AddContact(1, "Bob")
}

// startLoop runs the event loop against the given conn and returns a
// stop function. Stopping cancels the per-connection context, which
// ends the loop without triggering the teardown snapshot push.
func startLoop(t *testing.T, e *Engine, conn Conn) (stop func()) {
	t.Helper()

	e.conn = conn
	e.setConnected(true)
	e.inboundCh = make(chan inboundMsg, inboundChanSize)

	connCtx, connCancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		_ = e.eventLoop(context.Background(), connCtx)
		close(done)
	}()

	return func() {
		connCancel()
		<-done
		e.setConnected(false)
	}
}

// captureWrites lets the mock accept any number of text writes and
// records each payload. Returned getter is safe to call while the
// loop is running.
func captureWrites(mock *MockConn) func() []string {
	var mu sync.Mutex

	var writes []string

	mock.EXPECT().
		Write(gomock.Any(), websocket.MessageText, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ websocket.MessageType, p []byte) error {
			mu.Lock()
			defer mu.Unlock()
			writes = append(writes, string(p))

			return nil
		}).
		AnyTimes()

	return func() []string {
		mu.Lock()
		defer mu.Unlock()

		return append([]string(nil), writes...)
	}
}

// --- scripted transport for Run-level tests ---

type readResult struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// fakeConn is a scripted connection: reads are fed through a channel,
// writes are recorded. Used where Run needs several connections in
// sequence, which gets unwieldy with gomock.
type fakeConn struct {
	mu     sync.Mutex
	writes []string
	reads  chan readResult
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan readResult, 16)}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case r := <-c.reads:
		return r.typ, r.data, r.err
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, string(p))

	return nil
}

func (c *fakeConn) Close(websocket.StatusCode, string) error {
	return nil
}

func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.writes...)
}

func (c *fakeConn) feed(frame string) {
	c.reads <- readResult{typ: websocket.MessageText, data: []byte(frame)}
}

func (c *fakeConn) fail(err error) {
	c.reads <- readResult{err: err}
}

// queueDialer hands out scripted connections in order, then blocks
// until the context is cancelled.
func queueDialer(conns ...*fakeConn) DialFunc {
	ch := make(chan *fakeConn, len(conns))
	for _, c := range conns {
		ch <- c
	}

	return func(ctx context.Context, _ string) (Conn, error) {
		select {
		case c := <-ch:
			return c, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
