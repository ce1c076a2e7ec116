// Package engine owns the connection to the LoRa gateway and keeps the
// local chat database consistent with it across disconnects,
// reconnects and buffered delivery.
//
// Architecture: a reader goroutine feeds inboundCh with raw WebSocket
// frames. A single event loop goroutine (Run) processes inbound frames
// and submitted operations. All writes to the connection happen from
// the event loop, so no write mutex is needed. Snapshot access is
// serialized with a mutex because local-only operations (identity,
// contacts, active chat) and the read API run on caller goroutines.
package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/lorachat/lorachat/internal/chatdb"
	"github.com/lorachat/lorachat/internal/errors"
	"github.com/lorachat/lorachat/internal/state"
	"github.com/lorachat/lorachat/internal/wire"
)

const (
	// defaultReconnectDelay is the fixed wait between reconnect
	// attempts. No backoff growth, no retry cap: the gateway is a
	// single local device, not a shared service to be polite to.
	defaultReconnectDelay = time.Second

	// readLimit bounds inbound frame size. Snapshots dominate; chat
	// history over a LoRa link stays far below this.
	readLimit = 4 * 1024 * 1024

	// inboundChanSize buffers frames from the reader goroutine to the
	// event loop.
	inboundChanSize = 64

	// opChanSize buffers operations submitted to the event loop.
	opChanSize = 16

	// noActiveChat marks the "no chat open" state. Chat ids from the
	// gateway are non-negative.
	noActiveChat = -1
)

// Conn abstracts the WebSocket connection so the engine can be tested
// without a real gateway. *websocket.Conn satisfies this interface via
// the dial function's wrapper.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc opens a connection to the gateway. Injected so tests can
// supply scripted connections.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// Dial is the production DialFunc, backed by coder/websocket.
func Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, fmt.Errorf("dialing gateway: %w", err)
	}

	conn.SetReadLimit(readLimit)

	return conn, nil
}

// inboundMsg wraps a frame read from the connection by the reader
// goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// engineOp is an operation submitted to the event loop by the
// collaborator API. The event loop runs fn and delivers its result.
type engineOp struct {
	fn     func(ctx context.Context) error
	result chan error
}

// Config holds the parameters for an Engine.
type Config struct {
	// GatewayURL is the WebSocket endpoint of the gateway.
	GatewayURL string

	// ReconnectDelay overrides the fixed reconnect wait. Zero means
	// the default of one second.
	ReconnectDelay time.Duration

	// Events receives engine notifications. Nil means NopEvents.
	Events Events

	// Store caches the snapshot locally. Optional.
	Store *state.Store

	// Snapshot seeds the database, typically from the local cache.
	// Nil means an empty first-run snapshot. Seeding from cache does
	// not count as a gateway load: the first successful connection
	// still requests the stored database.
	Snapshot *chatdb.Snapshot

	// Dial overrides the transport. Nil means the production dialer.
	Dial DialFunc
}

// Engine is the synchronization engine: connection supervisor, packet
// dispatch and mutation orchestration over the local chat database.
type Engine struct {
	logger *slog.Logger
	url    string
	delay  time.Duration
	events Events
	store  *state.Store
	dial   DialFunc

	// mu guards db, activeChat, bootstrapped and connected. Never held
	// while emitting events or writing to the connection.
	mu           sync.Mutex
	db           *chatdb.Snapshot
	activeChat   int
	bootstrapped bool
	connected    bool

	conn      Conn
	inboundCh chan inboundMsg
	opCh      chan engineOp
}

// NewEngine creates an Engine from the given config.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}

	events := cfg.Events
	if events == nil {
		events = NopEvents{}
	}

	db := cfg.Snapshot
	if db == nil {
		db = chatdb.New()
	}

	dial := cfg.Dial
	if dial == nil {
		dial = Dial
	}

	return &Engine{
		logger:     logger,
		url:        cfg.GatewayURL,
		delay:      delay,
		events:     events,
		store:      cfg.Store,
		dial:       dial,
		db:         db,
		activeChat: noActiveChat,
		opCh:       make(chan engineOp, opChanSize),
	}
}

// Run supervises the connection for the lifetime of ctx: dial,
// handshake, event loop, and on any transport failure a reconnect
// after a fixed delay, forever. Returns only when ctx is cancelled;
// on the way out it pushes the snapshot to the gateway best-effort.
func (e *Engine) Run(ctx context.Context) error {
	for {
		e.setConnState(StateConnecting)

		conn, err := e.dial(ctx, e.url)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			e.logger.Warn("gateway unreachable",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", e.delay),
			)
			e.setConnState(StateDisconnected)

			if err := e.sleep(ctx); err != nil {
				return err
			}

			continue
		}

		e.conn = conn
		e.setConnected(true)
		e.setConnState(StateConnected)

		err = e.session(ctx, conn)

		e.setConnected(false)
		conn.Close(websocket.StatusGoingAway, "connection lost")

		if ctx.Err() != nil {
			return ctx.Err()
		}

		e.logger.Warn("connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", e.delay),
		)
		e.setConnState(StateDisconnected)

		if err := e.sleep(ctx); err != nil {
			return err
		}
	}
}

// session runs the handshake and event loop for one connection
// instance. Returns the transport error that ended it.
func (e *Engine) session(ctx context.Context, conn Conn) error {
	if err := e.handshake(ctx); err != nil {
		return err
	}

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	e.startReader(connCtx, conn)

	return e.eventLoop(ctx, connCtx)
}

// handshake enforces the bootstrap/replay sequence on every transition
// into connected: a database request when no gateway snapshot has been
// loaded this process lifetime, then a buffered-message request so the
// gateway drains anything it queued while we were offline. Buffered
// messages are not pushed automatically on reconnect.
func (e *Engine) handshake(ctx context.Context) error {
	e.mu.Lock()
	bootstrapped := e.bootstrapped
	e.mu.Unlock()

	if !bootstrapped {
		if err := e.writeText(ctx, wire.Encode(wire.OpDBRequest)); err != nil {
			return fmt.Errorf("requesting database: %w", err)
		}
	}

	if err := e.writeText(ctx, wire.Encode(wire.OpBufferedRequest)); err != nil {
		return fmt.Errorf("requesting buffered messages: %w", err)
	}

	return nil
}

// startReader launches a goroutine that reads from the connection and
// feeds inboundCh. The channel is captured by value so a stale reader
// from a previous connection can never feed the new loop.
func (e *Engine) startReader(connCtx context.Context, conn Conn) {
	ch := make(chan inboundMsg, inboundChanSize)
	e.inboundCh = ch

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// eventLoop processes inbound frames and submitted operations for one
// connection. All connection writes happen here. Returns on transport
// error; on ctx cancellation it first pushes the snapshot best-effort
// (the process is exiting, failures are not retried).
func (e *Engine) eventLoop(ctx context.Context, connCtx context.Context) error {
	for {
		select {
		case msg := <-e.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}

			e.handleInbound(msg.data)

		case op := <-e.opCh:
			err := op.fn(ctx)
			op.result <- err

			if err != nil && !isOperationError(err) {
				// Write failure: the connection is dead.
				return err
			}

		case <-connCtx.Done():
			// connCtx is a child of ctx, so this branch covers both
			// a dead connection and process shutdown. Only the
			// latter gets the teardown push.
			if ctx.Err() != nil {
				e.pushSnapshotBestEffort()
				return ctx.Err()
			}

			return connCtx.Err()
		}
	}
}

// isOperationError reports whether an operation failure is scoped to
// the operation itself rather than the connection.
func isOperationError(err error) bool {
	return stderrors.Is(err, errors.ErrIdentityUnset) ||
		stderrors.Is(err, errors.ErrChatNotFound) ||
		stderrors.Is(err, errors.ErrNotConnected)
}

// handleInbound decodes and dispatches one inbound frame. Decode
// failures discard the frame and surface a protocol error event; they
// never terminate the connection.
func (e *Engine) handleInbound(data []byte) {
	pkt, err := wire.Decode(data)
	if err != nil {
		e.logger.Warn("discarding malformed frame", slog.String("error", err.Error()))
		e.events.ProtocolError(err)

		return
	}

	if pkt == nil {
		// Unrecognized opcode: forward-compatible, ignore.
		e.logger.Debug("ignoring unknown opcode", slog.Int("bytes", len(data)))
		return
	}

	switch pkt.Type {
	case wire.OpNewMessage:
		e.handleNewMessage(pkt)
	case wire.OpAck:
		e.applyStatus(pkt, chatdb.StatusReceived)
	case wire.OpSentConf:
		e.applyStatus(pkt, chatdb.StatusSent)
	case wire.OpDBDeliver:
		e.handleSnapshotDeliver(pkt)
	case wire.OpDBSaveAck:
		e.events.SnapshotSaved()
	}
}

// handleNewMessage writes a peer message into the database and decides
// notification-worthiness: messages for the active chat never bump the
// unread counter; everything else increments it and raises a
// chat-needs-attention event. Re-evaluated per message, never cached.
// A message for a chat removed locally is dropped (lookup miss).
func (e *Engine) handleNewMessage(pkt *wire.Packet) {
	e.mu.Lock()
	msg, ok := e.db.AppendRemoteMessage(pkt.ChatID, pkt.Author, pkt.MsgID, pkt.Text)
	if !ok {
		e.mu.Unlock()
		e.logger.Debug("message for unknown chat dropped", slog.Int("chat_id", pkt.ChatID))

		return
	}

	active := e.activeChat == pkt.ChatID

	unread := 0
	if !active {
		unread = e.db.IncrementUnread(pkt.ChatID)
	}
	e.mu.Unlock()

	e.persistCache()
	e.events.MessageReceived(pkt.ChatID, msg)

	if !active {
		e.events.ChatNeedsAttention(pkt.ChatID, unread)
	}
}

// applyStatus advances a local message's delivery status from an
// inbound confirmation. No match is a no-op: the message may belong to
// a chat already removed locally, or the frame may be a stale
// retransmission behind an earlier ack.
func (e *Engine) applyStatus(pkt *wire.Packet, to chatdb.Status) {
	id := wire.FormatMessageID(pkt.ChatID, pkt.Author, pkt.MsgID)

	e.mu.Lock()
	applied, changed := e.db.AdvanceStatus(pkt.ChatID, id, to)
	e.mu.Unlock()

	if !changed {
		return
	}

	e.persistCache()
	e.events.MessageStatusChanged(pkt.ChatID, id, applied)
}

// handleSnapshotDeliver replaces the local database wholesale with the
// gateway's stored snapshot. A malformed snapshot is rejected at the
// boundary and the current database is kept.
func (e *Engine) handleSnapshotDeliver(pkt *wire.Packet) {
	db, err := chatdb.Decode(pkt.DB)
	if err != nil {
		e.logger.Warn("rejecting malformed snapshot", slog.String("error", err.Error()))
		e.events.ProtocolError(err)

		return
	}

	e.mu.Lock()
	e.db = db
	e.bootstrapped = true
	e.mu.Unlock()

	e.persistCache()
	e.logger.Info("database replaced from gateway snapshot",
		slog.Int("chats", len(db.Chats)),
		slog.Int("contacts", len(db.Contacts)),
	)
	e.events.SnapshotLoaded()
}

// --- write helpers (event loop only) ---

func (e *Engine) writeText(ctx context.Context, packet string) error {
	if err := e.conn.Write(ctx, websocket.MessageText, []byte(packet)); err != nil {
		return fmt.Errorf("writing packet: %w", err)
	}

	return nil
}

// pushSnapshot serializes the database and ships it to the gateway.
func (e *Engine) pushSnapshot(ctx context.Context) error {
	e.mu.Lock()
	data, err := chatdb.Encode(e.db)
	e.mu.Unlock()

	if err != nil {
		return err
	}

	if err := e.writeText(ctx, wire.EncodeDBPush(data)); err != nil {
		return err
	}

	e.persistCache()

	return nil
}

// pushSnapshotBestEffort is the teardown path: the process is exiting,
// so a failed push is logged and abandoned.
func (e *Engine) pushSnapshotBestEffort() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := e.pushSnapshot(ctx); err != nil {
		e.logger.Warn("final snapshot push failed", slog.String("error", err.Error()))
		return
	}

	e.logger.Info("final snapshot pushed to gateway")
}

// persistCache mirrors the current snapshot into the local store.
// Best-effort: cache failures never fail an operation.
func (e *Engine) persistCache() {
	if e.store == nil {
		return
	}

	e.mu.Lock()
	data, err := chatdb.Encode(e.db)
	e.mu.Unlock()

	if err != nil {
		e.logger.Warn("encoding snapshot for cache", slog.String("error", err.Error()))
		return
	}

	if err := e.store.SetSnapshot(data); err != nil {
		e.logger.Warn("caching snapshot", slog.String("error", err.Error()))
	}
}

// --- supervisor helpers ---

func (e *Engine) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

// Connected reports whether the gateway link is currently up.
func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.connected
}

func (e *Engine) setConnState(s ConnState) {
	e.events.ConnectionStateChanged(s)
}

// sleep waits out the fixed reconnect delay, or returns early when ctx
// is cancelled.
func (e *Engine) sleep(ctx context.Context) error {
	timer := time.NewTimer(e.delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// submit hands an operation to the event loop and waits for its
// result. Operations attempted while disconnected fail immediately;
// there is no outbound queue, retry policy belongs to the caller.
func (e *Engine) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if !e.Connected() {
		return errors.ErrNotConnected
	}

	op := engineOp{fn: fn, result: make(chan error, 1)}

	select {
	case e.opCh <- op:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
