package engine

import (
	"log/slog"

	"github.com/lorachat/lorachat/internal/chatdb"
)

// ConnState is the connection supervisor's externally visible state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Events is the collaborator-facing notification surface. The UI layer
// implements it to drive chat lists, bubbles and badges; this engine
// never renders anything itself. Implementations are invoked from the
// engine's event loop and must not block; callbacks run with no engine
// lock held, so they may call back into the engine's read API.
type Events interface {
	// MessageReceived fires for every inbound peer message written to
	// the database, active chat or not.
	MessageReceived(chatID int, msg chatdb.Message)

	// ChatNeedsAttention fires when an inbound message lands in a chat
	// that is not the active one: the unread counter was incremented
	// and the UI should reorder the chat list and show a badge.
	ChatNeedsAttention(chatID int, unread int)

	// MessageStatusChanged fires when a locally authored message moves
	// forward in the delivery lifecycle.
	MessageStatusChanged(chatID int, messageID string, status chatdb.Status)

	// SnapshotLoaded fires after the gateway's stored snapshot replaced
	// the local database wholesale.
	SnapshotLoaded()

	// SnapshotSaved fires when the gateway acknowledges persisting a
	// pushed snapshot.
	SnapshotSaved()

	// ConnectionStateChanged fires on every supervisor transition.
	ConnectionStateChanged(state ConnState)

	// ProtocolError fires for each discarded malformed inbound frame.
	// Processing continues; the connection stays up.
	ProtocolError(err error)
}

// NopEvents is an Events implementation that ignores everything.
// Embed it to implement only the callbacks you care about.
type NopEvents struct{}

func (NopEvents) MessageReceived(int, chatdb.Message)             {}
func (NopEvents) ChatNeedsAttention(int, int)                     {}
func (NopEvents) MessageStatusChanged(int, string, chatdb.Status) {}
func (NopEvents) SnapshotLoaded()                                 {}
func (NopEvents) SnapshotSaved()                                  {}
func (NopEvents) ConnectionStateChanged(ConnState)                {}
func (NopEvents) ProtocolError(error)                             {}

// LogEvents logs every event. Used by the daemon entrypoint, where no
// UI collaborator is attached.
type LogEvents struct {
	Logger *slog.Logger
}

func (l LogEvents) MessageReceived(chatID int, msg chatdb.Message) {
	l.Logger.Info("message received",
		slog.Int("chat_id", chatID),
		slog.String("message_id", msg.ID),
		slog.Int("author", msg.Author),
	)
}

func (l LogEvents) ChatNeedsAttention(chatID int, unread int) {
	l.Logger.Info("chat needs attention",
		slog.Int("chat_id", chatID),
		slog.Int("unread", unread),
	)
}

func (l LogEvents) MessageStatusChanged(chatID int, messageID string, status chatdb.Status) {
	l.Logger.Info("message status changed",
		slog.Int("chat_id", chatID),
		slog.String("message_id", messageID),
		slog.Int("status", int(status)),
	)
}

func (l LogEvents) SnapshotLoaded() {
	l.Logger.Info("snapshot loaded from gateway")
}

func (l LogEvents) SnapshotSaved() {
	l.Logger.Info("gateway acknowledged snapshot save")
}

func (l LogEvents) ConnectionStateChanged(state ConnState) {
	l.Logger.Info("connection state changed", slog.String("state", state.String()))
}

func (l LogEvents) ProtocolError(err error) {
	l.Logger.Warn("protocol error", slog.String("error", err.Error()))
}
