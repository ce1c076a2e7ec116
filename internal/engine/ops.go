package engine

import (
	"context"
	"strconv"

	"github.com/lorachat/lorachat/internal/chatdb"
	"github.com/lorachat/lorachat/internal/errors"
	"github.com/lorachat/lorachat/internal/wire"
)

// Operations fall into two classes. Local-only mutations (identity,
// contacts, active chat) touch nothing but the snapshot and work while
// disconnected. Gateway-persisted mutations (chat add/remove/rekey,
// WiFi credentials, message sends) run on the event loop, transmit
// their command packet and — for structural changes — follow it with
// exactly one full snapshot push, so the gateway's copy never lags a
// confirmed change by more than one round trip. They fail immediately
// with ErrNotConnected while the link is down.

// SendMessage allocates the chat's next local sequence number, records
// a pending message and transmits it. Delivery status then moves
// forward only via inbound confirmations. Requires a configured user
// identity.
func (e *Engine) SendMessage(ctx context.Context, chatID int, text string) error {
	return e.submit(ctx, func(ctx context.Context) error {
		e.mu.Lock()

		if !e.db.HasIdentity() {
			e.mu.Unlock()
			return errors.ErrIdentityUnset
		}

		_, seq, ok := e.db.AppendOwnMessage(chatID, text)
		if !ok {
			e.mu.Unlock()
			return errors.ErrChatNotFound
		}

		userID := *e.db.UserID
		e.mu.Unlock()

		e.persistCache()

		return e.writeText(ctx, wire.EncodeSendMsg(chatID, seq, userID, text))
	})
}

// AddChat registers a new chat locally and with the gateway. A
// duplicate id is a no-op with no network traffic.
func (e *Engine) AddChat(ctx context.Context, chatID int, title, key string) error {
	return e.submit(ctx, func(ctx context.Context) error {
		e.mu.Lock()
		added := e.db.AddChat(chatID, title, key)
		e.mu.Unlock()

		if !added {
			return nil
		}

		if err := e.writeText(ctx, wire.Encode(wire.OpAddChat, strconv.Itoa(chatID), key)); err != nil {
			return err
		}

		return e.pushSnapshot(ctx)
	})
}

// RemoveChat unregisters a chat locally and with the gateway. An
// unknown id is a no-op with no network traffic.
func (e *Engine) RemoveChat(ctx context.Context, chatID int) error {
	return e.submit(ctx, func(ctx context.Context) error {
		e.mu.Lock()
		removed := e.db.RemoveChat(chatID)

		if removed && e.activeChat == chatID {
			e.activeChat = noActiveChat
		}
		e.mu.Unlock()

		if !removed {
			return nil
		}

		if err := e.writeText(ctx, wire.Encode(wire.OpDelChat, strconv.Itoa(chatID))); err != nil {
			return err
		}

		return e.pushSnapshot(ctx)
	})
}

// SetChatKey updates a chat's shared key locally and with the gateway.
func (e *Engine) SetChatKey(ctx context.Context, chatID int, key string) error {
	return e.submit(ctx, func(ctx context.Context) error {
		e.mu.Lock()
		ok := e.db.SetChatKey(chatID, key)
		e.mu.Unlock()

		if !ok {
			return nil
		}

		if err := e.writeText(ctx, wire.Encode(wire.OpSetChatKey, strconv.Itoa(chatID), key)); err != nil {
			return err
		}

		return e.pushSnapshot(ctx)
	})
}

// SetChatTitle renames a chat. Titles have no dedicated opcode; the
// gateway learns them through the snapshot push.
func (e *Engine) SetChatTitle(ctx context.Context, chatID int, title string) error {
	return e.submit(ctx, func(ctx context.Context) error {
		e.mu.Lock()
		ok := e.db.SetChatTitle(chatID, title)
		e.mu.Unlock()

		if !ok {
			return nil
		}

		return e.pushSnapshot(ctx)
	})
}

// SetWifiSSID reconfigures the gateway's access point name.
func (e *Engine) SetWifiSSID(ctx context.Context, ssid string) error {
	return e.submit(ctx, func(ctx context.Context) error {
		e.mu.Lock()
		e.db.SetWifiSSID(ssid)
		e.mu.Unlock()

		if err := e.writeText(ctx, wire.Encode(wire.OpSetWifiSSID, ssid)); err != nil {
			return err
		}

		return e.pushSnapshot(ctx)
	})
}

// SetWifiKey reconfigures the gateway's access point key.
func (e *Engine) SetWifiKey(ctx context.Context, key string) error {
	return e.submit(ctx, func(ctx context.Context) error {
		e.mu.Lock()
		e.db.SetWifiKey(key)
		e.mu.Unlock()

		if err := e.writeText(ctx, wire.Encode(wire.OpSetWifiKey, key)); err != nil {
			return err
		}

		return e.pushSnapshot(ctx)
	})
}

// RequestSnapshotSave pushes the full snapshot to the gateway for
// backup. The gateway answers with a save acknowledgement.
func (e *Engine) RequestSnapshotSave(ctx context.Context) error {
	return e.submit(ctx, e.pushSnapshot)
}

// --- local-only mutations ---

// SetActiveChat marks the chat the user is currently looking at and
// zeroes its unread counter. Pass ChatNone to close the open chat.
// Inbound messages for the active chat never increment unread.
func (e *Engine) SetActiveChat(chatID int) {
	e.mu.Lock()
	e.activeChat = chatID
	e.db.ClearUnread(chatID)
	e.mu.Unlock()

	e.persistCache()
}

// ChatNone is the SetActiveChat argument for "no chat open".
const ChatNone = noActiveChat

// SetUserID configures the local radio address. Required before any
// outbound send.
func (e *Engine) SetUserID(id int) {
	e.mu.Lock()
	e.db.SetUserID(id)
	e.mu.Unlock()

	e.persistCache()
}

// SetUsername configures the local display name.
func (e *Engine) SetUsername(name string) {
	e.mu.Lock()
	e.db.SetUsername(name)
	e.mu.Unlock()

	e.persistCache()
}

// AddContact saves a peer's name against its radio address.
func (e *Engine) AddContact(id int, name string) bool {
	e.mu.Lock()
	ok := e.db.AddContact(id, name)
	e.mu.Unlock()

	if ok {
		e.persistCache()
	}

	return ok
}

// RenameContact changes a saved contact's name.
func (e *Engine) RenameContact(id int, name string) bool {
	e.mu.Lock()
	ok := e.db.RenameContact(id, name)
	e.mu.Unlock()

	if ok {
		e.persistCache()
	}

	return ok
}

// RebindContact moves a contact to a new radio address, keeping the
// name. Used when a peer's numeric address changes.
func (e *Engine) RebindContact(oldID, newID int) bool {
	e.mu.Lock()
	ok := e.db.RebindContact(oldID, newID)
	e.mu.Unlock()

	if ok {
		e.persistCache()
	}

	return ok
}

// RemoveContact deletes a saved contact.
func (e *Engine) RemoveContact(id int) bool {
	e.mu.Lock()
	ok := e.db.RemoveContact(id)
	e.mu.Unlock()

	if ok {
		e.persistCache()
	}

	return ok
}

// --- read API ---

// ChatSummary is a read-only view of one chat for list rendering.
type ChatSummary struct {
	ID     int
	Title  string
	Unread int
}

// Chats returns summaries of all chats in database order.
func (e *Engine) Chats() []ChatSummary {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]ChatSummary, 0, len(e.db.Chats))
	for _, c := range e.db.Chats {
		out = append(out, ChatSummary{ID: c.ID, Title: c.Title, Unread: c.Unread})
	}

	return out
}

// ChatTitle returns a chat's title and whether the chat exists.
func (e *Engine) ChatTitle(chatID int) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.db.Chat(chatID)
	if c == nil {
		return "", false
	}

	return c.Title, true
}

// ChatMessages returns a copy of a chat's message sequence.
func (e *Engine) ChatMessages(chatID int) ([]chatdb.Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.db.Chat(chatID)
	if c == nil {
		return nil, false
	}

	out := make([]chatdb.Message, len(c.Messages))
	copy(out, c.Messages)

	return out, true
}

// Unread returns a chat's unread counter, zero for unknown chats.
func (e *Engine) Unread(chatID int) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.db.Unread(chatID)
}

// ContactName resolves a peer id to its saved name, falling back to
// the numeric id.
func (e *Engine) ContactName(id int) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.db.ContactName(id)
}
