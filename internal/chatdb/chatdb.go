// Package chatdb holds the in-memory chat database: user identity,
// contacts, chats and their message sequences. All operations are pure
// mutations and queries over the Snapshot; networking and persistence
// live elsewhere. Lookups by id treat "not found" as a distinct
// outcome: queries return an ok flag or a fallback, mutations no-op.
package chatdb

import (
	"strconv"

	"github.com/lorachat/lorachat/internal/wire"
)

// Status is the delivery lifecycle of a locally authored message.
// Transitions are monotonic forward-only; see Chat.AdvanceStatus.
type Status int

const (
	StatusPending  Status = 0 // queued locally, not yet on the air
	StatusSent     Status = 1 // gateway confirmed radio transmission
	StatusReceived Status = 2 // peer confirmed receipt
)

// Contact is a known peer. The numeric id is the peer's radio address
// and may be rebound to a new value while keeping the name.
type Contact struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Message is a single chat message. ID is the composite key
// "chat-author-msg" and never changes; Status is the only field
// mutated after creation, and only for Mine messages.
type Message struct {
	ID     string `json:"id"`
	Mine   bool   `json:"mine"`
	Author int    `json:"author"`
	Text   string `json:"text"`
	Status Status `json:"status"`
}

// Chat owns an ordered message sequence. IDCounter is the sole source
// of local message sequence numbers for this chat and never decreases.
type Chat struct {
	ID        int       `json:"id"`
	Title     string    `json:"title"`
	Key       string    `json:"key"`
	Unread    int       `json:"unread"`
	IDCounter int       `json:"id_counter"`
	Messages  []Message `json:"messages"`
}

// Snapshot is the full local database: the unit exchanged with the
// gateway for backup and restore. Identity fields are pointers because
// they are unset until the user configures them.
type Snapshot struct {
	UserID   *int      `json:"user_id"`
	Username *string   `json:"username"`
	WifiSSID string    `json:"wifi_ssid"`
	WifiKey  string    `json:"wifi_key"`
	Contacts []Contact `json:"contacts"`
	Chats    []*Chat   `json:"chats"`
}

// defaultWifiSSID matches the gateway's out-of-the-box access point name.
const defaultWifiSSID = "LoRaChat"

// New returns an empty snapshot as created on first run.
func New() *Snapshot {
	return &Snapshot{
		WifiSSID: defaultWifiSSID,
		Contacts: []Contact{},
		Chats:    []*Chat{},
	}
}

// --- identity ---

// HasIdentity reports whether a user id has been configured. Outbound
// sends are rejected until it has.
func (s *Snapshot) HasIdentity() bool {
	return s.UserID != nil
}

// SetUserID configures the local user's radio address.
func (s *Snapshot) SetUserID(id int) {
	s.UserID = &id
}

// SetUsername configures the local display name.
func (s *Snapshot) SetUsername(name string) {
	s.Username = &name
}

// --- chats ---

// Chat returns the chat with the given id, or nil.
func (s *Snapshot) Chat(chatID int) *Chat {
	for _, c := range s.Chats {
		if c.ID == chatID {
			return c
		}
	}

	return nil
}

// AddChat registers a new chat. Adding an id that already exists is a
// no-op and returns false, preserving id uniqueness.
func (s *Snapshot) AddChat(chatID int, title, key string) bool {
	if s.Chat(chatID) != nil {
		return false
	}

	s.Chats = append(s.Chats, &Chat{
		ID:       chatID,
		Title:    title,
		Key:      key,
		Messages: []Message{},
	})

	return true
}

// RemoveChat deletes a chat and its messages. Unknown id is a no-op.
func (s *Snapshot) RemoveChat(chatID int) bool {
	for i, c := range s.Chats {
		if c.ID == chatID {
			s.Chats = append(s.Chats[:i], s.Chats[i+1:]...)
			return true
		}
	}

	return false
}

// SetChatTitle renames a chat. Unknown id is a no-op.
func (s *Snapshot) SetChatTitle(chatID int, title string) bool {
	c := s.Chat(chatID)
	if c == nil {
		return false
	}

	c.Title = title

	return true
}

// SetChatKey replaces a chat's shared key. Unknown id is a no-op.
// The key is an opaque string at this layer; it is stored and
// forwarded to the gateway, never used cryptographically here.
func (s *Snapshot) SetChatKey(chatID int, key string) bool {
	c := s.Chat(chatID)
	if c == nil {
		return false
	}

	c.Key = key

	return true
}

// --- wifi ---

// SetWifiSSID records the gateway access point name.
func (s *Snapshot) SetWifiSSID(ssid string) {
	s.WifiSSID = ssid
}

// SetWifiKey records the gateway access point key.
func (s *Snapshot) SetWifiKey(key string) {
	s.WifiKey = key
}

// --- contacts ---

// Contact returns the contact with the given id and whether it exists.
func (s *Snapshot) Contact(id int) (Contact, bool) {
	for _, c := range s.Contacts {
		if c.ID == id {
			return c, true
		}
	}

	return Contact{}, false
}

// ContactName returns the display name for a peer id, falling back to
// the id itself when the peer is not a saved contact.
func (s *Snapshot) ContactName(id int) string {
	if c, ok := s.Contact(id); ok {
		return c.Name
	}

	return strconv.Itoa(id)
}

// AddContact saves a new contact. Duplicate id is a no-op, false.
func (s *Snapshot) AddContact(id int, name string) bool {
	if _, ok := s.Contact(id); ok {
		return false
	}

	s.Contacts = append(s.Contacts, Contact{ID: id, Name: name})

	return true
}

// RenameContact changes a contact's name. Unknown id is a no-op.
func (s *Snapshot) RenameContact(id int, name string) bool {
	for i := range s.Contacts {
		if s.Contacts[i].ID == id {
			s.Contacts[i].Name = name
			return true
		}
	}

	return false
}

// RebindContact moves a contact to a new radio address, keeping the
// name. Used when a peer's numeric address changes. No-op when the old
// id is unknown or the new id is already taken.
func (s *Snapshot) RebindContact(oldID, newID int) bool {
	if oldID == newID {
		return false
	}

	if _, taken := s.Contact(newID); taken {
		return false
	}

	for i := range s.Contacts {
		if s.Contacts[i].ID == oldID {
			s.Contacts[i].ID = newID
			return true
		}
	}

	return false
}

// RemoveContact deletes a contact. Unknown id is a no-op.
func (s *Snapshot) RemoveContact(id int) bool {
	for i := range s.Contacts {
		if s.Contacts[i].ID == id {
			s.Contacts = append(s.Contacts[:i], s.Contacts[i+1:]...)
			return true
		}
	}

	return false
}

// --- messages ---

// AppendRemoteMessage records a message authored by a peer. Remote
// messages are created in the terminal received state and never enter
// the delivery state machine. Unknown chat id is a no-op (the chat may
// have been removed locally while the message was buffered).
func (s *Snapshot) AppendRemoteMessage(chatID, author, msgID int, text string) (Message, bool) {
	c := s.Chat(chatID)
	if c == nil {
		return Message{}, false
	}

	m := Message{
		ID:     wire.FormatMessageID(chatID, author, msgID),
		Mine:   false,
		Author: author,
		Text:   text,
		Status: StatusReceived,
	}
	c.Messages = append(c.Messages, m)

	return m, true
}

// AppendOwnMessage allocates the chat's next local sequence number and
// records a pending message authored by the local user. The caller
// must have configured an identity first. Returns the new message and
// its local sequence number.
func (s *Snapshot) AppendOwnMessage(chatID int, text string) (Message, int, bool) {
	c := s.Chat(chatID)
	if c == nil || s.UserID == nil {
		return Message{}, 0, false
	}

	c.IDCounter++
	seq := c.IDCounter

	m := Message{
		ID:     wire.FormatMessageID(chatID, *s.UserID, seq),
		Mine:   true,
		Author: *s.UserID,
		Text:   text,
		Status: StatusPending,
	}
	c.Messages = append(c.Messages, m)

	return m, seq, true
}

// AdvanceStatus moves a locally authored message's delivery status
// forward. Transitions are monotonic: pending→sent on a transmission
// confirmation, pending→received or sent→received on an ack. An ack
// arriving before the sent confirmation still lands on received, and
// the late confirmation is then a no-op. Unknown chat or message id is
// a no-op, not an error — the chat may already be gone locally.
// Returns the applied status and whether anything changed.
func (s *Snapshot) AdvanceStatus(chatID int, messageID string, to Status) (Status, bool) {
	c := s.Chat(chatID)
	if c == nil {
		return 0, false
	}

	for i := range c.Messages {
		m := &c.Messages[i]
		if m.ID != messageID || !m.Mine {
			continue
		}

		if to <= m.Status {
			return m.Status, false
		}

		m.Status = to

		return m.Status, true
	}

	return 0, false
}

// --- unread counters ---

// Unread returns a chat's unread counter, zero for unknown chats.
func (s *Snapshot) Unread(chatID int) int {
	if c := s.Chat(chatID); c != nil {
		return c.Unread
	}

	return 0
}

// IncrementUnread bumps a chat's unread counter and returns the new
// value. Unknown chat id is a no-op.
func (s *Snapshot) IncrementUnread(chatID int) int {
	c := s.Chat(chatID)
	if c == nil {
		return 0
	}

	c.Unread++

	return c.Unread
}

// ClearUnread zeroes a chat's unread counter, as happens when the chat
// becomes the active one.
func (s *Snapshot) ClearUnread(chatID int) {
	if c := s.Chat(chatID); c != nil {
		c.Unread = 0
	}
}
