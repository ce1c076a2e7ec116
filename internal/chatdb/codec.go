package chatdb

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/lorachat/lorachat/internal/wire"
)

// Encode serializes the snapshot into the interchange format used both
// over the wire (db push/deliver) and for the local cache. There is no
// separate on-disk schema.
func Encode(s *Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}

	return data, nil
}

// Decode parses and validates a snapshot. Malformed snapshots are
// rejected here, at the deserialization boundary, rather than letting
// undefined values propagate into the engine.
func Decode(data []byte) (*Snapshot, error) {
	// "null" and other non-object values unmarshal into a zero
	// Snapshot without error; reject them before they can masquerade
	// as an empty database.
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("decoding snapshot: payload is not a JSON object")
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}

	if err := validate(&s); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}

	// Normalize nil collections so mutation code never branches on them.
	if s.Contacts == nil {
		s.Contacts = []Contact{}
	}

	if s.Chats == nil {
		s.Chats = []*Chat{}
	}

	for _, c := range s.Chats {
		if c.Messages == nil {
			c.Messages = []Message{}
		}
	}

	return &s, nil
}

func validate(s *Snapshot) error {
	seenContacts := make(map[int]struct{}, len(s.Contacts))
	for _, c := range s.Contacts {
		if _, dup := seenContacts[c.ID]; dup {
			return fmt.Errorf("duplicate contact id %d", c.ID)
		}

		seenContacts[c.ID] = struct{}{}
	}

	seenChats := make(map[int]struct{}, len(s.Chats))

	for _, c := range s.Chats {
		if c == nil {
			return fmt.Errorf("null chat entry")
		}

		if _, dup := seenChats[c.ID]; dup {
			return fmt.Errorf("duplicate chat id %d", c.ID)
		}

		seenChats[c.ID] = struct{}{}

		if c.Unread < 0 {
			return fmt.Errorf("chat %d: negative unread counter", c.ID)
		}

		if c.IDCounter < 0 {
			return fmt.Errorf("chat %d: negative id counter", c.ID)
		}

		for _, m := range c.Messages {
			if _, _, _, err := wire.ParseMessageID(m.ID); err != nil {
				return fmt.Errorf("chat %d: %w", c.ID, err)
			}

			if m.Status < StatusPending || m.Status > StatusReceived {
				return fmt.Errorf("chat %d: message %s: invalid status %d", c.ID, m.ID, m.Status)
			}
		}
	}

	return nil
}
