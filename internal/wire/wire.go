// Package wire implements the line-oriented opcode protocol spoken
// with the LoRa gateway. Outbound packets use a pipe-delimited command
// format; inbound packets are single JSON objects keyed by "type".
package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Opcode identifies a packet type on the gateway link.
type Opcode int

// Outbound opcodes (client → gateway).
const (
	OpSendMsg         Opcode = 0  // chatId|localMsgId|userId|text
	OpDBRequest       Opcode = 4  // ask gateway for the stored snapshot
	OpDBPush          Opcode = 5  // push local snapshot for backup
	OpAddChat         Opcode = 8  // chatId|key
	OpDelChat         Opcode = 9  // chatId
	OpSetChatKey      Opcode = 10 // chatId|key
	OpSetWifiSSID     Opcode = 11 // ssid
	OpSetWifiKey      Opcode = 12 // key
	OpBufferedRequest Opcode = 13 // replay messages queued while offline
)

// Inbound opcodes (gateway → client).
const (
	OpNewMessage Opcode = 1 // peer sent a message
	OpAck        Opcode = 2 // peer confirms a message was read
	OpSentConf   Opcode = 3 // gateway confirms radio transmission
	OpDBDeliver  Opcode = 6 // gateway returns a stored snapshot
	OpDBSaveAck  Opcode = 7 // gateway persisted a pushed snapshot
)

// delimiter separates fields in outbound command packets. Field values
// must not contain it; callers own that constraint (chat titles and
// message text are documented as delimiter-free, not enforced here).
const delimiter = "|"

// Encode builds an outbound command packet: "opcode|field|field...".
// An opcode with no fields still carries a trailing delimiter, matching
// what the gateway firmware expects for bare requests.
func Encode(op Opcode, fields ...string) string {
	if len(fields) == 0 {
		return strconv.Itoa(int(op)) + delimiter
	}

	parts := make([]string, 0, len(fields)+1)
	parts = append(parts, strconv.Itoa(int(op)))
	parts = append(parts, fields...)

	return strings.Join(parts, delimiter)
}

// EncodeSendMsg builds an opcode-0 packet carrying a new chat message.
func EncodeSendMsg(chatID, localMsgID, userID int, text string) string {
	return Encode(OpSendMsg,
		strconv.Itoa(chatID),
		strconv.Itoa(localMsgID),
		strconv.Itoa(userID),
		text,
	)
}

// EncodeDBPush builds an opcode-5 packet carrying the serialized snapshot.
func EncodeDBPush(snapshot []byte) string {
	return Encode(OpDBPush, string(snapshot))
}

// DecodeError reports a structurally invalid inbound packet. It is
// scoped to the single offending frame; the connection stays up.
type DecodeError struct {
	Reason string
	Raw    string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding packet: %s", e.Reason)
}

// Packet is a decoded inbound frame. Which fields are meaningful
// depends on Type; see the opcode table.
type Packet struct {
	Type   Opcode
	ChatID int
	Author int
	MsgID  int
	Text   string

	// DB carries the raw snapshot object for OpDBDeliver. It is left
	// as JSON so the chatdb layer owns snapshot validation.
	DB json.RawMessage
}

// inboundFrame mirrors the gateway's JSON wire shape. Pointer fields
// distinguish "absent" from zero values so required-key checks work.
type inboundFrame struct {
	Type   *int            `json:"type"`
	ChatID *int            `json:"chatId"`
	Author *int            `json:"author"`
	MsgID  *int            `json:"msgId"`
	Text   *string         `json:"text"`
	DB     json.RawMessage `json:"db"`
}

// Decode parses a single inbound frame. An unrecognized opcode returns
// (nil, nil): forward-compatible additions are ignored, not errors.
// Malformed JSON or a missing required key returns a *DecodeError.
func Decode(raw []byte) (*Packet, error) {
	// Cheap probe before the full unmarshal, so frames without a
	// numeric type field are rejected with a useful reason.
	typ := gjson.GetBytes(raw, "type")
	if !typ.Exists() || typ.Type != gjson.Number {
		return nil, &DecodeError{Reason: "missing or non-numeric type", Raw: string(raw)}
	}

	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, &DecodeError{Reason: err.Error(), Raw: string(raw)}
	}

	op := Opcode(*frame.Type)

	switch op {
	case OpNewMessage:
		if frame.ChatID == nil || frame.Author == nil || frame.MsgID == nil || frame.Text == nil {
			return nil, &DecodeError{Reason: "message frame missing required key", Raw: string(raw)}
		}

		return &Packet{
			Type:   op,
			ChatID: *frame.ChatID,
			Author: *frame.Author,
			MsgID:  *frame.MsgID,
			Text:   *frame.Text,
		}, nil

	case OpAck, OpSentConf:
		if frame.ChatID == nil || frame.Author == nil || frame.MsgID == nil {
			return nil, &DecodeError{Reason: "confirmation frame missing required key", Raw: string(raw)}
		}

		return &Packet{
			Type:   op,
			ChatID: *frame.ChatID,
			Author: *frame.Author,
			MsgID:  *frame.MsgID,
		}, nil

	case OpDBDeliver:
		// A raw length check is not enough: "null" is a valid JSON
		// value that unmarshals into an empty snapshot, which would
		// wipe the local database. Require an actual object.
		if db := gjson.GetBytes(raw, "db"); !db.IsObject() {
			return nil, &DecodeError{Reason: "db deliver frame missing db object", Raw: string(raw)}
		}

		return &Packet{Type: op, DB: frame.DB}, nil

	case OpDBSaveAck:
		return &Packet{Type: op}, nil

	default:
		// Unknown opcode: tolerate forward-compatible additions.
		return nil, nil
	}
}
