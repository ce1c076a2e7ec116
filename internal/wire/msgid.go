package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// msgIDSeparator joins the parts of a composite message id. Authors and
// ids are non-negative integers, so it can never appear inside a part.
const msgIDSeparator = "-"

// FormatMessageID renders the (chat, author, local sequence) triple as
// the stable string key used for GUI addressing and out-of-band status
// updates: "chat-author-msg".
func FormatMessageID(chatID, author, msgID int) string {
	return strconv.Itoa(chatID) + msgIDSeparator +
		strconv.Itoa(author) + msgIDSeparator +
		strconv.Itoa(msgID)
}

// ParseMessageID splits a composite message id back into its triple.
func ParseMessageID(id string) (chatID, author, msgID int, err error) {
	parts := strings.Split(id, msgIDSeparator)
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("parsing message id %q: want 3 parts, got %d", id, len(parts))
	}

	nums := make([]int, 3)

	for i, p := range parts {
		n, convErr := strconv.Atoi(p)
		if convErr != nil {
			return 0, 0, 0, fmt.Errorf("parsing message id %q: %w", id, convErr)
		}

		if n < 0 {
			return 0, 0, 0, fmt.Errorf("parsing message id %q: negative component", id)
		}

		nums[i] = n
	}

	return nums[0], nums[1], nums[2], nil
}
