package errors

import "errors"

// Precondition errors. Rejected synchronously with a descriptive
// result; never queued or silently dropped.
var (
	ErrNotConnected  = errors.New("not connected to gateway")
	ErrIdentityUnset = errors.New("user id not configured")
	ErrChatNotFound  = errors.New("chat not found")
)
