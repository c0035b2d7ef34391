package chatsync

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error codes surfaced to the UI.
const (
	CodeLoadChatsFailed     = "LOAD_CHATS_FAILED"
	CodeLoadMessagesFailed  = "LOAD_MESSAGES_FAILED"
	CodeCreateChatFailed    = "CREATE_CHAT_FAILED"
	CodeUpdateChatFailed    = "UPDATE_CHAT_FAILED"
	CodeSendMessageFailed   = "SEND_MESSAGE_FAILED"
	CodeEditMessageFailed   = "EDIT_MESSAGE_FAILED"
	CodeRecallMessageFailed = "RECALL_MESSAGE_FAILED"
	CodeReactMessageFailed  = "REACT_MESSAGE_FAILED"
)

var (
	// ErrNoCredential is returned by a CredentialSource that has no token.
	ErrNoCredential = errors.New("no credential available")
	// ErrNoChatSelected is returned by chat-scoped operations without a
	// selected chat.
	ErrNoChatSelected = errors.New("no chat selected")
	// ErrMessageNotFound is returned when the message is not in the loaded
	// page of the selected chat.
	ErrMessageNotFound = errors.New("message not found")
	// ErrInvalidTransition is returned when a message cannot move to the
	// requested status.
	ErrInvalidTransition = errors.New("invalid message status transition")
)

// AuthError means no valid credential was available for the call. It is
// never retried.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Err.Error()
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientError is a retryable failure: the network or the gateway's
// execution environment was unavailable.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway unavailable (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return "gateway unreachable: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// LogicError is a rejection by the remote side. It is surfaced unchanged and
// never retried.
type LogicError struct {
	StatusCode int
	APIError
}

func (e *LogicError) Error() string {
	return e.APIError.Error()
}

// OpError is what the store surfaces for a failed operation: a stable code,
// a message suitable for display, and the underlying cause.
type OpError struct {
	Code    string
	Message string
	Cause   error
}

func (e *OpError) Error() string {
	return e.Code + ": " + e.Message
}

func (e *OpError) Unwrap() error { return e.Cause }

func newOpError(code string, cause error) *OpError {
	msg := cause.Error()
	var logic *LogicError
	if errors.As(cause, &logic) && logic.Message != "" {
		msg = logic.Message
	}
	return &OpError{Code: code, Message: msg, Cause: cause}
}

// IsTransient reports whether err is, or wraps, a *TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsAuth reports whether err is, or wraps, an *AuthError.
func IsAuth(err error) bool {
	var a *AuthError
	return errors.As(err, &a)
}

// IsLogic reports whether err is, or wraps, a *LogicError.
func IsLogic(err error) bool {
	var l *LogicError
	return errors.As(err, &l)
}
