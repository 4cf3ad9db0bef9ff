package amqp

import (
	"fmt"

	"github.com/sablecore/amqp-session-go/internal/protocol"
)

// Error represents an AMQP error, either raised locally or decoded from a
// connection.close/channel.close method sent by the server.
type Error struct {
	Code    int
	Reason  string
	Server  bool // true if the error originated from the server
	Recover bool // true if the connection/channel can be recovered
}

func (e *Error) Error() string {
	origin := "client"
	if e.Server {
		origin = "server"
	}
	return fmt.Sprintf("AMQP error %d (%s): %s", e.Code, origin, e.Reason)
}

// Predefined errors matching AMQP reply codes.
var (
	ErrClosed = &Error{
		Code:   protocol.ReplyConnectionForced,
		Reason: "connection closed",
	}

	ErrChannelClosed = &Error{
		Code:   protocol.ReplyChannelError,
		Reason: "channel closed",
	}

	ErrNotFound = &Error{
		Code:   protocol.ReplyNotFound,
		Reason: "resource not found",
		Server: true,
	}

	ErrAccessRefused = &Error{
		Code:   protocol.ReplyAccessRefused,
		Reason: "access refused",
		Server: true,
	}

	ErrPreconditionFailed = &Error{
		Code:   protocol.ReplyPreconditionFailed,
		Reason: "precondition failed",
		Server: true,
	}

	ErrResourceLocked = &Error{
		Code:   protocol.ReplyResourceLocked,
		Reason: "resource locked",
		Server: true,
	}

	ErrFrameError = &Error{
		Code:   protocol.ReplyFrameError,
		Reason: "frame error",
	}

	ErrSyntaxError = &Error{
		Code:   protocol.ReplySyntaxError,
		Reason: "syntax error",
		Server: true,
	}

	ErrCommandInvalid = &Error{
		Code:   protocol.ReplyCommandInvalid,
		Reason: "command invalid",
		Server: true,
	}

	ErrChannelError = &Error{
		Code:   protocol.ReplyChannelError,
		Reason: "channel error",
		Server: true,
	}

	ErrUnexpectedFrame = &Error{
		Code:   protocol.ReplyUnexpectedFrame,
		Reason: "unexpected frame",
		Server: true,
	}

	ErrResourceError = &Error{
		Code:   protocol.ReplyResourceError,
		Reason: "resource error",
		Server: true,
	}

	ErrNotAllowed = &Error{
		Code:   protocol.ReplyNotAllowed,
		Reason: "not allowed",
		Server: true,
	}

	ErrNotImplemented = &Error{
		Code:   protocol.ReplyNotImplemented,
		Reason: "not implemented",
		Server: true,
	}

	ErrInternalError = &Error{
		Code:   protocol.ReplyInternalError,
		Reason: "internal error",
		Server: true,
	}

	ErrContentTooLarge = &Error{
		Code:   protocol.ReplyContentTooLarge,
		Reason: "content too large",
		Server: true,
	}

	ErrNoRoute = &Error{
		Code:   protocol.ReplyNoRoute,
		Reason: "no route",
		Server: true,
	}

	ErrNoConsumers = &Error{
		Code:   protocol.ReplyNoConsumers,
		Reason: "no consumers",
		Server: true,
	}

	// ErrNotInitialized is returned by operations attempted before Setup.
	ErrNotInitialized = &Error{
		Code:   protocol.ReplyInternalError,
		Reason: "session not initialized",
	}

	// ErrProtocolMismatch is returned when the server's connection.start
	// advertises a protocol version this module doesn't speak, or doesn't
	// offer the configured SASL mechanism.
	ErrProtocolMismatch = &Error{
		Code:   protocol.ReplyFrameError,
		Reason: "protocol version mismatch",
	}

	// ErrHeartbeatTimeout is raised when the heartbeat miss window trips.
	ErrHeartbeatTimeout = &Error{
		Code:   protocol.ReplyConnectionForced,
		Reason: "missed too many heartbeats",
	}

	// ErrCancelled is returned when a caller's context is done before an
	// operation completes.
	ErrCancelled = &Error{
		Code:   protocol.ReplyConnectionForced,
		Reason: "operation cancelled",
	}
)

// NewError builds an Error from a reply code and text, inferring Recover
// from the reply code: anything below the 500 range and not a forced
// close is, in principle, recoverable.
func NewError(code int, reason string, server bool) *Error {
	return &Error{
		Code:    code,
		Reason:  reason,
		Server:  server,
		Recover: code != protocol.ReplyConnectionForced && code < 500,
	}
}

// CloseReason describes why a connection or channel is being closed,
// either by this client or in response to the server's close method. Zero
// value defaults to a generic forced close with no text, per the
// close-reason resolution rule: an explicit reason wins, otherwise fall
// back to whatever method was in flight when the close was triggered,
// otherwise connection-forced with an empty reason.
type CloseReason struct {
	ReplyCode uint16
	ReplyText string
	ClassID   uint16
	MethodID  uint16
}

// resolveCloseReason fills in defaults for any zero fields in reason,
// using the method that was outstanding (if any) for ClassID/MethodID.
func resolveCloseReason(reason CloseReason, ongoingClass, ongoingMethod uint16) CloseReason {
	if reason.ReplyCode == 0 {
		reason.ReplyCode = uint16(protocol.ReplyConnectionForced)
	}
	if reason.ClassID == 0 && reason.MethodID == 0 {
		reason.ClassID, reason.MethodID = ongoingClass, ongoingMethod
	}
	return reason
}
