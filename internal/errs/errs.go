// Package errs holds the error taxonomy shared by the server, the channel
// client and the reconciler.
package errs

import "errors"

// Surfaced to the initiating user.
var (
	ErrInvalidCode    = errors.New("invalid room code")
	ErrRoomNotFound   = errors.New("room not found")
	ErrRoomExists     = errors.New("room already exists")
	ErrChannelTimeout = errors.New("channel request timed out")
)

// Never shown to anyone but the local process.
var (
	ErrUnauthorized   = errors.New("not the room host")
	ErrMediaPlayback  = errors.New("media playback error")
	ErrThrottled      = errors.New("command throttled")
	ErrDuplicate      = errors.New("duplicate player state")
	ErrStaleState     = errors.New("stale playback state")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Wire codes carried in failed acks.
const (
	CodeInvalidCode    = "InvalidCode"
	CodeRoomNotFound   = "RoomNotFound"
	CodeRoomExists     = "RoomExists"
	CodeUnauthorized   = "Unauthorized"
	CodeChannelTimeout = "ChannelTimeout"
	CodeInvalidPayload = "InvalidPayload"
	CodeInternal       = "Internal"
)

var byCode = map[string]error{
	CodeInvalidCode:    ErrInvalidCode,
	CodeRoomNotFound:   ErrRoomNotFound,
	CodeRoomExists:     ErrRoomExists,
	CodeUnauthorized:   ErrUnauthorized,
	CodeChannelTimeout: ErrChannelTimeout,
	CodeInvalidPayload: ErrInvalidPayload,
}

// Code maps err to its wire code. Unknown errors are CodeInternal.
func Code(err error) string {
	for code, target := range byCode {
		if errors.Is(err, target) {
			return code
		}
	}
	return CodeInternal
}

// FromCode returns the sentinel for a wire code, or nil if the code is unknown.
func FromCode(code string) error {
	return byCode[code]
}
