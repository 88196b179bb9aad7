// Package protocol defines the frames exchanged over the duplex channel and
// the envelopes the server fans out between instances.
package protocol

import (
	"encoding/json"
	"regexp"
)

// Client -> server requests.
const (
	TypeCreateRoom    = "create-room"
	TypeJoinRoom      = "join-room"
	TypeLeaveRoom     = "leave-room"
	TypeSyncPlay      = "sync-play"
	TypeSyncPause     = "sync-pause"
	TypeSyncSeek      = "sync-seek"
	TypeSyncVideoLoad = "sync-video-load"
	TypePing          = "ping"
)

// Server -> client frames.
const (
	TypeAck           = "ack"
	TypeWelcome       = "welcome"
	TypePong          = "pong"
	TypePlaybackSync  = "playback-sync"
	TypeVideoLoadSync = "video-load-sync"
	TypeUserJoined    = "user-joined"
	TypeUserLeft      = "user-left"
	TypeHostChanged   = "host-changed"
	TypeRoomClosed    = "room-closed"
)

var codeRe = regexp.MustCompile(`^[A-Z0-9]{4,10}$`)

// ValidCode reports whether code is 4-10 uppercase letters or digits.
func ValidCode(code string) bool {
	return codeRe.MatchString(code)
}

// Frame is the single JSON shape carried on the channel. ID is set on
// requests that expect an ack and echoed on the ack.
type Frame struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame marshals payload into a frame.
func NewFrame(id, typ string, payload any) (Frame, error) {
	f := Frame{ID: id, Type: typ}
	if payload == nil {
		return f, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return f, err
	}
	f.Payload = b
	return f, nil
}

// PlaybackState is the authoritative snapshot of a room's player.
// Timestamp is unix milliseconds observed by the server.
type PlaybackState struct {
	VideoID     string  `json:"videoId"`
	CurrentTime float64 `json:"currentTime"`
	IsPlaying   bool    `json:"isPlaying"`
	Timestamp   int64   `json:"timestamp"`
}

// Room is the client-facing view of a session.
type Room struct {
	Code             string         `json:"code"`
	HostID           string         `json:"hostId"`
	Participants     []string       `json:"participants"`
	ParticipantCount int            `json:"participantCount"`
	CurrentTrack     *PlaybackState `json:"currentTrack"`
	VideoID          string         `json:"videoId,omitempty"`
	CreatedAt        int64          `json:"createdAt"`
	LastActivity     int64          `json:"lastActivity"`
}

// RoomRequest is the payload of create-room and join-room.
type RoomRequest struct {
	RoomCode string `json:"roomCode"`
}

// SyncRequest is the payload of the sync-* requests. IsPlaying is only
// meaningful for sync-seek.
type SyncRequest struct {
	VideoID     string  `json:"videoId"`
	CurrentTime float64 `json:"currentTime"`
	IsPlaying   bool    `json:"isPlaying"`
}

// Ack answers create-room and join-room.
type Ack struct {
	Success bool   `json:"success"`
	Room    *Room  `json:"room,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

type Welcome struct {
	ConnectionID string `json:"connectionId"`
	Now          int64  `json:"now"`
}

type VideoLoadSync struct {
	VideoID   string `json:"videoId"`
	Timestamp int64  `json:"timestamp"`
}

type UserJoined struct {
	UserID           string `json:"userId"`
	RoomCode         string `json:"roomCode"`
	ParticipantCount int    `json:"participantCount"`
}

type UserLeft struct {
	UserID           string `json:"userId"`
	RoomCode         string `json:"roomCode"`
	ParticipantCount int    `json:"participantCount"`
}

type HostChanged struct {
	NewHostID string `json:"newHostId"`
	RoomCode  string `json:"roomCode"`
}

// RoomClosed tells the remaining connections that the room was removed
// by expiry. Reason is "expired", "idle" or "empty".
type RoomClosed struct {
	RoomCode string `json:"roomCode"`
	Reason   string `json:"reason"`
}

// Envelope is what one instance publishes for every instance to deliver to
// its local connections in Room. Exclude skips one connection, usually the
// sender.
type Envelope struct {
	Room    string          `json:"room"`
	Exclude string          `json:"exclude,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into an envelope for room.
func NewEnvelope(room, exclude, event string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Room: room, Exclude: exclude, Event: event, Payload: b}, nil
}

// Frame converts the envelope into the frame sent to each recipient.
func (e Envelope) Frame() Frame {
	return Frame{Type: e.Event, Payload: e.Payload}
}
