// Package store is the Session Store and Presence Tracker. Rooms, their
// members and every connection's presence live in Redis with a TTL; nothing
// here keeps room state in process memory.
package store

import (
	"context"
	"time"

	"sync-service/internal/protocol"
)

// Store is the narrow repository the lifecycle manager and the broadcast
// authority work against.
type Store interface {
	// CreateRoom registers code with requester as host and only member.
	// created is false if the code was already registered.
	CreateRoom(ctx context.Context, code, requester string, now time.Time) (created bool, err error)
	// GetRoom reads the current record. errs.ErrRoomNotFound if absent.
	GetRoom(ctx context.Context, code string) (*Room, error)
	// Exists is a read-only lookup; it never refreshes TTL.
	Exists(ctx context.Context, code string) (bool, error)

	// AddMember adds requester to the room and records its presence. A room
	// left without a member host gets one. errs.ErrRoomNotFound if the room
	// is gone.
	AddMember(ctx context.Context, code, requester string, now time.Time) (Join, error)
	// RemoveMember removes requester and its presence, deleting the room when
	// it empties and electing a new host when the host left.
	RemoveMember(ctx context.Context, code, requester string, now time.Time) (Removal, error)

	// SaveState replaces the room's playback state unless it is older than the
	// stored one (errs.ErrStaleState).
	SaveState(ctx context.Context, code string, st protocol.PlaybackState, now time.Time) error
	// SaveVideo records the loaded media without storing a position.
	SaveVideo(ctx context.Context, code, videoID string, now time.Time) error
	Touch(ctx context.Context, code string, now time.Time) error
	DeleteRoom(ctx context.Context, code string) error

	// AcquireWindow reports whether a throttle window for key was free and,
	// if so, occupies it for window.
	AcquireWindow(ctx context.Context, key string, window time.Duration) (bool, error)

	ListRoomCodes(ctx context.Context) ([]string, error)
	DropFromIndex(ctx context.Context, code string) error
	// MarkEmpty stamps the first time the sweeper saw the room empty and
	// returns that stamp. It never creates a record; errs.ErrRoomNotFound if
	// the room is gone.
	MarkEmpty(ctx context.Context, code string, now time.Time) (time.Time, error)
	ClearEmpty(ctx context.Context, code string) error

	Presence
}

// Presence maps a connection to the one room it occupies.
type Presence interface {
	RecordPresence(ctx context.Context, conn, code string) error
	// GetRoomFor returns "" when the connection is in no room.
	GetRoomFor(ctx context.Context, conn string) (string, error)
	ClearPresence(ctx context.Context, conn string) error
}

// Room is the stored session record. Members are ordered by join time.
type Room struct {
	Code         string
	Host         string
	Members      []string
	State        *protocol.PlaybackState
	VideoID      string
	CreatedAt    time.Time
	LastActivity time.Time
	EmptySince   time.Time
}

// HasMember reports whether id is in the participant set.
func (r *Room) HasMember(id string) bool {
	for _, m := range r.Members {
		if m == id {
			return true
		}
	}
	return false
}

// View converts the record to its wire form.
func (r *Room) View() *protocol.Room {
	members := make([]string, len(r.Members))
	copy(members, r.Members)
	var st *protocol.PlaybackState
	if r.State != nil {
		cp := *r.State
		st = &cp
	}
	return &protocol.Room{
		Code:             r.Code,
		HostID:           r.Host,
		Participants:     members,
		ParticipantCount: len(members),
		CurrentTrack:     st,
		VideoID:          r.VideoID,
		CreatedAt:        r.CreatedAt.UnixMilli(),
		LastActivity:     r.LastActivity.UnixMilli(),
	}
}

// Join describes the outcome of AddMember.
type Join struct {
	Count int
	// Added is false if requester was already a member.
	Added bool
	// NewHost is set when the room had no member host and one was elected.
	NewHost string
}

// Removal describes the outcome of RemoveMember.
type Removal struct {
	// Removed is false if the connection was not a member.
	Removed   bool
	Remaining int
	// Deleted is true when the room stopped existing.
	Deleted bool
	// NewHost is set when the leaving connection was the host.
	NewHost string
}

var _ Store = (*RedisStore)(nil)
