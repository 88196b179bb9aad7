// Package room is the Room Lifecycle Manager: create, join, leave and
// lookup on top of the session store, plus the periodic expiry sweep.
package room

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sync-service/internal/errs"
	"sync-service/internal/protocol"
	"sync-service/internal/store"
)

// Option configures a Manager or a Sweeper.
type Option func(*options)

type options struct {
	now      func() time.Time
	onRemove RemoveHook
}

// RemoveHook is told about every room a sweep removes. reason is one of
// ReasonExpired, ReasonIdle or ReasonEmpty.
type RemoveHook func(ctx context.Context, code, reason string)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRemoveHook sets the sweeper's RemoveHook.
func WithRemoveHook(fn RemoveHook) Option {
	return func(o *options) { o.onRemove = fn }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type Manager struct {
	store store.Store
	log   *zap.Logger
	now   func() time.Time
}

func NewManager(st store.Store, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := buildOptions(opts)
	return &Manager{store: st, log: logger, now: o.now}
}

// JoinResult is returned by CreateRoom and JoinRoom. Left is set when the
// requester had to leave another room first.
type JoinResult struct {
	Room *store.Room
	Left *LeaveResult
	// Added is false when the requester was already a member.
	Added bool
	// NewHost is set when the join elected a host for a room that had none.
	NewHost string
}

// LeaveResult describes a completed departure.
type LeaveResult struct {
	Code      string
	UserID    string
	Remaining int
	// NewHost is non-empty when the departing connection was the host.
	NewHost string
	Deleted bool
}

// LookupResult answers the read-only existence query.
type LookupResult struct {
	Exists           bool `json:"exists"`
	ParticipantCount int  `json:"participantCount"`
}

// CreateRoom registers code with requester as host. Creating a room the
// requester already belongs to returns it unchanged apart from activity.
func (m *Manager) CreateRoom(ctx context.Context, code, requester string) (*JoinResult, error) {
	if !protocol.ValidCode(code) {
		return nil, errs.ErrInvalidCode
	}

	left, err := m.leaveOther(ctx, code, requester)
	if err != nil {
		return nil, err
	}
	res := &JoinResult{Left: left}

	// A second attempt covers the room expiring between the failed create and
	// the read that follows it.
	for attempt := 0; attempt < 2; attempt++ {
		created, err := m.store.CreateRoom(ctx, code, requester, m.now())
		if err != nil {
			return nil, err
		}
		if created {
			m.log.Info("room created", zap.String("room_code", code), zap.String("host", requester))
			res.Added = true
			res.Room, err = m.store.GetRoom(ctx, code)
			if err != nil {
				return nil, err
			}
			return res, nil
		}

		r, err := m.store.GetRoom(ctx, code)
		if errors.Is(err, errs.ErrRoomNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !r.HasMember(requester) {
			return nil, errs.ErrRoomExists
		}
		if err := m.store.Touch(ctx, code, m.now()); err != nil {
			return nil, err
		}
		res.Room = r
		return res, nil
	}
	return nil, fmt.Errorf("room: create %s: room vanished during create", code)
}

// JoinRoom adds requester to an existing room and returns the room with its
// current playback state.
func (m *Manager) JoinRoom(ctx context.Context, code, requester string) (*JoinResult, error) {
	if !protocol.ValidCode(code) {
		return nil, errs.ErrInvalidCode
	}

	ok, err := m.store.Exists(ctx, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.ErrRoomNotFound
	}

	left, err := m.leaveOther(ctx, code, requester)
	if err != nil {
		return nil, err
	}

	j, err := m.store.AddMember(ctx, code, requester, m.now())
	if err != nil {
		return nil, err
	}
	r, err := m.store.GetRoom(ctx, code)
	if err != nil {
		return nil, err
	}
	fields := []zap.Field{
		zap.String("room_code", code),
		zap.String("conn_id", requester),
		zap.Int("participants", j.Count),
	}
	if j.NewHost != "" {
		m.log.Info("room joined, host elected", append(fields, zap.String("new_host", j.NewHost))...)
	} else if j.Added {
		m.log.Info("room joined", fields...)
	} else {
		m.log.Debug("room rejoined", fields...)
	}
	return &JoinResult{Room: r, Left: left, Added: j.Added, NewHost: j.NewHost}, nil
}

// LeaveRoom removes requester from whatever room it is in. It returns nil
// without error when the requester is in no room.
func (m *Manager) LeaveRoom(ctx context.Context, requester string) (*LeaveResult, error) {
	code, err := m.store.GetRoomFor(ctx, requester)
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, nil
	}
	return m.leave(ctx, code, requester)
}

// Lookup reports whether a room exists. It never refreshes activity.
func (m *Manager) Lookup(ctx context.Context, code string) (LookupResult, error) {
	if !protocol.ValidCode(code) {
		return LookupResult{}, errs.ErrInvalidCode
	}
	r, err := m.store.GetRoom(ctx, code)
	if errors.Is(err, errs.ErrRoomNotFound) {
		return LookupResult{}, nil
	}
	if err != nil {
		return LookupResult{}, err
	}
	return LookupResult{Exists: true, ParticipantCount: len(r.Members)}, nil
}

// Get returns the stored room record.
func (m *Manager) Get(ctx context.Context, code string) (*store.Room, error) {
	if !protocol.ValidCode(code) {
		return nil, errs.ErrInvalidCode
	}
	return m.store.GetRoom(ctx, code)
}

func (m *Manager) leaveOther(ctx context.Context, code, requester string) (*LeaveResult, error) {
	prev, err := m.store.GetRoomFor(ctx, requester)
	if err != nil {
		return nil, err
	}
	if prev == "" || prev == code {
		return nil, nil
	}
	return m.leave(ctx, prev, requester)
}

func (m *Manager) leave(ctx context.Context, code, requester string) (*LeaveResult, error) {
	rm, err := m.store.RemoveMember(ctx, code, requester, m.now())
	if err != nil {
		return nil, err
	}
	if !rm.Removed {
		m.log.Debug("stale presence cleared", zap.String("room_code", code), zap.String("conn_id", requester))
		return nil, nil
	}

	res := &LeaveResult{
		Code:      code,
		UserID:    requester,
		Remaining: rm.Remaining,
		NewHost:   rm.NewHost,
		Deleted:   rm.Deleted,
	}
	fields := []zap.Field{
		zap.String("room_code", code),
		zap.String("conn_id", requester),
		zap.Int("remaining", rm.Remaining),
	}
	switch {
	case rm.Deleted:
		m.log.Info("room deleted after last leave", fields...)
	case rm.NewHost != "":
		m.log.Info("host failover", append(fields, zap.String("new_host", rm.NewHost))...)
	default:
		m.log.Info("room left", fields...)
	}
	return res, nil
}
