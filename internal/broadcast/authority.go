// Package broadcast is the Broadcast Authority: the only path by which a
// playback command reaches a room.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"sync-service/internal/errs"
	"sync-service/internal/protocol"
	"sync-service/internal/store"
)

// Kind is a playback command kind.
type Kind string

const (
	KindPlay      Kind = "play"
	KindPause     Kind = "pause"
	KindSeek      Kind = "seek"
	KindVideoLoad Kind = "video-load"
)

// KindForType maps a sync-* request type to its command kind.
func KindForType(typ string) (Kind, bool) {
	switch typ {
	case protocol.TypeSyncPlay:
		return KindPlay, true
	case protocol.TypeSyncPause:
		return KindPause, true
	case protocol.TypeSyncSeek:
		return KindSeek, true
	case protocol.TypeSyncVideoLoad:
		return KindVideoLoad, true
	}
	return "", false
}

// Publisher delivers an envelope to every instance serving the room.
type Publisher interface {
	Publish(ctx context.Context, env protocol.Envelope) error
}

// Throttle holds the minimum spacing per command class.
type Throttle struct {
	PlayPause time.Duration
	Seek      time.Duration
}

type Authority struct {
	store    store.Store
	pub      Publisher
	log      *zap.Logger
	throttle Throttle
	now      func() time.Time
}

func NewAuthority(st store.Store, pub Publisher, logger *zap.Logger, throttle Throttle) *Authority {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authority{store: st, pub: pub, log: logger, throttle: throttle, now: time.Now}
}

// WithClock replaces time.Now; used by tests.
func (a *Authority) WithClock(now func() time.Time) *Authority {
	a.now = now
	return a
}

// SubmitPlaybackCommand validates that requester is the current host of its
// room, stores the resulting state and fans it out to the rest of the room.
//
// The returned errors are for the caller's logs only. The transport does not
// answer fire-and-forget commands, so a rejected command is invisible to the
// room.
func (a *Authority) SubmitPlaybackCommand(ctx context.Context, requester string, kind Kind, req protocol.SyncRequest) (*protocol.PlaybackState, error) {
	log := a.log.With(zap.String("conn_id", requester), zap.String("kind", string(kind)))

	code, err := a.store.GetRoomFor(ctx, requester)
	if err != nil {
		return nil, err
	}
	if code == "" {
		log.Debug("command from connection in no room")
		return nil, errs.ErrUnauthorized
	}
	log = log.With(zap.String("room_code", code))

	// Host is read at call time; a host that just lost the role is rejected.
	r, err := a.store.GetRoom(ctx, code)
	if errors.Is(err, errs.ErrRoomNotFound) {
		log.Warn("command for missing room")
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if r.Host != requester {
		log.Debug("command from non-host", zap.String("host", r.Host))
		return nil, errs.ErrUnauthorized
	}

	if req.VideoID == "" {
		log.Debug("command without media id")
		return nil, errs.ErrInvalidPayload
	}
	now := a.now()

	if kind == KindVideoLoad {
		return nil, a.loadVideo(ctx, log, code, requester, req.VideoID, now)
	}

	pos, err := position(req.CurrentTime)
	if err != nil {
		log.Debug("invalid position", zap.Float64("current_time", req.CurrentTime))
		return nil, err
	}

	var playing bool
	var class string
	var window time.Duration
	switch kind {
	case KindPlay:
		playing, class, window = true, "playback", a.throttle.PlayPause
	case KindPause:
		playing, class, window = false, "playback", a.throttle.PlayPause
	case KindSeek:
		playing, class, window = req.IsPlaying, "seek", a.throttle.Seek
	default:
		return nil, fmt.Errorf("broadcast: unknown command kind %q", kind)
	}

	if window > 0 {
		ok, err := a.store.AcquireWindow(ctx, code+":"+class, window)
		if err != nil {
			return nil, err
		}
		if !ok {
			log.Debug("command throttled")
			return nil, errs.ErrThrottled
		}
	}

	state := protocol.PlaybackState{
		VideoID:     req.VideoID,
		CurrentTime: pos,
		IsPlaying:   playing,
		Timestamp:   now.UnixMilli(),
	}
	if err := a.store.SaveState(ctx, code, state, now); err != nil {
		if errors.Is(err, errs.ErrStaleState) {
			log.Debug("stale state dropped", zap.Int64("timestamp", state.Timestamp))
		}
		return nil, err
	}

	env, err := protocol.NewEnvelope(code, requester, protocol.TypePlaybackSync, state)
	if err != nil {
		return nil, err
	}
	if err := a.pub.Publish(ctx, env); err != nil {
		return nil, fmt.Errorf("broadcast: publish playback-sync: %w", err)
	}
	log.Debug("playback state broadcast",
		zap.String("video_id", state.VideoID),
		zap.Float64("current_time", state.CurrentTime),
		zap.Bool("is_playing", state.IsPlaying),
	)
	return &state, nil
}

func (a *Authority) loadVideo(ctx context.Context, log *zap.Logger, code, requester, videoID string, now time.Time) error {
	if err := a.store.SaveVideo(ctx, code, videoID, now); err != nil {
		return err
	}
	env, err := protocol.NewEnvelope(code, requester, protocol.TypeVideoLoadSync, protocol.VideoLoadSync{
		VideoID:   videoID,
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		return err
	}
	if err := a.pub.Publish(ctx, env); err != nil {
		return fmt.Errorf("broadcast: publish video-load-sync: %w", err)
	}
	log.Debug("video load broadcast", zap.String("video_id", videoID))
	return nil
}

// position rejects non-finite positions and clamps negative ones to zero.
func position(v float64) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errs.ErrInvalidPayload
	}
	if v < 0 {
		return 0, nil
	}
	return v, nil
}
