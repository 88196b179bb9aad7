package reconcile

import (
	"fmt"
	"math"
	"sync"
	"time"

	"sync-service/internal/errs"
)

type EventKind int

const (
	EventPlaying EventKind = iota + 1
	EventPaused
	EventSeeked
	EventLoaded
)

func (k EventKind) String() string {
	switch k {
	case EventPlaying:
		return "playing"
	case EventPaused:
		return "paused"
	case EventSeeked:
		return "seeked"
	case EventLoaded:
		return "loaded"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// PlayerEvent is a state change reported by the local player. Playing is
// only read for EventSeeked.
type PlayerEvent struct {
	Kind     EventKind
	VideoID  string
	Position float64
	Playing  bool
}

// Sender issues host commands. *client.Client implements it.
type Sender interface {
	Play(videoID string, at float64) error
	Pause(videoID string, at float64) error
	Seek(videoID string, at float64, playing bool) error
	LoadVideo(videoID string) error
}

// Spacing is the minimum delay between reported events of one class. It
// mirrors the server's throttle so reports are not wasted on drops.
type Spacing struct {
	PlayPause time.Duration
	Seek      time.Duration
}

// DefaultSpacing matches the server defaults.
var DefaultSpacing = Spacing{PlayPause: 300 * time.Millisecond, Seek: time.Second}

// PositionTolerance is how close two positions must be for otherwise equal
// events to count as duplicates.
const PositionTolerance = 0.25

// Reporter turns host player events into commands, dropping duplicates and
// events that come too soon after the previous one of their class.
type Reporter struct {
	send    Sender
	spacing Spacing
	now     func() time.Time

	mu       sync.Mutex
	last     *PlayerEvent
	lastSent map[string]time.Time
}

func NewReporter(send Sender, spacing Spacing, now func() time.Time) *Reporter {
	if now == nil {
		now = time.Now
	}
	return &Reporter{send: send, spacing: spacing, now: now, lastSent: make(map[string]time.Time)}
}

// Report sends ev. It returns errs.ErrDuplicate or errs.ErrThrottled when the
// event was dropped locally.
func (r *Reporter) Report(ev PlayerEvent) error {
	r.mu.Lock()
	if r.last != nil && same(*r.last, ev) {
		r.mu.Unlock()
		return errs.ErrDuplicate
	}

	class, gap := "", time.Duration(0)
	switch ev.Kind {
	case EventPlaying, EventPaused:
		class, gap = "playback", r.spacing.PlayPause
	case EventSeeked:
		class, gap = "seek", r.spacing.Seek
	case EventLoaded:
	default:
		r.mu.Unlock()
		return fmt.Errorf("reconcile: unknown event kind %v", ev.Kind)
	}

	now := r.now()
	if class != "" {
		if prev, ok := r.lastSent[class]; ok && now.Sub(prev) < gap {
			r.mu.Unlock()
			return errs.ErrThrottled
		}
		r.lastSent[class] = now
	}
	cp := ev
	r.last = &cp
	r.mu.Unlock()

	switch ev.Kind {
	case EventPlaying:
		return r.send.Play(ev.VideoID, ev.Position)
	case EventPaused:
		return r.send.Pause(ev.VideoID, ev.Position)
	case EventSeeked:
		return r.send.Seek(ev.VideoID, ev.Position, ev.Playing)
	default:
		return r.send.LoadVideo(ev.VideoID)
	}
}

func same(a, b PlayerEvent) bool {
	if a.Kind != b.Kind || a.VideoID != b.VideoID {
		return false
	}
	if a.Kind == EventLoaded {
		return true
	}
	if a.Kind == EventSeeked && a.Playing != b.Playing {
		return false
	}
	return math.Abs(a.Position-b.Position) < PositionTolerance
}
