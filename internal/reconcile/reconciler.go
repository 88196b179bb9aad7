// Package reconcile keeps a local player in step with a room's broadcast
// playback state. As a listener it applies remote state with latency
// compensation and suppresses the player's own echoes; as the host it turns
// local player changes into outbound commands through a Reporter.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sync-service/internal/errs"
	"sync-service/internal/protocol"
)

type State int

const (
	// Unsynced means no remote state is believed applied.
	Unsynced State = iota
	// ApplyingRemote means the player is being driven to a remote state;
	// its events are artifacts of that and are suppressed.
	ApplyingRemote
	Synced
)

func (s State) String() string {
	switch s {
	case Unsynced:
		return "unsynced"
	case ApplyingRemote:
		return "applying-remote"
	case Synced:
		return "synced"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Player is the local media player being driven.
type Player interface {
	// VideoID is the currently loaded media, "" if none.
	VideoID() string
	Load(videoID string, at float64) error
	Seek(at float64) error
	Play() error
	Pause() error
}

// Outcome says what Observe did with a player event.
type Outcome int

const (
	Ignored Outcome = iota
	Suppressed
	PausedBack
	Reported
	Dropped
)

const DefaultSettleDelay = 750 * time.Millisecond

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithSettleDelay bounds how long ApplyingRemote waits for Acknowledge.
func WithSettleDelay(d time.Duration) Option {
	return func(r *Reconciler) { r.settle = d }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithErrorHandler receives player failures, wrapped in errs.ErrMediaPlayback.
func WithErrorHandler(fn func(error)) Option {
	return func(r *Reconciler) { r.onError = fn }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

// WithReporter sets the reporter used while this client is the host.
func WithReporter(rep *Reporter) Option {
	return func(r *Reconciler) { r.reporter = rep }
}

type Reconciler struct {
	player   Player
	reporter *Reporter
	settle   time.Duration
	now      func() time.Time
	onError  func(error)
	log      *zap.Logger

	mu        sync.Mutex
	state     State
	host      bool
	hasRemote bool
	// gen increases with every Apply; an application whose gen is no longer
	// current has been superseded.
	gen   uint64
	timer *time.Timer
}

func New(player Player, opts ...Option) *Reconciler {
	r := &Reconciler{
		player: player,
		settle: DefaultSettleDelay,
		now:    time.Now,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconciler) IsHost() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.host
}

// SetHost switches between host and listener behaviour.
func (r *Reconciler) SetHost(host bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.host == host {
		return
	}
	r.host = host
	r.gen++
	r.stopTimer()
	// The player was either driving the room or following it; both count as
	// matched at the moment of the switch.
	r.state = Synced
	r.hasRemote = true
}

// Compensate returns where playback should be at now for st. A paused
// state is returned unchanged. Clock skew between server and client is not
// corrected; a state timestamped in the future is not moved backwards.
func Compensate(st protocol.PlaybackState, now time.Time) float64 {
	pos := st.CurrentTime
	if st.IsPlaying {
		elapsed := now.Sub(time.UnixMilli(st.Timestamp)).Seconds()
		if elapsed > 0 {
			pos += elapsed
		}
	}
	if pos < 0 {
		return 0
	}
	return pos
}

// Apply drives the player to st. It is a no-op for the host. A later Apply
// supersedes this one; the superseded call returns nil.
func (r *Reconciler) Apply(st protocol.PlaybackState) error {
	r.mu.Lock()
	if r.host {
		r.mu.Unlock()
		return nil
	}
	r.gen++
	gen := r.gen
	r.stopTimer()
	r.state = ApplyingRemote
	r.hasRemote = true
	r.mu.Unlock()

	at := Compensate(st, r.now())
	err := r.drive(st, at)

	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return nil
	}
	if err == nil {
		r.timer = time.AfterFunc(r.settle, func() { r.settled(gen) })
		r.mu.Unlock()
		return nil
	}
	r.state = Unsynced
	r.mu.Unlock()

	werr := fmt.Errorf("%w: %v", errs.ErrMediaPlayback, err)
	r.log.Warn("apply remote state", zap.String("video_id", st.VideoID), zap.Error(err))
	if r.onError != nil {
		r.onError(werr)
	}
	return werr
}

// ApplyVideo loads new media paused at the start.
func (r *Reconciler) ApplyVideo(v protocol.VideoLoadSync) error {
	return r.Apply(protocol.PlaybackState{VideoID: v.VideoID, Timestamp: v.Timestamp})
}

func (r *Reconciler) drive(st protocol.PlaybackState, at float64) error {
	if r.player.VideoID() != st.VideoID {
		if err := r.player.Load(st.VideoID, at); err != nil {
			return err
		}
	} else if err := r.player.Seek(at); err != nil {
		return err
	}
	if st.IsPlaying {
		return r.player.Play()
	}
	return r.player.Pause()
}

// Acknowledge is called when the player reports it reached the applied
// state, ending ApplyingRemote before the settle delay.
func (r *Reconciler) Acknowledge() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == ApplyingRemote {
		r.stopTimer()
		r.state = Synced
	}
}

func (r *Reconciler) settled(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen == r.gen && r.state == ApplyingRemote {
		r.state = Synced
	}
}

func (r *Reconciler) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Observe handles a state change reported by the local player.
func (r *Reconciler) Observe(ev PlayerEvent) (Outcome, error) {
	r.mu.Lock()
	host, state, hasRemote, rep := r.host, r.state, r.hasRemote, r.reporter
	r.mu.Unlock()

	if host {
		if rep == nil {
			return Ignored, nil
		}
		if err := rep.Report(ev); err != nil {
			return Dropped, err
		}
		return Reported, nil
	}

	switch {
	case state == ApplyingRemote:
		return Suppressed, nil
	case state == Unsynced && !hasRemote && ev.Kind == EventPlaying:
		r.log.Debug("pausing unauthorized local playback")
		if err := r.player.Pause(); err != nil {
			return PausedBack, fmt.Errorf("%w: %v", errs.ErrMediaPlayback, err)
		}
		return PausedBack, nil
	}
	return Ignored, nil
}

// Run applies room events from frames until ctx is done or frames closes.
// self is this connection's id, used to follow host changes.
func (r *Reconciler) Run(ctx context.Context, frames <-chan protocol.Frame, self string) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			r.handleFrame(f, self)
		}
	}
}

func (r *Reconciler) handleFrame(f protocol.Frame, self string) {
	switch f.Type {
	case protocol.TypePlaybackSync:
		var st protocol.PlaybackState
		if err := json.Unmarshal(f.Payload, &st); err != nil {
			r.log.Debug("bad playback-sync", zap.Error(err))
			return
		}
		_ = r.Apply(st)
	case protocol.TypeVideoLoadSync:
		var v protocol.VideoLoadSync
		if err := json.Unmarshal(f.Payload, &v); err != nil {
			r.log.Debug("bad video-load-sync", zap.Error(err))
			return
		}
		_ = r.ApplyVideo(v)
	case protocol.TypeHostChanged:
		var hc protocol.HostChanged
		if err := json.Unmarshal(f.Payload, &hc); err != nil {
			r.log.Debug("bad host-changed", zap.Error(err))
			return
		}
		r.SetHost(hc.NewHostID == self)
	}
}
