package room

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"sync-service/internal/errs"
	"sync-service/internal/store"
)

// Sweep removal reasons.
const (
	ReasonExpired = "expired"
	ReasonIdle    = "idle"
	ReasonEmpty   = "empty"
)

// Report counts what one sweep pass removed.
type Report struct {
	Scanned int
	Expired int
	Idle    int
	Empty   int
}

// Removed is the total number of rooms the pass took out of the index.
func (r Report) Removed() int {
	return r.Expired + r.Idle + r.Empty
}

// Sweeper removes rooms that outlived their activity or grace thresholds.
// Redis TTL already drops idle keys; the sweeper keeps the room index honest
// and enforces the shorter empty-room grace.
type Sweeper struct {
	store      store.Store
	log        *zap.Logger
	idleTTL    time.Duration
	emptyGrace time.Duration
	interval   time.Duration
	now        func() time.Time
	onRemove   RemoveHook
}

func NewSweeper(st store.Store, logger *zap.Logger, idleTTL, emptyGrace, interval time.Duration, opts ...Option) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := buildOptions(opts)
	return &Sweeper{
		store:      st,
		log:        logger,
		idleTTL:    idleTTL,
		emptyGrace: emptyGrace,
		interval:   interval,
		now:        o.now,
		onRemove:   o.onRemove,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep, err := s.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				s.log.Warn("sweep failed", zap.Error(err))
				continue
			}
			if rep.Removed() > 0 {
				s.log.Info("sweep",
					zap.Int("scanned", rep.Scanned),
					zap.Int("expired", rep.Expired),
					zap.Int("idle", rep.Idle),
					zap.Int("empty", rep.Empty),
				)
			}
		}
	}
}

// Sweep makes one pass over the room index. A failure on one room is logged
// and the pass continues.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	codes, err := s.store.ListRoomCodes(ctx)
	if err != nil {
		return rep, err
	}
	now := s.now()
	for _, code := range codes {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Scanned++
		if err := s.sweepOne(ctx, code, now, &rep); err != nil {
			s.log.Warn("sweep room", zap.String("room_code", code), zap.Error(err))
		}
	}
	return rep, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, code string, now time.Time, rep *Report) error {
	r, err := s.store.GetRoom(ctx, code)
	if errors.Is(err, errs.ErrRoomNotFound) {
		return s.dropExpired(ctx, code, rep)
	}
	if err != nil {
		return err
	}

	if len(r.Members) == 0 {
		since, err := s.store.MarkEmpty(ctx, code, now)
		if errors.Is(err, errs.ErrRoomNotFound) {
			return s.dropExpired(ctx, code, rep)
		}
		if err != nil {
			return err
		}
		if now.Sub(since) < s.emptyGrace {
			return nil
		}
		s.log.Info("removing empty room", zap.String("room_code", code), zap.Time("empty_since", since))
		if err := s.store.DeleteRoom(ctx, code); err != nil {
			return err
		}
		rep.Empty++
		s.removed(ctx, code, ReasonEmpty)
		return nil
	}
	if !r.EmptySince.IsZero() {
		if err := s.store.ClearEmpty(ctx, code); err != nil {
			return err
		}
	}

	if now.Sub(r.LastActivity) >= s.idleTTL {
		s.log.Info("removing idle room", zap.String("room_code", code), zap.Time("last_activity", r.LastActivity))
		if err := s.store.DeleteRoom(ctx, code); err != nil {
			return err
		}
		rep.Idle++
		s.removed(ctx, code, ReasonIdle)
	}
	return nil
}

func (s *Sweeper) dropExpired(ctx context.Context, code string, rep *Report) error {
	if err := s.store.DropFromIndex(ctx, code); err != nil {
		return err
	}
	rep.Expired++
	s.removed(ctx, code, ReasonExpired)
	return nil
}

func (s *Sweeper) removed(ctx context.Context, code, reason string) {
	if s.onRemove != nil {
		s.onRemove(ctx, code, reason)
	}
}
