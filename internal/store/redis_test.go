package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sync-service/internal/errs"
	"sync-service/internal/protocol"
)

var t0 = time.UnixMilli(1_700_000_000_000)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedisStore(rdb, "test:", time.Hour), mr
}

func TestCreateRoom(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	created, err := s.CreateRoom(ctx, "AB12CD", "host-1", t0)
	require.NoError(t, err)
	assert.True(t, created)

	r, err := s.GetRoom(ctx, "AB12CD")
	require.NoError(t, err)
	assert.Equal(t, "host-1", r.Host)
	assert.Equal(t, []string{"host-1"}, r.Members)
	assert.Nil(t, r.State)
	assert.Equal(t, t0, r.CreatedAt)

	code, err := s.GetRoomFor(ctx, "host-1")
	require.NoError(t, err)
	assert.Equal(t, "AB12CD", code)

	assert.True(t, mr.Exists("test:room:AB12CD"))
	assert.Greater(t, mr.TTL("test:room:AB12CD"), time.Duration(0))
	assert.Greater(t, mr.TTL("test:presence:host-1"), time.Duration(0))

	created, err = s.CreateRoom(ctx, "AB12CD", "other", t0)
	require.NoError(t, err)
	assert.False(t, created)

	codes, err := s.ListRoomCodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"AB12CD"}, codes)
}

func TestGetRoomNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetRoom(context.Background(), "NOPE")
	assert.ErrorIs(t, err, errs.ErrRoomNotFound)
}

func TestAddMember(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.CreateRoom(ctx, "AB12CD", "host-1", t0)
	require.NoError(t, err)

	j, err := s.AddMember(ctx, "AB12CD", "guest-1", t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, Join{Count: 2, Added: true}, j)

	// Re-adding keeps the original join time and the count.
	j, err = s.AddMember(ctx, "AB12CD", "guest-1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, Join{Count: 2}, j)

	_, err = s.AddMember(ctx, "ZZ99", "guest-2", t0)
	assert.ErrorIs(t, err, errs.ErrRoomNotFound)
}

func TestAddMemberElectsHost(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	t.Run("memberless room", func(t *testing.T) {
		mr.HSet("test:room:EMPTY1", "code", "EMPTY1", "lastActivity", "0")

		j, err := s.AddMember(ctx, "EMPTY1", "bob", t0)
		require.NoError(t, err)
		assert.Equal(t, Join{Count: 1, Added: true, NewHost: "bob"}, j)

		r, err := s.GetRoom(ctx, "EMPTY1")
		require.NoError(t, err)
		assert.Equal(t, "bob", r.Host)
		assert.True(t, r.HasMember(r.Host))
		assert.Greater(t, mr.TTL("test:room:EMPTY1"), time.Duration(0))
	})

	t.Run("host no longer a member", func(t *testing.T) {
		_, err := s.CreateRoom(ctx, "AB12CD", "host-1", t0)
		require.NoError(t, err)
		_, err = s.AddMember(ctx, "AB12CD", "guest-1", t0.Add(time.Second))
		require.NoError(t, err)
		mr.ZRem("test:room:AB12CD:members", "host-1")

		j, err := s.AddMember(ctx, "AB12CD", "guest-2", t0.Add(2*time.Second))
		require.NoError(t, err)
		assert.Equal(t, "guest-1", j.NewHost)

		r, err := s.GetRoom(ctx, "AB12CD")
		require.NoError(t, err)
		assert.Equal(t, "guest-1", r.Host)
	})
}

func TestAddMemberConcurrent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.CreateRoom(ctx, "AB12CD", "host-1", t0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AddMember(ctx, "AB12CD", fmt.Sprintf("guest-%d", i), t0)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	r, err := s.GetRoom(ctx, "AB12CD")
	require.NoError(t, err)
	assert.Len(t, r.Members, 21)
	for i := 0; i < 20; i++ {
		code, err := s.GetRoomFor(ctx, fmt.Sprintf("guest-%d", i))
		require.NoError(t, err)
		assert.Equal(t, "AB12CD", code)
	}
}

func TestRemoveMember(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	_, err := s.CreateRoom(ctx, "AB12CD", "host-1", t0)
	require.NoError(t, err)
	_, err = s.AddMember(ctx, "AB12CD", "guest-1", t0.Add(time.Second))
	require.NoError(t, err)
	_, err = s.AddMember(ctx, "AB12CD", "guest-2", t0.Add(2*time.Second))
	require.NoError(t, err)

	t.Run("listener leaves", func(t *testing.T) {
		rm, err := s.RemoveMember(ctx, "AB12CD", "guest-2", t0)
		require.NoError(t, err)
		assert.True(t, rm.Removed)
		assert.Equal(t, 2, rm.Remaining)
		assert.Empty(t, rm.NewHost)
		assert.False(t, mr.Exists("test:presence:guest-2"))
	})

	t.Run("host leaves, earliest joined takes over", func(t *testing.T) {
		_, err := s.AddMember(ctx, "AB12CD", "guest-3", t0.Add(3*time.Second))
		require.NoError(t, err)

		rm, err := s.RemoveMember(ctx, "AB12CD", "host-1", t0)
		require.NoError(t, err)
		assert.Equal(t, "guest-1", rm.NewHost)
		assert.Equal(t, 2, rm.Remaining)

		r, err := s.GetRoom(ctx, "AB12CD")
		require.NoError(t, err)
		assert.Equal(t, "guest-1", r.Host)
		assert.True(t, r.HasMember(r.Host))
	})

	t.Run("last members leave, room is deleted", func(t *testing.T) {
		_, err := s.RemoveMember(ctx, "AB12CD", "guest-1", t0)
		require.NoError(t, err)
		rm, err := s.RemoveMember(ctx, "AB12CD", "guest-3", t0)
		require.NoError(t, err)
		assert.True(t, rm.Deleted)
		assert.Zero(t, rm.Remaining)

		ok, err := s.Exists(ctx, "AB12CD")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.False(t, mr.Exists("test:room:AB12CD:members"))

		codes, err := s.ListRoomCodes(ctx)
		require.NoError(t, err)
		assert.Empty(t, codes)
	})
}

func TestRemoveMemberKeepsPresenceForOtherRoom(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.CreateRoom(ctx, "ROOM1", "a", t0)
	require.NoError(t, err)
	_, err = s.AddMember(ctx, "ROOM1", "b", t0)
	require.NoError(t, err)
	require.NoError(t, s.RecordPresence(ctx, "b", "ROOM2"))

	_, err = s.RemoveMember(ctx, "ROOM1", "b", t0)
	require.NoError(t, err)

	code, err := s.GetRoomFor(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "ROOM2", code)
}

func TestSaveState(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.CreateRoom(ctx, "AB12CD", "host-1", t0)
	require.NoError(t, err)

	st := protocol.PlaybackState{VideoID: "X", CurrentTime: 12.5, IsPlaying: true, Timestamp: t0.UnixMilli() + 1000}
	require.NoError(t, s.SaveState(ctx, "AB12CD", st, t0))

	older := st
	older.CurrentTime = 3
	older.Timestamp = st.Timestamp - 1
	assert.ErrorIs(t, s.SaveState(ctx, "AB12CD", older, t0), errs.ErrStaleState)

	same := st
	same.IsPlaying = false
	require.NoError(t, s.SaveState(ctx, "AB12CD", same, t0))

	r, err := s.GetRoom(ctx, "AB12CD")
	require.NoError(t, err)
	require.NotNil(t, r.State)
	assert.Equal(t, same, *r.State)
	assert.Equal(t, "X", r.VideoID)

	assert.ErrorIs(t, s.SaveState(ctx, "NOPE", st, t0), errs.ErrRoomNotFound)
}

func TestSaveVideo(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.CreateRoom(ctx, "AB12CD", "host-1", t0)
	require.NoError(t, err)
	st := protocol.PlaybackState{VideoID: "X", CurrentTime: 40, IsPlaying: true, Timestamp: t0.UnixMilli()}
	require.NoError(t, s.SaveState(ctx, "AB12CD", st, t0))

	// Same video keeps the position.
	require.NoError(t, s.SaveVideo(ctx, "AB12CD", "X", t0))
	r, err := s.GetRoom(ctx, "AB12CD")
	require.NoError(t, err)
	assert.NotNil(t, r.State)

	require.NoError(t, s.SaveVideo(ctx, "AB12CD", "Y", t0))
	r, err = s.GetRoom(ctx, "AB12CD")
	require.NoError(t, err)
	assert.Nil(t, r.State)
	assert.Equal(t, "Y", r.VideoID)

	// The previous timestamp still guards against stale replays.
	assert.ErrorIs(t, s.SaveState(ctx, "AB12CD", protocol.PlaybackState{VideoID: "X", Timestamp: t0.UnixMilli() - 5}, t0), errs.ErrStaleState)
}

func TestExistsDoesNotRefreshTTL(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	_, err := s.CreateRoom(ctx, "AB12CD", "host-1", t0)
	require.NoError(t, err)
	mr.FastForward(10 * time.Minute)
	before := mr.TTL("test:room:AB12CD")

	ok, err := s.Exists(ctx, "AB12CD")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, before, mr.TTL("test:room:AB12CD"))

	require.NoError(t, s.Touch(ctx, "AB12CD", t0))
	assert.Greater(t, mr.TTL("test:room:AB12CD"), before)
	assert.Greater(t, mr.TTL("test:presence:host-1"), before)
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	_, err := s.CreateRoom(ctx, "AB12CD", "host-1", t0)
	require.NoError(t, err)
	mr.FastForward(2 * time.Hour)

	ok, err := s.Exists(ctx, "AB12CD")
	require.NoError(t, err)
	assert.False(t, ok)

	code, err := s.GetRoomFor(ctx, "host-1")
	require.NoError(t, err)
	assert.Empty(t, code)
}

func TestDeleteRoom(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.CreateRoom(ctx, "AB12CD", "host-1", t0)
	require.NoError(t, err)
	_, err = s.AddMember(ctx, "AB12CD", "guest-1", t0)
	require.NoError(t, err)

	require.NoError(t, s.DeleteRoom(ctx, "AB12CD"))

	_, err = s.GetRoom(ctx, "AB12CD")
	assert.ErrorIs(t, err, errs.ErrRoomNotFound)
	code, err := s.GetRoomFor(ctx, "guest-1")
	require.NoError(t, err)
	assert.Empty(t, code)
}

func TestAcquireWindow(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	ok, err := s.AcquireWindow(ctx, "AB12CD:playback", 300*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireWindow(ctx, "AB12CD:playback", 300*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(301 * time.Millisecond)
	ok, err = s.AcquireWindow(ctx, "AB12CD:playback", 300*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMarkEmpty(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.CreateRoom(ctx, "AB12CD", "host-1", t0)
	require.NoError(t, err)

	first, err := s.MarkEmpty(ctx, "AB12CD", t0)
	require.NoError(t, err)
	again, err := s.MarkEmpty(ctx, "AB12CD", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, first, again)

	require.NoError(t, s.ClearEmpty(ctx, "AB12CD"))
	r, err := s.GetRoom(ctx, "AB12CD")
	require.NoError(t, err)
	assert.True(t, r.EmptySince.IsZero())
}

func TestMarkEmptyOnMissingRoom(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	_, err := s.MarkEmpty(ctx, "GHOST1", t0)
	assert.ErrorIs(t, err, errs.ErrRoomNotFound)
	assert.False(t, mr.Exists("test:room:GHOST1"))

	_, err = s.AddMember(ctx, "GHOST1", "bob", t0)
	assert.ErrorIs(t, err, errs.ErrRoomNotFound)
}

func TestPresence(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	require.NoError(t, s.RecordPresence(ctx, "conn-1", "AB12CD"))
	code, err := s.GetRoomFor(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "AB12CD", code)

	require.NoError(t, s.ClearPresence(ctx, "conn-1"))
	code, err = s.GetRoomFor(ctx, "conn-1")
	require.NoError(t, err)
	assert.Empty(t, code)
}

func TestRoomView(t *testing.T) {
	st := &protocol.PlaybackState{VideoID: "X", Timestamp: 5}
	r := &Room{Code: "AB12", Host: "h", Members: []string{"h", "g"}, State: st, CreatedAt: t0, LastActivity: t0}

	v := r.View()
	assert.Equal(t, 2, v.ParticipantCount)
	assert.Equal(t, "h", v.HostID)
	assert.Equal(t, t0.UnixMilli(), v.CreatedAt)

	v.CurrentTrack.VideoID = "changed"
	assert.Equal(t, "X", r.State.VideoID)
}
