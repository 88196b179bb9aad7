package room

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
	"go.uber.org/zap/zaptest"

	"sync-service/internal/errs"
	"sync-service/internal/protocol"
	"sync-service/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.cur = c.cur.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (*Manager, *store.RedisStore, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := store.NewRedisStore(rdb, "test:", 24*time.Hour)
	clock := &fakeClock{cur: time.UnixMilli(1_700_000_000_000)}
	return NewManager(st, zaptest.NewLogger(t), WithClock(clock.Now)), st, mr, clock
}

func TestCreateRoom_InvalidCode(t *testing.T) {
	m, _, mr, _ := setup(t)
	for _, code := range []string{"", "abc1", "AB", "AB12CD34EF5", "AB-12"} {
		_, err := m.CreateRoom(context.Background(), code, "host")
		assert.ErrorIs(t, err, errs.ErrInvalidCode, code)
	}
	assert.Empty(t, mr.Keys())
}

func TestCreateThenJoin(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := setup(t)

	res, err := m.CreateRoom(ctx, "AB12CD", "host")
	require.NoError(t, err)
	assert.Equal(t, "host", res.Room.Host)
	assert.Nil(t, res.Left)

	res, err = m.JoinRoom(ctx, "AB12CD", "guest")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"host", "guest"}, res.Room.Members)
	assert.Equal(t, "host", res.Room.Host)
}

func TestCreateRoom_Idempotent(t *testing.T) {
	ctx := context.Background()
	m, _, _, clock := setup(t)

	first, err := m.CreateRoom(ctx, "AB12CD", "host")
	require.NoError(t, err)
	clock.Advance(time.Second)

	second, err := m.CreateRoom(ctx, "AB12CD", "host")
	require.NoError(t, err)
	assert.Equal(t, first.Room.Code, second.Room.Code)
	assert.Equal(t, first.Room.Members, second.Room.Members)
	assert.Equal(t, first.Room.CreatedAt, second.Room.CreatedAt)

	// A member re-creating is also tolerated.
	_, err = m.JoinRoom(ctx, "AB12CD", "guest")
	require.NoError(t, err)
	_, err = m.CreateRoom(ctx, "AB12CD", "guest")
	require.NoError(t, err)

	_, err = m.CreateRoom(ctx, "AB12CD", "stranger")
	assert.ErrorIs(t, err, errs.ErrRoomExists)
}

func TestJoinRoom_NotFound(t *testing.T) {
	m, _, _, _ := setup(t)
	_, err := m.JoinRoom(context.Background(), "ZZZZ", "guest")
	assert.ErrorIs(t, err, errs.ErrRoomNotFound)
}

func TestJoinRoom_ReturnsState(t *testing.T) {
	ctx := context.Background()
	m, st, _, clock := setup(t)

	_, err := m.CreateRoom(ctx, "AB12CD", "host")
	require.NoError(t, err)
	state := protocol.PlaybackState{VideoID: "X", CurrentTime: 3, IsPlaying: true, Timestamp: clock.Now().UnixMilli()}
	require.NoError(t, st.SaveState(ctx, "AB12CD", state, clock.Now()))

	res, err := m.JoinRoom(ctx, "AB12CD", "guest")
	require.NoError(t, err)
	require.NotNil(t, res.Room.State)
	assert.Equal(t, state, *res.Room.State)
}

func TestJoinRoom_MemberlessRoomGetsHost(t *testing.T) {
	ctx := context.Background()
	m, _, mr, _ := setup(t)

	// A record that outlived its members, as the sweeper sees it before the
	// empty grace runs out.
	mr.HSet("test:room:EMPTY1", "code", "EMPTY1", "lastActivity", "0")

	res, err := m.JoinRoom(ctx, "EMPTY1", "bob")
	require.NoError(t, err)
	assert.True(t, res.Added)
	assert.Equal(t, "bob", res.NewHost)
	assert.Equal(t, "bob", res.Room.Host)
	assert.True(t, res.Room.HasMember(res.Room.Host))

	res, err = m.JoinRoom(ctx, "EMPTY1", "carol")
	require.NoError(t, err)
	assert.Empty(t, res.NewHost)
	assert.Equal(t, "bob", res.Room.Host)
}

func TestJoinRoom_RejoinIsNotAdded(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := setup(t)

	_, err := m.CreateRoom(ctx, "AB12CD", "host")
	require.NoError(t, err)

	res, err := m.JoinRoom(ctx, "AB12CD", "guest")
	require.NoError(t, err)
	assert.True(t, res.Added)

	res, err = m.JoinRoom(ctx, "AB12CD", "guest")
	require.NoError(t, err)
	assert.False(t, res.Added)
	assert.Len(t, res.Room.Members, 2)
}

func TestJoinRoom_Concurrent(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := setup(t)

	_, err := m.CreateRoom(ctx, "AB12CD", "host")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.JoinRoom(ctx, "AB12CD", fmt.Sprintf("guest-%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	r, err := m.Get(ctx, "AB12CD")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"host", "guest-0", "guest-1"}, r.Members)
}

func TestJoinRoom_LeavesPreviousRoom(t *testing.T) {
	ctx := context.Background()
	m, st, _, _ := setup(t)

	_, err := m.CreateRoom(ctx, "ROOM1", "a")
	require.NoError(t, err)
	_, err = m.JoinRoom(ctx, "ROOM1", "b")
	require.NoError(t, err)
	_, err = m.CreateRoom(ctx, "ROOM2", "c")
	require.NoError(t, err)

	res, err := m.JoinRoom(ctx, "ROOM2", "a")
	require.NoError(t, err)
	require.NotNil(t, res.Left)
	assert.Equal(t, "ROOM1", res.Left.Code)
	assert.Equal(t, "b", res.Left.NewHost)
	assert.Equal(t, 1, res.Left.Remaining)

	code, err := st.GetRoomFor(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "ROOM2", code)

	r1, err := m.Get(ctx, "ROOM1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, r1.Members)
}

func TestJoinRoom_MissingRoomKeepsCurrentRoom(t *testing.T) {
	ctx := context.Background()
	m, st, _, _ := setup(t)

	_, err := m.CreateRoom(ctx, "ROOM1", "a")
	require.NoError(t, err)
	_, err = m.JoinRoom(ctx, "NOPE", "a")
	assert.ErrorIs(t, err, errs.ErrRoomNotFound)

	code, err := st.GetRoomFor(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "ROOM1", code)
}

func TestLeaveRoom(t *testing.T) {
	ctx := context.Background()
	m, _, _, clock := setup(t)

	_, err := m.CreateRoom(ctx, "AB12CD", "host")
	require.NoError(t, err)
	for _, id := range []string{"g1", "g2", "g3"} {
		clock.Advance(time.Millisecond)
		_, err = m.JoinRoom(ctx, "AB12CD", id)
		require.NoError(t, err)
	}

	res, err := m.LeaveRoom(ctx, "g2")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 3, res.Remaining)
	assert.Empty(t, res.NewHost)

	res, err = m.LeaveRoom(ctx, "host")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "g1", res.NewHost)

	r, err := m.Get(ctx, "AB12CD")
	require.NoError(t, err)
	assert.Contains(t, r.Members, r.Host)
	assert.Contains(t, r.Members, res.NewHost)

	// Leaving twice is a no-op.
	res, err = m.LeaveRoom(ctx, "host")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestLeaveRoom_HostAlwaysMember(t *testing.T) {
	ctx := context.Background()
	m, _, _, clock := setup(t)

	ids := []string{"h", "a", "b", "c", "d"}
	_, err := m.CreateRoom(ctx, "HOSTS1", ids[0])
	require.NoError(t, err)
	for _, id := range ids[1:] {
		clock.Advance(time.Millisecond)
		_, err := m.JoinRoom(ctx, "HOSTS1", id)
		require.NoError(t, err)
	}

	for i := 0; i < len(ids)-1; i++ {
		r, err := m.Get(ctx, "HOSTS1")
		require.NoError(t, err)
		res, err := m.LeaveRoom(ctx, r.Host)
		require.NoError(t, err)
		require.NotNil(t, res)

		after, err := m.Get(ctx, "HOSTS1")
		require.NoError(t, err)
		assert.Equal(t, res.NewHost, after.Host)
		assert.Contains(t, after.Members, after.Host)
		assert.Len(t, after.Members, res.Remaining)
	}
}

func TestLeaveRoom_LastMemberDeletesRoom(t *testing.T) {
	ctx := context.Background()
	m, _, mr, _ := setup(t)

	_, err := m.CreateRoom(ctx, "AB12CD", "host")
	require.NoError(t, err)

	res, err := m.LeaveRoom(ctx, "host")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Deleted)
	assert.Zero(t, res.Remaining)

	_, err = m.JoinRoom(ctx, "AB12CD", "guest")
	assert.ErrorIs(t, err, errs.ErrRoomNotFound)
	assert.False(t, mr.Exists("test:room:AB12CD"))
}

func TestLeaveRoom_NotInRoom(t *testing.T) {
	m, _, _, _ := setup(t)
	res, err := m.LeaveRoom(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	m, _, mr, _ := setup(t)

	_, err := m.Lookup(ctx, "bad")
	assert.ErrorIs(t, err, errs.ErrInvalidCode)

	got, err := m.Lookup(ctx, "AB12CD")
	require.NoError(t, err)
	assert.False(t, got.Exists)

	_, err = m.CreateRoom(ctx, "AB12CD", "host")
	require.NoError(t, err)
	mr.FastForward(time.Hour)
	ttl := mr.TTL("test:room:AB12CD")

	got, err = m.Lookup(ctx, "AB12CD")
	require.NoError(t, err)
	assert.Equal(t, LookupResult{Exists: true, ParticipantCount: 1}, got)
	assert.Equal(t, ttl, mr.TTL("test:room:AB12CD"))
}
