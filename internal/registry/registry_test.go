package registry_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-match-engine/internal/engine"
	"github.com/koopa0/system-design/14-match-engine/internal/engine/liarsbar"
	"github.com/koopa0/system-design/14-match-engine/internal/engine/pong"
	"github.com/koopa0/system-design/14-match-engine/internal/registry"
	"github.com/koopa0/system-design/14-match-engine/internal/session"
	"github.com/koopa0/system-design/14-match-engine/internal/testutils"
	apperrors "github.com/koopa0/system-design/14-match-engine/pkg/errors"
	"github.com/koopa0/system-design/14-match-engine/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFactory() *session.Factory {
	f := session.NewFactory(session.Options{
		TickInterval: time.Millisecond,
		Logger:       logger.Discard(),
	})
	f.Register(pong.GameName, func() engine.Engine {
		return pong.New(pong.Config{Logger: logger.Discard(), Rand: testutils.SeededRand(1)})
	})
	f.Register(liarsbar.GameName, func() engine.Engine {
		return liarsbar.New(liarsbar.Config{Logger: logger.Discard(), Rand: testutils.SeededRand(1)})
	})
	return f
}

func newRegistry(opts ...registry.Option) *registry.Registry {
	opts = append([]registry.Option{registry.WithLogger(logger.Discard())}, opts...)
	return registry.New(newFactory(), opts...)
}

// TestRegistry_CreateMatch 測試建立是冪等的
func TestRegistry_CreateMatch(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()

	s1, created, err := r.CreateMatch(ctx, "pong", "r1", session.KindLobby)
	require.NoError(t, err)
	assert.True(t, created)

	s2, created, err := r.CreateMatch(ctx, "pong", "r1", session.KindLobby)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, s1, s2)

	tests := []struct {
		name  string
		game  string
		room  string
		kind  session.Kind
		check func(error) bool
	}{
		{name: "different game", game: "liarsbar", room: "r1", kind: session.KindLobby, check: apperrors.IsInvalidState},
		{name: "different kind", game: "pong", room: "r1", kind: session.KindTournament, check: apperrors.IsInvalidState},
		{name: "empty room id", game: "pong", room: "", kind: session.KindLobby, check: apperrors.IsMissingField},
		{name: "unknown game", game: "chess", room: "r2", kind: session.KindLobby, check: apperrors.IsInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := r.CreateMatch(ctx, tt.game, tt.room, tt.kind)
			assert.True(t, tt.check(err), "unexpected error %v", err)
		})
	}

	assert.Equal(t, 1, r.Stats().Active)
}

// TestRegistry_GetAndRemove 測試查詢與移除
func TestRegistry_GetAndRemove(t *testing.T) {
	r := newRegistry()

	_, err := r.GetMatch("missing")
	assert.True(t, apperrors.IsNotFound(err))

	_, _, err = r.CreateMatch(context.Background(), "liarsbar", "r1", session.KindLobby)
	require.NoError(t, err)

	s, err := r.GetMatch("r1")
	require.NoError(t, err)
	assert.Equal(t, "liarsbar", s.Game())

	r.RemoveMatch("r1")
	r.RemoveMatch("r1")
	r.RemoveMatch("never-existed")

	_, err = r.GetMatch("r1")
	assert.True(t, apperrors.IsNotFound(err))

	st := r.Stats()
	assert.Equal(t, int64(1), st.Created)
	assert.Equal(t, int64(1), st.Removed)
}

// TestRegistry_SessionRemovesItself 測試房間結束後自動移除，ID 可重用
func TestRegistry_SessionRemovesItself(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()

	s, _, err := r.CreateMatch(ctx, "pong", "r1", session.KindLobby)
	require.NoError(t, err)
	require.NoError(t, s.Close(0))
	<-s.Done()

	_, err = r.GetMatch("r1")
	assert.True(t, apperrors.IsNotFound(err))

	s2, created, err := r.CreateMatch(ctx, "pong", "r1", session.KindLobby)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotSame(t, s, s2)
}

// TestRegistry_ConcurrentCreate 測試同一房間並發建立只會產生一個 Session
func TestRegistry_ConcurrentCreate(t *testing.T) {
	r := newRegistry()

	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	sessions := make([]session.Session, 50)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, ok, err := r.CreateMatch(context.Background(), "pong", "shared", session.KindLobby)
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			if ok {
				created.Add(1)
			}
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	for _, s := range sessions {
		assert.Same(t, sessions[0], s)
	}
}

// TestRegistry_ListAndStats 測試列表與統計
func TestRegistry_ListAndStats(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()

	for i, kind := range []session.Kind{session.KindLobby, session.KindTournament, session.KindLobby} {
		_, _, err := r.CreateMatch(ctx, "pong", fmt.Sprintf("r%d", 3-i), kind)
		require.NoError(t, err)
	}
	s, err := r.GetMatch("r1")
	require.NoError(t, err)
	id := engine.PlayerID(7)
	require.NoError(t, s.AddPlayer(session.InitPlayer{PlayerID: &id}, false))

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "r1", list[0].RoomID)
	assert.Equal(t, 1, list[0].Players)
	assert.Equal(t, "r3", list[2].RoomID)

	st := r.Stats()
	assert.Equal(t, 3, st.Active)
	assert.Equal(t, 1, st.Players)
	assert.Equal(t, 3, st.ByGame["pong"])
	assert.Equal(t, 2, st.ByKind[session.KindLobby])
	assert.Equal(t, 3, st.ByStatus[session.StatusToSetup])
}

// TestRegistry_Shutdown 測試關閉所有房間
func TestRegistry_Shutdown(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()
	for _, id := range []string{"a", "b", "c"} {
		_, _, err := r.CreateMatch(ctx, "liarsbar", id, session.KindLobby)
		require.NoError(t, err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(shutdownCtx))
	assert.Zero(t, r.Stats().Active)
}

// TestRedisOwnership 測試跨進程持有權
func TestRedisOwnership(t *testing.T) {
	env := testutils.StartRedis(t)
	ctx := context.Background()

	a := registry.NewRedisOwnership(env.Client, "test", time.Minute)
	b := registry.NewRedisOwnership(env.Client, "test", time.Minute)
	require.NotEqual(t, a.Token(), b.Token())

	t.Run("claim is exclusive", func(t *testing.T) {
		env.Flush(t)
		ok, err := a.Claim(ctx, "r1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = a.Claim(ctx, "r1")
		require.NoError(t, err)
		assert.True(t, ok, "re-claim by owner succeeds")

		ok, err = b.Claim(ctx, "r1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("release only by owner", func(t *testing.T) {
		env.Flush(t)
		_, err := a.Claim(ctx, "r1")
		require.NoError(t, err)

		require.NoError(t, b.Release(ctx, "r1"))
		owner, held, err := a.Owner(ctx, "r1")
		require.NoError(t, err)
		assert.True(t, held)
		assert.Equal(t, a.Token(), owner)

		require.NoError(t, a.Release(ctx, "r1"))
		ok, err := b.Claim(ctx, "r1")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("refresh extends own keys", func(t *testing.T) {
		env.Flush(t)
		short := registry.NewRedisOwnership(env.Client, "test", 500*time.Millisecond)
		_, err := short.Claim(ctx, "r1")
		require.NoError(t, err)
		_, err = b.Claim(ctx, "r2")
		require.NoError(t, err)

		require.NoError(t, short.Refresh(ctx, []string{"r1", "r2"}))
		ttl, err := env.Client.PTTL(ctx, "test:room:r1").Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))

		bTTL, err := env.Client.PTTL(ctx, "test:room:r2").Result()
		require.NoError(t, err)
		assert.Greater(t, bTTL, 30*time.Second, "peer key keeps its own ttl")
	})

	t.Run("registries share rooms", func(t *testing.T) {
		env.Flush(t)
		r1 := newRegistry(registry.WithOwnership(a))
		r2 := newRegistry(registry.WithOwnership(b))

		_, created, err := r1.CreateMatch(ctx, "pong", "shared", session.KindLobby)
		require.NoError(t, err)
		assert.True(t, created)

		_, _, err = r2.CreateMatch(ctx, "pong", "shared", session.KindLobby)
		assert.ErrorIs(t, err, apperrors.ErrRoomOwnedByPeer)

		r1.RemoveMatch("shared")
		_, created, err = r2.CreateMatch(ctx, "pong", "shared", session.KindLobby)
		require.NoError(t, err)
		assert.True(t, created)
	})
}
