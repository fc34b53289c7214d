package session_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-match-engine/internal/engine"
	"github.com/koopa0/system-design/14-match-engine/internal/session"
	apperrors "github.com/koopa0/system-design/14-match-engine/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTournament(t *testing.T, rec *recorder, store *fakeStore, endAfter int) (*session.Tournament, *atomic.Bool) {
	t.Helper()
	var closed atomic.Bool
	tr := session.NewTournament("t1", newStub(endAfter), testOptions(rec, store), func(string) {
		closed.Store(true)
	})
	return tr, &closed
}

func joinAll(t *testing.T, tr *session.Tournament, ids ...engine.PlayerID) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, tr.AddPlayer(pid(id), false))
	}
}

// TestTournament_FullRun 測試四人錦標賽打完三場並保存冠軍
func TestTournament_FullRun(t *testing.T) {
	rec := &recorder{}
	store := newFakeStore()
	tr, closed := newTestTournament(t, rec, store, 3)

	joinAll(t, tr, 1, 2, 3, 4)
	assert.Equal(t, "stub_tournament_t1", tr.Group())
	require.NoError(t, tr.Start(1))
	waitDone(t, tr)

	assert.True(t, closed.Load())
	assert.Equal(t, session.StatusEnded, tr.Status())
	assert.Len(t, tr.Results(), 3)
	assert.Len(t, store.savedMatches(), 3)

	assert.Equal(t, 3, rec.count(session.EventPlayerToSetup))
	assert.Equal(t, 3, rec.count(session.EventGameStarted))

	finished := rec.find(session.EventMatchFinished)
	require.Len(t, finished, 3)
	assert.Equal(t, session.Pair{A: 1, B: 2}, *finished[0].Match)
	assert.Equal(t, session.Pair{A: 3, B: 4}, *finished[1].Match)
	assert.Equal(t, session.Pair{A: 1, B: 3}, *finished[2].Match)
	assert.Equal(t, 2, finished[2].Round)

	end := rec.find(session.EventTournamentFinished)
	require.Len(t, end, 1)
	require.NotNil(t, end[0].Winner)
	assert.Equal(t, engine.PlayerID(1), *end[0].Winner)

	saved := store.savedTournaments()
	require.Len(t, saved, 1)
	assert.Equal(t, engine.PlayerID(1), saved[0].Winner)
	assert.Equal(t, []engine.PlayerID{1, 2, 3, 4}, saved[0].Players)
	assert.Equal(t, "t1", saved[0].RoomID)

	state := tr.Snapshot().(session.TournamentState)
	require.NotNil(t, state.Champion)
	assert.Equal(t, engine.PlayerID(1), *state.Champion)
	assert.Equal(t, []engine.PlayerID{2, 4, 3}, state.Eliminated)
	assert.Equal(t, 3, state.Matches)
}

// TestTournament_Registration 測試報名階段的錯誤
func TestTournament_Registration(t *testing.T) {
	tr, _ := newTestTournament(t, &recorder{}, nil, 0)

	assert.True(t, apperrors.IsMissingField(tr.AddPlayer(session.InitPlayer{}, false)))

	joinAll(t, tr, 1, 2)
	assert.True(t, apperrors.IsDuplicateID(tr.AddPlayer(pid(1), false)))
	assert.True(t, apperrors.IsInvalidState(tr.Start(1)), "bracket not built yet")
	assert.True(t, apperrors.IsUnknownPlayer(tr.MarkReady(9)))

	joinAll(t, tr, 3, 4)
	assert.True(t, apperrors.IsCapacity(tr.AddPlayer(pid(5), false)))
	assert.Equal(t, 4, tr.PlayerCount())

	require.NoError(t, tr.Close(0))
	waitDone(t, tr)
	assert.True(t, apperrors.IsInvalidState(tr.AddPlayer(pid(6), false)))
}

// TestTournament_AllReadyStarts 測試全員 ready 後自動開始
func TestTournament_AllReadyStarts(t *testing.T) {
	store := newFakeStore()
	tr, _ := newTestTournament(t, &recorder{}, store, 2)
	joinAll(t, tr, 1, 2, 3, 4)

	for _, id := range []engine.PlayerID{1, 2, 3} {
		require.NoError(t, tr.MarkReady(id))
		assert.Equal(t, session.StatusToSetup, tr.Status())
	}
	require.NoError(t, tr.MarkReady(4))
	waitDone(t, tr)

	assert.Len(t, store.savedTournaments(), 1)
}

// TestTournament_Walkover 測試開始時仍斷線的玩家判負
func TestTournament_Walkover(t *testing.T) {
	rec := &recorder{}
	store := newFakeStore()
	tr, _ := newTestTournament(t, rec, store, 3)

	joinAll(t, tr, 1, 2, 3, 4)
	require.NoError(t, tr.PlayerQuit(4))
	assert.Equal(t, session.StatusPlayerDisconnected, tr.Status())

	require.NoError(t, tr.Start(1))
	waitDone(t, tr)

	finished := rec.find(session.EventMatchFinished)
	require.Len(t, finished, 3)

	var walkovers []session.EventInfo
	for _, f := range finished {
		if f.Walkover {
			walkovers = append(walkovers, f)
		}
	}
	require.Len(t, walkovers, 1)
	assert.Equal(t, engine.PlayerID(3), *walkovers[0].Winner)
	assert.Equal(t, engine.PlayerID(4), *walkovers[0].Loser)

	// 不戰而勝的場次不寫入比賽紀錄
	assert.Len(t, store.savedMatches(), 2)
	saved := store.savedTournaments()
	require.Len(t, saved, 1)
	assert.Equal(t, engine.PlayerID(1), saved[0].Winner)
}

// TestTournament_Rejoin 測試開始前斷線後重新加入
func TestTournament_Rejoin(t *testing.T) {
	tr, _ := newTestTournament(t, &recorder{}, nil, 0)
	joinAll(t, tr, 1, 2)

	require.NoError(t, tr.PlayerQuit(2))
	assert.Equal(t, session.StatusPlayerDisconnected, tr.Status())
	require.NoError(t, tr.AddPlayer(pid(2), false))
	assert.Equal(t, session.StatusToSetup, tr.Status())
	assert.Equal(t, 2, tr.PlayerCount())

	require.NoError(t, tr.PlayerQuit(1))
	require.NoError(t, tr.PlayerQuit(2))
	waitDone(t, tr)
	assert.Equal(t, session.StatusEnded, tr.Status())
}

// TestTournament_CloseMidway 測試中途關閉時不保存錦標賽
func TestTournament_CloseMidway(t *testing.T) {
	rec := &recorder{}
	store := newFakeStore()
	tr, closed := newTestTournament(t, rec, store, 0)

	joinAll(t, tr, 1, 2, 3, 4)
	require.NoError(t, tr.Start(1))
	require.NoError(t, tr.Close(0))
	waitDone(t, tr)

	assert.True(t, closed.Load())
	assert.Empty(t, store.savedTournaments())

	end := rec.find(session.EventTournamentFinished)
	require.Len(t, end, 1)
	assert.Nil(t, end[0].Winner)
}

// TestTournament_CloseWithForfeit 測試關閉時退賽的場次仍會記錄並保存
func TestTournament_CloseWithForfeit(t *testing.T) {
	rec := &recorder{}
	store := newFakeStore()
	tr, closed := newTestTournament(t, rec, store, 0)

	joinAll(t, tr, 1, 2, 3, 4)
	require.NoError(t, tr.Start(1))
	require.Eventually(t, func() bool {
		return rec.count(session.EventGameStarted) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, tr.Close(1))
	waitDone(t, tr)
	assert.True(t, closed.Load())

	saved := store.savedMatches()
	require.Len(t, saved, 1)
	assert.Equal(t, engine.PlayerID(2), saved[0].Winner)
	assert.True(t, saved[0].Forfeit)

	finished := rec.find(session.EventMatchFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, engine.PlayerID(2), *finished[0].Winner)
	assert.Equal(t, engine.PlayerID(1), *finished[0].Loser)

	// 錦標賽沒有打完，不保存
	assert.Empty(t, store.savedTournaments())
}

// TestTournament_UpdatePlayer 測試只有場上玩家的輸入會生效
func TestTournament_UpdatePlayer(t *testing.T) {
	tr, _ := newTestTournament(t, &recorder{}, nil, 0)
	joinAll(t, tr, 1, 2, 3, 4)

	in := engine.Input{ActionType: engine.KeyDown, Key: "ArrowUp"}
	assert.True(t, apperrors.IsUnknownPlayer(tr.UpdatePlayer(9, in)))
	// 尚未開始，沒有進行中的場次
	assert.NoError(t, tr.UpdatePlayer(1, in))

	require.NoError(t, tr.Close(0))
	waitDone(t, tr)
}
