package engine_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-match-engine/internal/engine"
	apperrors "github.com/koopa0/system-design/14-match-engine/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPlayer struct {
	engine.PlayerBase
	hits int
}

func newTestPlayer(base engine.PlayerBase) *testPlayer {
	return &testPlayer{PlayerBase: base}
}

// TestPlayerID_UnmarshalJSON 測試數字與字串兩種格式
func TestPlayerID_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    engine.PlayerID
		wantErr bool
		wantNil bool
	}{
		{"number", `{"player_id": 42}`, 42, false, false},
		{"string", `{"player_id": "17"}`, 17, false, false},
		{"negative bot", `{"player_id": -1}`, -1, false, false},
		{"null leaves field unset", `{"player_id": null}`, 0, false, true},
		{"missing", `{}`, 0, false, true},
		{"garbage", `{"player_id": "abc"}`, 0, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg struct {
				PlayerID *engine.PlayerID `json:"player_id"`
			}
			err := json.Unmarshal([]byte(tt.input), &msg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, msg.PlayerID)
				return
			}
			require.NotNil(t, msg.PlayerID)
			assert.Equal(t, tt.want, *msg.PlayerID)
		})
	}
}

// TestPlayerID_Kinds 測試機器人判斷
func TestPlayerID_Kinds(t *testing.T) {
	assert.True(t, engine.PlayerID(-1).IsBot())
	assert.False(t, engine.PlayerID(-1).Persistent())
	assert.False(t, engine.PlayerID(0).Persistent())
	assert.True(t, engine.PlayerID(3).Persistent())

	id, err := engine.ParsePlayerID("123")
	require.NoError(t, err)
	assert.Equal(t, engine.PlayerID(123), id)
}

// TestRoster_Add 測試容量、重複與重連
func TestRoster_Add(t *testing.T) {
	r := engine.NewRoster[*testPlayer](2)

	p1, rejoined, err := r.Add(1, false, newTestPlayer)
	require.NoError(t, err)
	assert.False(t, rejoined)
	assert.Equal(t, 0, p1.Seat)

	_, _, err = r.Add(1, false, newTestPlayer)
	assert.True(t, apperrors.IsDuplicateID(err))

	p2, _, err := r.Add(2, true, newTestPlayer)
	require.NoError(t, err)
	assert.Equal(t, 1, p2.Seat)
	assert.True(t, r.HasBot())

	_, _, err = r.Add(3, false, newTestPlayer)
	assert.True(t, apperrors.IsCapacity(err))
	assert.Equal(t, 2, r.Len())

	// 斷線後以同一 ID 重新加入，恢復原座位
	require.NoError(t, r.Disconnect(1))
	p1.hits = 5
	again, rejoined, err := r.Add(1, false, newTestPlayer)
	require.NoError(t, err)
	assert.True(t, rejoined)
	assert.Same(t, p1, again)
	assert.Equal(t, engine.Connected, again.State)
	assert.Equal(t, 5, again.hits)

	assert.True(t, apperrors.IsUnknownPlayer(r.Disconnect(99)))
	assert.Equal(t, []engine.PlayerID{1, 2}, r.IDs())
}

// TestRoster_Clear 測試清空後可重新使用
func TestRoster_Clear(t *testing.T) {
	r := engine.NewRoster[*testPlayer](2)
	_, _, _ = r.Add(1, false, newTestPlayer)
	_, _, _ = r.Add(2, false, newTestPlayer)
	ids := r.IDs()

	r.Clear()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, []engine.PlayerID{1, 2}, ids, "IDs 應返回副本")

	p, _, err := r.Add(7, false, newTestPlayer)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Seat)
}

// TestScoring 測試兩種計分策略
func TestScoring(t *testing.T) {
	flat := engine.DefaultFlatScoring()
	xp, rating := flat.Score(10*time.Minute, true)
	assert.Equal(t, 100, xp)
	assert.Equal(t, 100, rating)
	xp, rating = flat.Score(time.Second, false)
	assert.Equal(t, 10, xp)
	assert.Equal(t, 10, rating)

	scaled := engine.DefaultDurationScoring()
	tests := []struct {
		name       string
		duration   time.Duration
		won        bool
		wantRating int
	}{
		{"short win", 30 * time.Second, true, 15},
		{"two minute win", 2*time.Minute + time.Second, true, 25},
		{"capped win", time.Hour, true, 40},
		{"loss is floor", time.Hour, false, -15},
		{"quick loss is floor", time.Second, false, -15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, got := scaled.Score(tt.duration, tt.won)
			assert.Equal(t, tt.wantRating, got)
		})
	}

	_, err := engine.NewScoring("elo")
	assert.Error(t, err)
	s, err := engine.NewScoring("flat")
	require.NoError(t, err)
	assert.IsType(t, engine.FlatScoring{}, s)
}
