package session

import (
	"encoding/json"
	"log/slog"

	"github.com/koopa0/system-design/14-match-engine/internal/engine"
)

// TypeLobbyState 所有廣播共用的 type
const TypeLobbyState = "lobby_state"

// 廣播事件名稱
const (
	EventPlayerJoin         = "player_join"
	EventRecoverPlayerData  = "recover_player_data"
	EventPlayerDisconnected = "player_disconnected"
	EventGameStarted        = "game_started"
	EventHostStartedGame    = "host_started_game"
	EventGameLoop           = "game_loop"
	EventGameFinished       = "game_finished"
	EventPlayerToSetup      = "player_to_setup"
	EventMatchFinished      = "match_finished"
	EventTournamentFinished = "tournament_finished"
)

// EventInfo event_info 欄位
type EventInfo struct {
	Event    string           `json:"event"`
	PlayerID *engine.PlayerID `json:"player_id,omitempty"`
	Match    *Pair            `json:"match,omitempty"`
	Winner   *engine.PlayerID `json:"winner,omitempty"`
	Loser    *engine.PlayerID `json:"loser,omitempty"`
	Round    int              `json:"round,omitempty"`
	Walkover bool             `json:"walkover,omitempty"`
}

// Envelope 對外廣播格式
type Envelope struct {
	Type      string    `json:"type"`
	EventInfo EventInfo `json:"event_info"`
	LobbyInfo any       `json:"lobby_info"`
}

// Encode 序列化廣播
func Encode(info EventInfo, state any) ([]byte, error) {
	return json.Marshal(Envelope{
		Type:      TypeLobbyState,
		EventInfo: info,
		LobbyInfo: state,
	})
}

func event(name string) EventInfo {
	return EventInfo{Event: name}
}

func (i EventInfo) withPlayer(id engine.PlayerID) EventInfo {
	i.PlayerID = &id
	return i
}

func idPtr(id engine.PlayerID) *engine.PlayerID {
	return &id
}

// broadcast 序列化失敗只記錄，不影響房間
func broadcast(b Broadcaster, logger *slog.Logger, group string, info EventInfo, state any) {
	if b == nil {
		return
	}
	data, err := Encode(info, state)
	if err != nil {
		logger.Error("序列化廣播失敗", "event", info.Event, "error", err)
		return
	}
	b.SendToGroup(group, data)
}
