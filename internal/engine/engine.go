// Package engine 定義可插拔的遊戲規則引擎
//
// 系統設計問題：
//
//	同一套房間編排（Lobby / Tournament）如何驅動規則完全不同的遊戲？
//
// 核心挑戰：
//  1. 物理模擬（Pong）與回合制（Liars Bar）的時間模型不同
//  2. 編排層只能依賴統一的能力介面，不能知道具體遊戲
//  3. 引擎本身不處理並發，由持有它的 Session 加鎖
//
// 設計方案：
//
//	✅ Engine 介面 - add / update / tick / snapshot / start / reset
//	✅ Roster 泛型 - 容量與 ID 唯一性只實作一次
//	✅ ScoringStrategy - MMR 公式可替換
//	✅ 注入 Clock / Rand - 測試可重現
package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PlayerID 玩家 ID
//
// 負數保留給機器人或系統玩家，這類玩家不寫入統計。
type PlayerID int64

// IsBot 是否為機器人
func (id PlayerID) IsBot() bool {
	return id < 0
}

// Persistent 是否需要寫入戰績
func (id PlayerID) Persistent() bool {
	return id > 0
}

// String 實現 fmt.Stringer
func (id PlayerID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// UnmarshalJSON 同時接受數字與數字字串（客戶端兩種都會送）
func (id *PlayerID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return fmt.Errorf("player id is null")
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid player id %q: %w", s, err)
	}
	*id = PlayerID(v)
	return nil
}

// ParsePlayerID 解析路徑或查詢參數中的玩家 ID
func ParsePlayerID(s string) (PlayerID, error) {
	var id PlayerID
	if err := json.Unmarshal([]byte(strconv.Quote(s)), &id); err != nil {
		return 0, err
	}
	return id, nil
}

// ConnectionState 連線狀態
type ConnectionState string

const (
	Connected    ConnectionState = "CONNECTED"
	Disconnected ConnectionState = "DISCONNECTED"
)

// 輸入事件類型
const (
	KeyDown = "key_down"
	KeyUp   = "key_up"
)

// Input 玩家輸入（update_player 訊息的內容）
type Input struct {
	ActionType string `json:"action_type"`
	Key        string `json:"key"`
}

// Valid 檢查事件類型，按鍵由具體引擎判斷
func (in Input) Valid() bool {
	return (in.ActionType == KeyDown || in.ActionType == KeyUp) && in.Key != ""
}

// Clock 時間來源
type Clock func() time.Time

// Engine 遊戲規則引擎
//
// 實作不需要是並發安全的：Lobby / Tournament 在呼叫任何方法前都持有自己的鎖。
type Engine interface {
	// Name 遊戲名稱（pong / liarsbar）
	Name() string
	// MaxPlayers 玩家上限
	MaxPlayers() int
	// AddPlayer 加入玩家；已斷線的同一 ID 重新加入時恢復原座位
	AddPlayer(id PlayerID, isBot bool) error
	// UpdatePlayer 套用輸入；格式錯誤的輸入只記錄日誌
	UpdatePlayer(id PlayerID, in Input) error
	// PlayerDisconnected 標記斷線但保留資料
	PlayerDisconnected(id PlayerID) error
	// Tick 推進一幀；返回錯誤代表引擎不變量被破壞
	Tick() error
	// Snapshot 無副作用的狀態副本
	Snapshot() any
	Start() error
	Reset()
	Running() bool
	// Players 依座位順序返回玩家 ID
	Players() []PlayerID
	Winner() (PlayerID, bool)
	Loser() (PlayerID, bool)
	// Forfeit 記錄棄權，對手不戰而勝
	Forfeit(id PlayerID)
	// Result 比賽結果（僅在結束後有意義）
	Result() Result
}

// BotController 由引擎自己操作機器人座位；單人模式只開放給實現此介面的遊戲
type BotController interface {
	ControlsBots() bool
}
