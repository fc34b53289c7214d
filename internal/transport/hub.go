// Package transport WebSocket 傳輸層
//
// 系統設計問題：
//
//	房間廣播每秒 60 幀，如何不讓慢連線拖住 tick？
//
// 核心挑戰：
//  1. 連線與群組（房間）多對多
//  2. 死連線檢測（網路異常、客戶端崩潰）
//  3. 同一條連線的輸入必須依到達順序交給上層
//
// 設計方案：
//
//	✅ Hub 集中管理連線與群組（RWMutex，廣播走讀鎖）
//	✅ 每條連線一個 readPump / writePump
//	✅ 緩衝 channel，滿了就丟棄這一幀
//	✅ WebSocket Ping/Pong 心跳（54s/60s）
//	✅ 應用層 ping{time} 在這一層直接回 pong{time}，不進入遊戲邏輯
package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 256
)

// MessageHandler 上層（gateway）處理連線事件
//
// OnMessage 在該連線的 readPump 中依序呼叫。
type MessageHandler interface {
	OnMessage(c *Conn, data []byte)
	OnDisconnect(c *Conn)
}

// Hub 連線中心
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[*Conn]struct{}
	groups map[string]map[*Conn]struct{}

	dropped int64
}

// NewHub 創建 Hub
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			// 生產環境應該檢查來源
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns:  make(map[*Conn]struct{}),
		groups: make(map[string]map[*Conn]struct{}),
	}
}

// Upgrade 升級 HTTP 連線並啟動讀寫 goroutine
//
// groups 在 readPump 啟動前加入，第一則訊息觸發的廣播不會漏掉自己。
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request, handler MessageHandler, groups ...string) (*Conn, error) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		id:      uuid.NewString(),
		hub:     h,
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		handler: handler,
		groups:  make(map[string]struct{}),
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	for _, g := range groups {
		h.joinLocked(c, g)
	}
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()

	h.logger.Debug("WebSocket 連接建立", "conn_id", c.id, "remote", ws.RemoteAddr().String())
	return c, nil
}

// JoinGroup 加入群組
func (h *Hub) JoinGroup(c *Conn, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	h.joinLocked(c, group)
}

func (h *Hub) joinLocked(c *Conn, group string) {
	members := h.groups[group]
	if members == nil {
		members = make(map[*Conn]struct{})
		h.groups[group] = members
	}
	members[c] = struct{}{}

	c.mu.Lock()
	c.groups[group] = struct{}{}
	c.mu.Unlock()
}

// LeaveGroup 離開群組；群組空了就刪除
func (h *Hub) LeaveGroup(c *Conn, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, group)
}

func (h *Hub) leaveLocked(c *Conn, group string) {
	if members, ok := h.groups[group]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	c.mu.Lock()
	delete(c.groups, group)
	c.mu.Unlock()
}

// SendToGroup 廣播；緩衝區滿的連線跳過這則訊息
func (h *Hub) SendToGroup(group string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.groups[group] {
		if !c.trySend(msg) {
			h.dropped++
			h.logger.Warn("連接緩衝區滿", "group", group, "conn_id", c.id)
		}
	}
}

// SendToConnection 單播
func (h *Hub) SendToConnection(c *Conn, msg []byte) bool {
	return c.trySend(msg)
}

// unregister 連線結束：離開所有群組並關閉 send channel
func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c)
	for _, g := range c.Groups() {
		h.leaveLocked(c, g)
	}
	h.mu.Unlock()
	c.closeSend()
}

// Stats 連線統計
type Stats struct {
	Connections int            `json:"connections"`
	Groups      map[string]int `json:"groups"`
	Dropped     int64          `json:"dropped_messages"`
}

// Stats 實時統計
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := Stats{Connections: len(h.conns), Groups: make(map[string]int, len(h.groups)), Dropped: h.dropped}
	for g, members := range h.groups {
		st.Groups[g] = len(members)
	}
	return st
}

// Shutdown 關閉所有連線
func (h *Hub) Shutdown() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
	h.logger.Info("WebSocket Hub 已停止", "connections", len(conns))
}

// Conn 一條 WebSocket 連線
type Conn struct {
	id      string
	hub     *Hub
	ws      *websocket.Conn
	send    chan []byte
	handler MessageHandler

	mu     sync.Mutex
	closed bool
	groups map[string]struct{}
}

// ID 連線 ID
func (c *Conn) ID() string { return c.id }

// Groups 目前所在的群組
func (c *Conn) Groups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.groups))
	for g := range c.groups {
		out = append(out, g)
	}
	return out
}

// Send 單播
func (c *Conn) Send(msg []byte) bool { return c.trySend(msg) }

// SendJSON 序列化後單播
func (c *Conn) SendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.hub.logger.Error("序列化訊息失敗", "conn_id", c.id, "error", err)
		return false
	}
	return c.trySend(data)
}

// Close 主動關閉；readPump 結束後會觸發 OnDisconnect
func (c *Conn) Close() {
	c.closeSend()
	_ = c.ws.Close()
}

func (c *Conn) trySend(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// pingMessage 應用層心跳
type pingMessage struct {
	Type string          `json:"type"`
	Time json.RawMessage `json:"time,omitempty"`
}

// handlePing 是 ping 時直接回覆並返回 true
func (c *Conn) handlePing(data []byte) bool {
	var msg pingMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "ping" {
		return false
	}
	c.SendJSON(pingMessage{Type: "pong", Time: msg.Time})
	return true
}

// readPump 讀取客戶端訊息
//
// 60 秒內沒有任何訊息（包括 Pong）就關閉連線；配合 writePump 的 54 秒 Ping。
func (c *Conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.ws.Close()
		if c.handler != nil {
			c.handler.OnDisconnect(c)
		}
	}()

	c.ws.SetReadLimit(maxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.hub.logger.Error("設置讀取期限失敗", "error", err)
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("WebSocket 讀取錯誤", "conn_id", c.id, "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if c.handlePing(data) {
			continue
		}
		if c.handler != nil {
			c.handler.OnMessage(c, data)
		}
	}
}

// writePump 寫入訊息並定期送出 Ping
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				deadline := time.Now().Add(time.Second)
				if err := c.ws.SetWriteDeadline(deadline); err == nil {
					_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				}
				return
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
