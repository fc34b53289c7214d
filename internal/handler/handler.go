// Package handler HTTP API
//
// 路由：
//
//	GET /health                              - 健康檢查
//	GET /stats                               - 房間、佇列、連線統計
//	GET /api/v1/matches                      - 進行中的房間
//	GET /api/v1/matches/{room_id}            - 房間快照
//	GET /api/v1/players/{player_id}/stats    - 玩家戰績
//	GET /api/v1/leaderboard?limit=           - 積分排行
//
// WebSocket 路由由 gateway 註冊在同一個 mux 上。
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/koopa0/system-design/14-match-engine/internal/engine"
	"github.com/koopa0/system-design/14-match-engine/internal/matchmaking"
	"github.com/koopa0/system-design/14-match-engine/internal/registry"
	"github.com/koopa0/system-design/14-match-engine/internal/session"
	"github.com/koopa0/system-design/14-match-engine/internal/storage"
	"github.com/koopa0/system-design/14-match-engine/internal/transport"
	apperrors "github.com/koopa0/system-design/14-match-engine/pkg/errors"
)

// Registry 房間查詢
type Registry interface {
	List() []registry.Summary
	GetMatch(roomID string) (session.Session, error)
	Stats() registry.Stats
}

// Stats 戰績查詢（storage.Store 實現此介面）
type Stats interface {
	PlayerStats(ctx context.Context, id engine.PlayerID) (storage.PlayerStats, error)
	Leaderboard(ctx context.Context, limit int) ([]storage.PlayerStats, error)
}

// Gateway WebSocket 接入（gateway.Gateway 實現此介面）
type Gateway interface {
	Register(mux *http.ServeMux)
	Queues() []matchmaking.Queue
	Waiting() map[string]int
}

// Handler HTTP 請求處理器
type Handler struct {
	registry Registry
	stats    Stats
	hub      *transport.Hub
	gateway  Gateway
	logger   *slog.Logger
	started  time.Time
}

// New 創建 Handler；hub 與 gateway 可以為 nil
func New(reg Registry, stats Stats, hub *transport.Hub, gw Gateway, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry: reg,
		stats:    stats,
		hub:      hub,
		gateway:  gw,
		logger:   logger,
		started:  time.Now(),
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	mux.HandleFunc("GET /api/v1/matches", wrap(h.listMatches))
	mux.HandleFunc("GET /api/v1/matches/{room_id}", wrap(h.getMatch))
	mux.HandleFunc("GET /api/v1/players/{player_id}/stats", wrap(h.playerStats))
	mux.HandleFunc("GET /api/v1/leaderboard", wrap(h.leaderboard))

	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.serviceStats))

	// WebSocket 不經過 loggerMiddleware：升級需要原始的 ResponseWriter
	if h.gateway != nil {
		h.gateway.Register(mux)
	}
	return mux
}

func (h *Handler) listMatches(w http.ResponseWriter, r *http.Request) {
	matches := h.registry.List()
	if game := r.URL.Query().Get("game"); game != "" {
		matches = slices.DeleteFunc(matches, func(s registry.Summary) bool { return s.Game != game })
	}
	h.jsonResponse(w, map[string]any{
		"matches": matches,
		"total":   len(matches),
	}, http.StatusOK)
}

func (h *Handler) getMatch(w http.ResponseWriter, r *http.Request) {
	s, err := h.registry.GetMatch(r.PathValue("room_id"))
	if err != nil {
		h.appError(w, err)
		return
	}
	h.jsonResponse(w, s.Snapshot(), http.StatusOK)
}

func (h *Handler) playerStats(w http.ResponseWriter, r *http.Request) {
	id, err := engine.ParsePlayerID(r.PathValue("player_id"))
	if err != nil {
		h.errorResponse(w, "invalid player_id", http.StatusBadRequest)
		return
	}

	stats, err := h.stats.PlayerStats(r.Context(), id)
	if err != nil {
		h.appError(w, err)
		return
	}
	h.jsonResponse(w, stats, http.StatusOK)
}

func (h *Handler) leaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.errorResponse(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	players, err := h.stats.Leaderboard(r.Context(), limit)
	if err != nil {
		h.appError(w, err)
		return
	}
	h.jsonResponse(w, map[string]any{
		"players": players,
		"limit":   limit,
	}, http.StatusOK)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
		"uptime": time.Since(h.started).Round(time.Second).String(),
	}, http.StatusOK)
}

// queueStats 單一佇列的統計
type queueStats struct {
	Game    string `json:"game"`
	Waiting int    `json:"waiting"`
	Local   int    `json:"local_connections"`
	Formed  *int64 `json:"formed_total,omitempty"`
	Forced  *int64 `json:"forced_total,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (h *Handler) serviceStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"matches": h.registry.Stats(),
	}
	if h.hub != nil {
		resp["connections"] = h.hub.Stats()
	}
	if h.gateway != nil {
		resp["queues"] = h.queueStats(r.Context())
	}
	h.jsonResponse(w, resp, http.StatusOK)
}

func (h *Handler) queueStats(ctx context.Context) []queueStats {
	local := h.gateway.Waiting()
	queues := h.gateway.Queues()
	out := make([]queueStats, 0, len(queues))
	for _, q := range queues {
		st := queueStats{Game: q.Game(), Local: local[q.Game()]}
		n, err := q.Len(ctx)
		if err != nil {
			st.Error = err.Error()
		}
		st.Waiting = n

		switch q := q.(type) {
		case *matchmaking.SkillQueue:
			s := q.Stats()
			st.Formed, st.Forced = &s.Formed, &s.Forced
		case *matchmaking.GroupQueue:
			formed := q.Formed()
			st.Formed = &formed
		}
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b queueStats) int { return strings.Compare(a.Game, b.Game) })
	return out
}

// 輔助方法

func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// appError 依錯誤碼選擇狀態碼
func (h *Handler) appError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("請求失敗", "error", err)
	}
	h.errorResponse(w, err.Error(), status)
}

// responseWriter 記錄狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)
				h.errorResponse(w, "internal server error", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}
