package matchmaking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-match-engine/internal/engine"
	apperrors "github.com/koopa0/system-design/14-match-engine/pkg/errors"
)

// RedisGroupQueue 多進程共用的固定人數佇列
//
// Redis 結構：
//
//	{prefix}:queue:{game}          - List，排隊順序
//	{prefix}:queue:{game}:members  - Set，重複檢查
//	{prefix}:matches:{game}        - Pub/Sub 頻道，成局通知
//
// Join 用一個 Lua 腳本完成「檢查重複 → 入隊 → 滿了就取出 size 人」，
// 成局後發佈到頻道，每個進程的 Run 收到後通知自己持有的連線。
// 發佈失敗時其餘玩家放回隊首，觸發成局的玩家收到錯誤、不在佇列中。
type RedisGroupQueue struct {
	client  *redis.Client
	game    string
	size    int
	prefix  string
	handler Handler
	logger  *slog.Logger
	clock   engine.Clock

	join    *redis.Script
	leave   *redis.Script
	requeue *redis.Script

	readyOnce sync.Once
	ready     chan struct{}
}

var _ Queue = (*RedisGroupQueue)(nil)

// KEYS[1]: list
// KEYS[2]: members set
// ARGV[1]: player id
// ARGV[2]: 一組的人數
//
// 返回 {-1} 重複、{0} 已入隊、{1, id...} 成局
var joinScript = `
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
    return {-1}
end
redis.call('RPUSH', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[2], ARGV[1])

local size = tonumber(ARGV[2])
if redis.call('LLEN', KEYS[1]) < size then
    return {0}
end

local ids = redis.call('LPOP', KEYS[1], size)
for i, id in ipairs(ids) do
    redis.call('SREM', KEYS[2], id)
end
local out = {1}
for i, id in ipairs(ids) do
    out[#out + 1] = id
end
return out
`

// KEYS[1]: list
// KEYS[2]: members set
// ARGV[1]: player id
var leaveScript = `
if redis.call('SREM', KEYS[2], ARGV[1]) == 1 then
    redis.call('LREM', KEYS[1], 0, ARGV[1])
    return 1
end
return 0
`

// KEYS[1]: list
// KEYS[2]: members set
// ARGV: 玩家 id，依原本的排隊順序
//
// 倒序 LPUSH 保持順序；已經重新排隊的玩家跳過
var requeueScript = `
local n = 0
for i = #ARGV, 1, -1 do
    if redis.call('SADD', KEYS[2], ARGV[i]) == 1 then
        redis.call('LPUSH', KEYS[1], ARGV[i])
        n = n + 1
    end
end
return n
`

// requeueTimeout 補償操作的時限；呼叫方的 ctx 可能已經逾時
const requeueTimeout = 2 * time.Second

// NewRedisGroupQueue 創建佇列
func NewRedisGroupQueue(client *redis.Client, prefix, game string, size int, handler Handler, logger *slog.Logger) *RedisGroupQueue {
	if prefix == "" {
		prefix = "match"
	}
	if size < 2 {
		size = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisGroupQueue{
		client:  client,
		game:    game,
		size:    size,
		prefix:  prefix,
		handler: handler,
		logger:  logger.With("queue", "redis_group", "game", game),
		clock:   time.Now,
		join:    redis.NewScript(joinScript),
		leave:   redis.NewScript(leaveScript),
		requeue: redis.NewScript(requeueScript),
		ready:   make(chan struct{}),
	}
}

// Game 實現 Queue
func (q *RedisGroupQueue) Game() string { return q.game }

func (q *RedisGroupQueue) listKey() string    { return fmt.Sprintf("%s:queue:%s", q.prefix, q.game) }
func (q *RedisGroupQueue) membersKey() string { return q.listKey() + ":members" }

// Channel 成局通知頻道
func (q *RedisGroupQueue) Channel() string { return fmt.Sprintf("%s:matches:%s", q.prefix, q.game) }

// Join 加入佇列；湊滿一組時發佈成局
func (q *RedisGroupQueue) Join(ctx context.Context, t Ticket) error {
	res, err := q.join.Run(ctx, q.client,
		[]string{q.listKey(), q.membersKey()},
		int64(t.PlayerID), q.size,
	).Slice()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "join queue")
	}
	if len(res) == 0 {
		return fmt.Errorf("join queue: empty script result")
	}

	switch status, _ := res[0].(int64); status {
	case -1:
		return apperrors.ErrAlreadyQueued.WithDetails("player %d already in %s queue", t.PlayerID, q.game)
	case 0:
		q.logger.Debug("玩家排隊", "player_id", t.PlayerID)
		return nil
	}

	popped := make([]string, 0, len(res)-1)
	for _, raw := range res[1:] {
		s, _ := raw.(string)
		popped = append(popped, s)
	}

	m := Match{RoomID: NewRoomID(), Game: q.game, FormedAt: q.clock()}
	for _, s := range popped {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			q.restore(ctx, popped, t.PlayerID)
			return fmt.Errorf("parse queued player %q: %w", s, err)
		}
		m.Players = append(m.Players, engine.PlayerID(id))
	}

	data, err := json.Marshal(m)
	if err != nil {
		q.restore(ctx, popped, t.PlayerID)
		return fmt.Errorf("marshal match: %w", err)
	}
	if err := q.client.Publish(ctx, q.Channel(), data).Err(); err != nil {
		q.restore(ctx, popped, t.PlayerID)
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "publish match")
	}
	q.logger.Info("成局", "room_id", m.RoomID, "players", m.Players)
	return nil
}

// restore 成局失敗時把已取出的玩家放回隊首（觸發者除外）
func (q *RedisGroupQueue) restore(ctx context.Context, popped []string, joiner engine.PlayerID) {
	joinerKey := strconv.FormatInt(int64(joiner), 10)
	args := make([]any, 0, len(popped))
	for _, id := range popped {
		if id != joinerKey {
			args = append(args, id)
		}
	}
	if len(args) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requeueTimeout)
	defer cancel()
	n, err := q.requeue.Run(ctx, q.client, []string{q.listKey(), q.membersKey()}, args...).Int()
	if err != nil {
		q.logger.Error("放回佇列失敗，玩家需要重新排隊", "players", args, "error", err)
		return
	}
	q.logger.Warn("成局失敗，玩家已放回佇列", "requeued", n)
}

// Leave 離開佇列
func (q *RedisGroupQueue) Leave(ctx context.Context, id engine.PlayerID) error {
	err := q.leave.Run(ctx, q.client, []string{q.listKey(), q.membersKey()}, int64(id)).Err()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "leave queue")
	}
	return nil
}

// Len 排隊人數
func (q *RedisGroupQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.listKey()).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Ready 訂閱建立後關閉
func (q *RedisGroupQueue) Ready() <-chan struct{} { return q.ready }

// Run 訂閱成局頻道並呼叫 Handler，直到 ctx 取消
func (q *RedisGroupQueue) Run(ctx context.Context) error {
	sub := q.client.Subscribe(ctx, q.Channel())
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", q.Channel(), err)
	}
	q.readyOnce.Do(func() { close(q.ready) })

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m Match
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				q.logger.Warn("無法解析成局通知", "error", err)
				continue
			}
			if q.handler != nil {
				q.handler(m)
			}
		}
	}
}
