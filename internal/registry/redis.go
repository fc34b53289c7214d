package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisOwnership 以 Redis 記錄房間由哪個進程持有
//
// Key：{prefix}:room:{room_id} → 進程 token
//
//	Claim   - SET NX PX，已經是自己持有時視為成功
//	Release - Lua 比對 token 後才刪除，不會刪掉別人的持有權
//	Refresh - Lua 比對 token 後延長 TTL
//
// 進程崩潰時 key 會在 TTL 後過期，房間 ID 可以被其他進程重新使用。
type RedisOwnership struct {
	client  *redis.Client
	prefix  string
	token   string
	ttl     time.Duration
	release *redis.Script
	refresh *redis.Script
}

// KEYS[1]: 房間 key
// ARGV[1]: 本進程 token
var releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// KEYS: 房間 key 列表
// ARGV[1]: 本進程 token
// ARGV[2]: TTL（毫秒）
// 返回成功續約的數量
var refreshScript = `
local n = 0
for i, key in ipairs(KEYS) do
    if redis.call('GET', key) == ARGV[1] then
        redis.call('PEXPIRE', key, ARGV[2])
        n = n + 1
    end
end
return n
`

// NewRedisOwnership 創建持有權管理；每個進程一個隨機 token
func NewRedisOwnership(client *redis.Client, prefix string, ttl time.Duration) *RedisOwnership {
	if prefix == "" {
		prefix = "match"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisOwnership{
		client:  client,
		prefix:  prefix,
		token:   uuid.NewString(),
		ttl:     ttl,
		release: redis.NewScript(releaseScript),
		refresh: redis.NewScript(refreshScript),
	}
}

func (o *RedisOwnership) key(roomID string) string {
	return fmt.Sprintf("%s:room:%s", o.prefix, roomID)
}

// Token 本進程的 token
func (o *RedisOwnership) Token() string { return o.token }

// TTL 實現 Ownership
func (o *RedisOwnership) TTL() time.Duration { return o.ttl }

// Claim 嘗試取得房間
func (o *RedisOwnership) Claim(ctx context.Context, roomID string) (bool, error) {
	key := o.key(roomID)
	ok, err := o.client.SetNX(ctx, key, o.token, o.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", roomID, err)
	}
	if ok {
		return true, nil
	}

	owner, err := o.client.Get(ctx, key).Result()
	switch {
	case err == redis.Nil:
		// 剛好過期，再試一次
		return o.client.SetNX(ctx, key, o.token, o.ttl).Result()
	case err != nil:
		return false, fmt.Errorf("read owner of %s: %w", roomID, err)
	}
	return owner == o.token, nil
}

// Release 釋放房間；不是自己持有時不做任何事
func (o *RedisOwnership) Release(ctx context.Context, roomID string) error {
	if err := o.release.Run(ctx, o.client, []string{o.key(roomID)}, o.token).Err(); err != nil {
		return fmt.Errorf("release %s: %w", roomID, err)
	}
	return nil
}

// Refresh 延長所有仍由本進程持有的房間
func (o *RedisOwnership) Refresh(ctx context.Context, roomIDs []string) error {
	if len(roomIDs) == 0 {
		return nil
	}
	keys := make([]string, len(roomIDs))
	for i, id := range roomIDs {
		keys[i] = o.key(id)
	}
	if err := o.refresh.Run(ctx, o.client, keys, o.token, o.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("refresh %d rooms: %w", len(roomIDs), err)
	}
	return nil
}

// Owner 查詢房間目前的持有者
func (o *RedisOwnership) Owner(ctx context.Context, roomID string) (string, bool, error) {
	owner, err := o.client.Get(ctx, o.key(roomID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return owner, true, nil
}
