// Package events 把終局結果發佈到 NATS
//
// 其他服務（排行榜、成就、通知）訂閱這些 subject，不需要直接讀資料庫：
//
//	<prefix>.match.finished.<game>
//	<prefix>.tournament.finished.<game>
//
// 使用 Core NATS（fire-and-forget），發佈後 Flush 確認送達伺服器。
// 結果已經寫入 Store，事件遺失只影響下游的即時性。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/koopa0/system-design/14-match-engine/internal/storage"
)

// 事件類型
const (
	TypeMatchFinished      = "match_finished"
	TypeTournamentFinished = "tournament_finished"
)

// MatchFinished 比賽結束事件
type MatchFinished struct {
	Type        string              `json:"type"`
	RoomID      string              `json:"room_id"`
	Match       storage.MatchRecord `json:"match"`
	PublishedAt time.Time           `json:"published_at"`
}

// TournamentFinished 錦標賽結束事件
type TournamentFinished struct {
	Type        string                   `json:"type"`
	Tournament  storage.TournamentRecord `json:"tournament"`
	PublishedAt time.Time                `json:"published_at"`
}

// Publisher NATS 發佈者
type Publisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// Connect 連接 NATS；無限重連
func Connect(url, prefix string, logger *slog.Logger) (*Publisher, error) {
	conn, err := nats.Connect(
		url,
		nats.Name("match-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS 連線中斷", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS 重新連線", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("連接 NATS 失敗: %w", err)
	}
	return NewPublisher(conn, prefix, logger), nil
}

// NewPublisher 使用既有連線
func NewPublisher(conn *nats.Conn, prefix string, logger *slog.Logger) *Publisher {
	if prefix == "" {
		prefix = "match"
	}
	return &Publisher{conn: conn, prefix: prefix, logger: logger}
}

// MatchSubject 比賽結束的 subject
func MatchSubject(prefix, game string) string {
	return fmt.Sprintf("%s.match.finished.%s", prefix, game)
}

// TournamentSubject 錦標賽結束的 subject
func TournamentSubject(prefix, game string) string {
	return fmt.Sprintf("%s.tournament.finished.%s", prefix, game)
}

// PublishMatch 發佈比賽結果
func (p *Publisher) PublishMatch(ctx context.Context, roomID string, rec storage.MatchRecord) error {
	evt := MatchFinished{
		Type:        TypeMatchFinished,
		RoomID:      roomID,
		Match:       rec,
		PublishedAt: time.Now(),
	}
	return p.publish(ctx, MatchSubject(p.prefix, rec.Game), evt)
}

// PublishTournament 發佈錦標賽結果
func (p *Publisher) PublishTournament(ctx context.Context, rec storage.TournamentRecord) error {
	evt := TournamentFinished{
		Type:        TypeTournamentFinished,
		Tournament:  rec,
		PublishedAt: time.Now(),
	}
	return p.publish(ctx, TournamentSubject(p.prefix, rec.Game), evt)
}

func (p *Publisher) publish(ctx context.Context, subject string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化事件失敗: %w", err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("發佈事件失敗: %w", err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush 失敗: %w", err)
	}

	p.logger.Debug("事件已發佈", "subject", subject, "bytes", len(data))
	return nil
}

// Connected 連線狀態（health check 用）
func (p *Publisher) Connected() bool {
	return p.conn.IsConnected()
}

// Close 送出緩衝區後關閉
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("NATS drain 失敗", "error", err)
		p.conn.Close()
	}
}
