// Package gateway は接続と参加者の対応付け、送信レート制限、チャンネルの書き込みポリシーを扱う
// チャットの中核を提供する。トランスポートは接続ごとにConnを開き、切断時にDisconnectを呼ぶ。
package gateway

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hitoshi/garage/internal/message"
	"github.com/hitoshi/garage/internal/metrics"
	"github.com/hitoshi/garage/internal/model"
	"github.com/hitoshi/garage/internal/presence"
)

const (
	// DefaultCooldown は同一参加者の送信間隔の最小値。
	DefaultCooldown = 2 * time.Second
	// DefaultMaxMessageLength はトリム後の本文の最大文字数。
	DefaultMaxMessageLength = 500
)

// SessionVerifier はバンドのセッショントークンを検証する。
type SessionVerifier interface {
	VerifyToken(ctx context.Context, raw string) (*model.BandAccount, error)
}

// Identity はゲートウェイが参照するIdentity Storeの操作。
type Identity interface {
	FindBandByID(ctx context.Context, bandID string) (*model.BandAccount, error)
	IsBandUsername(ctx context.Context, name string) (bool, error)
	FindAnonymousUser(ctx context.Context, id string) (*model.AnonymousUser, error)
	TouchAnonymousUser(ctx context.Context, id string) error
	CountAnonymousUsers(ctx context.Context) (int, error)
}

// MessageStore はChannel Message Storeの操作。
type MessageStore interface {
	Append(ctx context.Context, msg model.Message) (model.Message, error)
	RecentMessages(ctx context.Context, channelID string, limit int) ([]model.Message, error)
	Join(ctx context.Context, channelID string, limit int) ([]model.Message, *message.Subscription, error)
}

// Channels は静的なチャンネル一覧。
type Channels interface {
	Get(id string) (model.Channel, bool)
	List() []model.Channel
}

// VisitCounter はサイト訪問数の集計。
type VisitCounter interface {
	IncrementVisits(ctx context.Context) (int64, error)
	TotalVisits(ctx context.Context) (int64, error)
}

// Config はGatewayの設定。
type Config struct {
	Cooldown         time.Duration
	MaxMessageLength int
	HistoryLimit     int
	// GapWait はライブ配信で欠番を待つ時間。0以下はmessage.DefaultGapWait。
	GapWait time.Duration
}

// Deps はGatewayの依存関係。
type Deps struct {
	Sessions SessionVerifier
	Identity Identity
	Store    MessageStore
	Channels Channels
	Presence *presence.Tracker
	Visits   VisitCounter
	Metrics  metrics.MetricsCollector
}

// Gateway はチャットの中核。全ての公開メソッドは並行に呼び出せる。
type Gateway struct {
	sessions SessionVerifier
	identity Identity
	store    MessageStore
	channels Channels
	presence *presence.Tracker
	visits   VisitCounter
	metrics  metrics.MetricsCollector
	cfg      Config
	now      func() time.Time
}

// New はGatewayを生成する。
func New(deps Deps, cfg Config) *Gateway {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultMaxMessageLength
	}
	if cfg.GapWait <= 0 {
		cfg.GapWait = message.DefaultGapWait
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Presence == nil {
		deps.Presence = presence.NewTracker()
	}
	return &Gateway{
		sessions: deps.Sessions,
		identity: deps.Identity,
		store:    deps.Store,
		channels: deps.Channels,
		presence: deps.Presence,
		visits:   deps.Visits,
		metrics:  deps.Metrics,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetClock はレート制限の判定に使う時計を差し替える。
func (g *Gateway) SetClock(now func() time.Time) {
	g.now = now
}

// Open はトランスポートの接続を未認証のConnとして登録し、訪問数を1増やす。
func (g *Gateway) Open(ctx context.Context, connID string, sink Sink) *Conn {
	if g.visits != nil {
		if _, err := g.visits.IncrementVisits(ctx); err != nil {
			slog.Warn("訪問数の更新に失敗しました", slog.String("error", err.Error()))
		}
	}
	g.metrics.RecordConnectionOpened()
	return newConn(connID, sink)
}

// Disconnect は接続の購読を終了し、プレゼンスから取り除く。
// トランスポートの切断イベントから同期的に呼ばれる。冪等。
func (g *Gateway) Disconnect(conn *Conn) {
	if !conn.markClosed() {
		return
	}
	conn.stopLive()
	if _, ok := g.presence.Leave(conn.id); ok {
		g.metrics.SetOnlineCount(g.presence.OnlineCount())
	}
	g.metrics.RecordConnectionClosed()
}

// FetchHistory はチャンネルの直近のメッセージを古い順に返す。
func (g *Gateway) FetchHistory(ctx context.Context, channelID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = g.cfg.HistoryLimit
	}
	return g.store.RecentMessages(ctx, channelID, limit)
}

// OnlineCount は認証済みの接続数を返す。
func (g *Gateway) OnlineCount() int {
	return g.presence.OnlineCount()
}

// Participants は認証済みの参加者を表示名順に返す。
func (g *Gateway) Participants() []model.Participant {
	out := g.presence.Participants()
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].DisplayName), strings.ToLower(out[j].DisplayName)
		if a != b {
			return a < b
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SubscribePresence はプレゼンスイベントの購読を開始する。
func (g *Gateway) SubscribePresence(buffer int) *presence.Subscription {
	return g.presence.Subscribe(buffer)
}

// Channels はチャンネル一覧を返す。
func (g *Gateway) Channels() []model.Channel {
	return g.channels.List()
}

// Channel はIDに対応するチャンネルを返す。
func (g *Gateway) Channel(id string) (model.Channel, bool) {
	return g.channels.Get(id)
}

// Stats はトップページ用の集計値を返す。
func (g *Gateway) Stats(ctx context.Context) (model.SiteStats, error) {
	stats := model.SiteStats{OnlineCount: g.presence.OnlineCount()}

	users, err := g.identity.CountAnonymousUsers(ctx)
	if err != nil {
		slog.Error("ユーザー数の取得に失敗しました", slog.String("error", err.Error()))
		return model.SiteStats{}, model.NewUnavailableError("Stats are unavailable")
	}
	stats.TotalUsers = users

	if g.visits != nil {
		visits, err := g.visits.TotalVisits(ctx)
		if err != nil {
			slog.Error("訪問数の取得に失敗しました", slog.String("error", err.Error()))
			return model.SiteStats{}, model.NewUnavailableError("Stats are unavailable")
		}
		stats.TotalVisits = visits
	}
	return stats, nil
}
