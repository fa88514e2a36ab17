// Package message はチャンネルごとの追記専用メッセージログと、その購読を提供する。
package message

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/garage/internal/broker"
	"github.com/hitoshi/garage/internal/model"
	"github.com/hitoshi/garage/internal/repository"
)

const (
	// DefaultHistoryLimit は履歴取得件数の既定値。
	DefaultHistoryLimit = 50
	// MaxHistoryLimit は履歴取得件数の上限。
	MaxHistoryLimit = 100
)

// ChannelLookup はチャンネルの存在確認に使う。
type ChannelLookup interface {
	Get(id string) (model.Channel, bool)
}

// Config はStoreの設定。
type Config struct {
	DefaultLimit     int
	MaxLimit         int
	SubscriberBuffer int
}

// Store はChannel Message Store。
// 追記と配信はチャンネル単位のロック内で行うため、
// チャンネル内のコミット順、タイムスタンプ順、配信順は一致する。
type Store struct {
	repo     repository.MessageRepository
	broker   broker.Broker
	channels ChannelLookup
	cfg      Config
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore はStoreを生成する。
func NewStore(repo repository.MessageRepository, b broker.Broker, channels ChannelLookup, cfg Config) *Store {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultHistoryLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = MaxHistoryLimit
	}
	if cfg.DefaultLimit > cfg.MaxLimit {
		cfg.DefaultLimit = cfg.MaxLimit
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = broker.DefaultBuffer
	}
	return &Store{
		repo:     repo,
		broker:   b,
		channels: channels,
		cfg:      cfg,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
}

// SetClock はタイムスタンプの候補値に使う時計を差し替える。
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) channelLock(channelID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[channelID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[channelID] = l
	}
	return l
}

func (s *Store) checkChannel(channelID string) error {
	if _, ok := s.channels.Get(channelID); !ok {
		return model.NewChannelNotFoundError(channelID)
	}
	return nil
}

// Append はメッセージを追記し、購読者へ配信する。
// SeqとServerTimestampはストアが割り当て、呼び出し元の値は使わない。
// 配信の失敗は追記を取り消さない。
func (s *Store) Append(ctx context.Context, msg model.Message) (model.Message, error) {
	if err := s.checkChannel(msg.ChannelID); err != nil {
		return model.Message{}, err
	}

	lock := s.channelLock(msg.ChannelID)
	lock.Lock()
	defer lock.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.Seq = 0
	msg.ServerTimestamp = s.now().UTC()

	if err := s.repo.Append(ctx, &msg); err != nil {
		slog.Error("メッセージの追記に失敗しました",
			slog.String("channel_id", msg.ChannelID),
			slog.String("error", err.Error()),
		)
		return model.Message{}, model.NewUnavailableError("Message could not be stored")
	}

	if err := s.broker.Publish(ctx, msg); err != nil {
		slog.Error("メッセージの配信に失敗しました",
			slog.String("channel_id", msg.ChannelID),
			slog.Int64("seq", msg.Seq),
			slog.String("error", err.Error()),
		)
	}
	return msg, nil
}

// RecentMessages はチャンネルの直近のメッセージを古い順に返す。
// limitが0以下の場合は既定値、上限を超える場合は上限に丸める。
func (s *Store) RecentMessages(ctx context.Context, channelID string, limit int) ([]model.Message, error) {
	if err := s.checkChannel(channelID); err != nil {
		return nil, err
	}
	msgs, err := s.repo.ListRecent(ctx, channelID, s.clampLimit(limit))
	if err != nil {
		slog.Error("履歴の取得に失敗しました",
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewUnavailableError("History could not be loaded")
	}
	return msgs, nil
}

// Subscribe は購読登録後に追記されたメッセージのライブストリームを返す。
// RecentMessagesと組み合わせる場合、履歴末尾と重複しうるため
// AfterSeqで履歴末尾以下のSeqを除く。
func (s *Store) Subscribe(ctx context.Context, channelID string) (*Subscription, error) {
	if err := s.checkChannel(channelID); err != nil {
		return nil, err
	}
	sub, err := s.broker.Subscribe(ctx, channelID, s.cfg.SubscriberBuffer)
	if err != nil {
		return nil, model.NewUnavailableError("Live updates are unavailable")
	}
	return &Subscription{Subscription: sub}, nil
}

// Join は履歴の取得と購読の登録をチャンネルロック内で行う。
// 同一プロセス内では履歴とライブストリームの間に欠落も重複も生じない。
// 他プロセスの追記による重複と順序の入れ替わりはSequencerが吸収する。
func (s *Store) Join(ctx context.Context, channelID string, limit int) ([]model.Message, *Subscription, error) {
	if err := s.checkChannel(channelID); err != nil {
		return nil, nil, err
	}

	lock := s.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	sub, err := s.broker.Subscribe(ctx, channelID, s.cfg.SubscriberBuffer)
	if err != nil {
		return nil, nil, model.NewUnavailableError("Live updates are unavailable")
	}

	history, err := s.repo.ListRecent(ctx, channelID, s.clampLimit(limit))
	if err != nil {
		_ = sub.Close()
		slog.Error("履歴の取得に失敗しました",
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()),
		)
		return nil, nil, model.NewUnavailableError("History could not be loaded")
	}

	next := int64(1)
	if n := len(history); n > 0 {
		next = history[n-1].Seq + 1
	}
	return history, &Subscription{Subscription: sub, next: next}, nil
}

func (s *Store) clampLimit(limit int) int {
	if limit <= 0 {
		return s.cfg.DefaultLimit
	}
	if limit > s.cfg.MaxLimit {
		return s.cfg.MaxLimit
	}
	return limit
}

// Subscription はチャンネルのライブストリーム。
// 受信したメッセージはSequencerを通してSeq順に配信する。
type Subscription struct {
	broker.Subscription
	next int64
}

// Sequencer はこの購読用のSequencerを返す。
// Joinで得た購読は履歴末尾の次から、Subscribeで得た購読は最初の受信から並べる。
func (s *Subscription) Sequencer() *Sequencer {
	return NewSequencer(s.next)
}

// AfterSeq はSeqがseqより大きいメッセージだけを返す。
func AfterSeq(msgs []model.Message, seq int64) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Seq > seq {
			out = append(out, m)
		}
	}
	return out
}
