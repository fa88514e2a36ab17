package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/garage/internal/model"
)

// topicPrefix はチャンネルごとのPub/Subトピック名の接頭辞。
const topicPrefix = "garage:channel:"

// Connect はredis:// 形式のURLまたはhost:portからクライアントを生成する。
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Topic はチャンネルIDに対応するトピック名を返す。
func Topic(channelID string) string {
	return topicPrefix + channelID
}

// Redis はRedis Pub/Subで複数プロセスに配信するBroker。
// プロセス間の順序はRedisがPUBLISHを受け付けた順になる。
type Redis struct {
	client *redis.Client
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

// NewRedis はRedisを生成する。clientのCloseは呼び出し元が行う。
func NewRedis(client *redis.Client, logger *slog.Logger) *Redis {
	return &Redis{
		client: client,
		logger: logger,
		subs:   make(map[*redisSubscription]struct{}),
	}
}

// Publish はメッセージをJSONにしてPUBLISHする。
func (b *Redis) Publish(ctx context.Context, msg model.Message) error {
	payload, err := json.Marshal(toWire(msg))
	if err != nil {
		return fmt.Errorf("メッセージのエンコードに失敗しました: %w", err)
	}
	if err := b.client.Publish(ctx, Topic(msg.ChannelID), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe はSUBSCRIBEの確認応答を待ってから戻る。
func (b *Redis) Subscribe(ctx context.Context, channelID string, buffer int) (Subscription, error) {
	if buffer < 1 {
		buffer = DefaultBuffer
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	pubsub := b.client.Subscribe(ctx, Topic(channelID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	sub := &redisSubscription{
		broker: b,
		pubsub: pubsub,
		ch:     make(chan model.Message, buffer),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = pubsub.Close()
		return nil, ErrClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run()
	return sub, nil
}

// Close は全ての購読を終了する。
func (b *Redis) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

type redisSubscription struct {
	broker *Redis
	pubsub *redis.PubSub
	ch     chan model.Message
	done   chan struct{}
	once   sync.Once
}

// run はRedisからの受信をバッファへ転送する。
// バッファが埋まった場合は購読を終了する。
func (s *redisSubscription) run() {
	defer close(s.ch)
	defer s.detach()

	in := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case raw, ok := <-in:
			if !ok {
				return
			}
			var w wireMessage
			if err := json.Unmarshal([]byte(raw.Payload), &w); err != nil {
				s.broker.logger.Error("不正な配信メッセージを破棄しました",
					slog.String("topic", raw.Channel),
					slog.String("error", err.Error()),
				)
				continue
			}
			select {
			case s.ch <- w.toModel():
			default:
				s.broker.logger.Warn("配信が追いつかない購読者を切り離しました",
					slog.String("topic", raw.Channel),
				)
				_ = s.Close()
				return
			}
		}
	}
}

func (s *redisSubscription) detach() {
	s.broker.mu.Lock()
	delete(s.broker.subs, s)
	s.broker.mu.Unlock()
}

func (s *redisSubscription) Messages() <-chan model.Message {
	return s.ch
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

var _ Broker = (*Redis)(nil)
