package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/hitoshi/garage/internal/model"
)

// ErrClosed はClose済みのBrokerを操作した場合のエラー。
var ErrClosed = errors.New("broker: closed")

// Memory はプロセス内で完結するBroker。
type Memory struct {
	mu     sync.Mutex
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
}

// NewMemory はMemoryを生成する。
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[*memorySubscription]struct{})}
}

// Publish は購読者のバッファへ非ブロッキングで送る。
// バッファが埋まっている購読者は切り離す。
func (b *Memory) Publish(ctx context.Context, msg model.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	for sub := range b.subs[msg.ChannelID] {
		select {
		case sub.ch <- msg:
		default:
			b.removeLocked(sub)
		}
	}
	return nil
}

// Subscribe はチャンネルの購読を登録する。
func (b *Memory) Subscribe(ctx context.Context, channelID string, buffer int) (Subscription, error) {
	if buffer < 1 {
		buffer = DefaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		broker:    b,
		channelID: channelID,
		ch:        make(chan model.Message, buffer),
	}
	if b.subs[channelID] == nil {
		b.subs[channelID] = make(map[*memorySubscription]struct{})
	}
	b.subs[channelID][sub] = struct{}{}
	return sub, nil
}

// Close は全ての購読を終了する。
func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, set := range b.subs {
		for sub := range set {
			b.removeLocked(sub)
		}
	}
	return nil
}

func (b *Memory) removeLocked(sub *memorySubscription) {
	set := b.subs[sub.channelID]
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.channelID)
	}
	close(sub.ch)
}

type memorySubscription struct {
	broker    *Memory
	channelID string
	ch        chan model.Message
}

func (s *memorySubscription) Messages() <-chan model.Message {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.broker.removeLocked(s)
	return nil
}

var _ Broker = (*Memory)(nil)
