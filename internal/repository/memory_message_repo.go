package repository

import (
	"context"
	"sync"

	"github.com/hitoshi/garage/internal/model"
)

// channelLog は1チャンネル分の追記専用ログ。
type channelLog struct {
	mu       sync.RWMutex
	messages []model.Message
}

// MemoryMessageRepo はプロセス内メモリを使用したメッセージリポジトリ。
// ロックはチャンネル単位で、チャンネルをまたぐグローバルロックは持たない。
type MemoryMessageRepo struct {
	mu       sync.RWMutex
	channels map[string]*channelLog
}

// NewMemoryMessageRepo はMemoryMessageRepoを生成する。
func NewMemoryMessageRepo() *MemoryMessageRepo {
	return &MemoryMessageRepo{channels: make(map[string]*channelLog)}
}

func (r *MemoryMessageRepo) log(channelID string) *channelLog {
	r.mu.RLock()
	l, ok := r.channels[channelID]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.channels[channelID]; ok {
		return l
	}
	l = &channelLog{}
	r.channels[channelID] = l
	return l
}

// Append はメッセージを追記し、SeqとServerTimestampを割り当てる。
func (r *MemoryMessageRepo) Append(ctx context.Context, msg *model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l := r.log(msg.ChannelID)
	l.mu.Lock()
	defer l.mu.Unlock()

	msg.Seq = 1
	if n := len(l.messages); n > 0 {
		last := l.messages[n-1]
		msg.Seq = last.Seq + 1
		if msg.ServerTimestamp.Before(last.ServerTimestamp) {
			msg.ServerTimestamp = last.ServerTimestamp
		}
	}
	l.messages = append(l.messages, *msg)
	return nil
}

// ListRecent はチャンネルの直近limit件を古い順に返す。
func (r *MemoryMessageRepo) ListRecent(ctx context.Context, channelID string, limit int) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l := r.log(channelID)
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := 0
	if limit >= 0 && len(l.messages) > limit {
		start = len(l.messages) - limit
	}
	out := make([]model.Message, len(l.messages)-start)
	copy(out, l.messages[start:])
	return out, nil
}

// compile-time interface check
var _ MessageRepository = (*MemoryMessageRepo)(nil)
