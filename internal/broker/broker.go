// Package broker はチャンネルに追記されたメッセージを購読者へ配信する。
// 同一チャンネル内ではPublishの呼び出し順に配信する。
package broker

import (
	"context"
	"time"

	"github.com/hitoshi/garage/internal/model"
)

// DefaultBuffer は購読者ごとの既定バッファサイズ。
const DefaultBuffer = 64

// Broker はチャンネル単位のメッセージ配信。
type Broker interface {
	// Publish はメッセージをチャンネルの全購読者へ配信する。
	Publish(ctx context.Context, msg model.Message) error
	// Subscribe はチャンネルの購読を開始する。戻った時点以降のPublishが届く。
	Subscribe(ctx context.Context, channelID string, buffer int) (Subscription, error)
	// Close は全ての購読を終了する。
	Close() error
}

// Subscription はチャンネル購読。
// 配信が追いつかない購読者は切り離され、Messagesが閉じられる。
type Subscription interface {
	Messages() <-chan model.Message
	Close() error
}

// wireMessage はプロセス間でやり取りするメッセージ表現。
type wireMessage struct {
	ID                string    `json:"id"`
	ChannelID         string    `json:"channel_id"`
	Seq               int64     `json:"seq"`
	AuthorDisplayName string    `json:"author_name"`
	AuthorIsBand      bool      `json:"author_is_band"`
	AuthorBandID      string    `json:"author_band_id,omitempty"`
	Text              string    `json:"text"`
	ServerTimestamp   time.Time `json:"server_ts"`
}

func toWire(m model.Message) wireMessage {
	return wireMessage{
		ID:                m.ID,
		ChannelID:         m.ChannelID,
		Seq:               m.Seq,
		AuthorDisplayName: m.AuthorDisplayName,
		AuthorIsBand:      m.AuthorIsBand,
		AuthorBandID:      m.AuthorBandID,
		Text:              m.Text,
		ServerTimestamp:   m.ServerTimestamp,
	}
}

func (w wireMessage) toModel() model.Message {
	return model.Message{
		ID:                w.ID,
		ChannelID:         w.ChannelID,
		Seq:               w.Seq,
		AuthorDisplayName: w.AuthorDisplayName,
		AuthorIsBand:      w.AuthorIsBand,
		AuthorBandID:      w.AuthorBandID,
		Text:              w.Text,
		ServerTimestamp:   w.ServerTimestamp,
	}
}
