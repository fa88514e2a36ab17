package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/garage/internal/message"
	"github.com/hitoshi/garage/internal/model"
)

// Sink はConnに届くライブメッセージの配信先。トランスポートが実装する。
type Sink interface {
	// Deliver は参加中チャンネルのメッセージを1件届ける。
	Deliver(msg model.Message)
	// Lagged は配信が追いつかず購読が切り離されたときに呼ばれる。
	Lagged(channelID string)
}

// Conn はトランスポートの1接続。認証後に参加者と送信レート制限を持つ。
type Conn struct {
	id   string
	sink Sink

	// sendMu は同一接続の送信を直列化する。
	sendMu sync.Mutex

	mu          sync.Mutex
	participant *model.Participant
	limiter     *rate.Limiter
	closed      bool
	live        *liveFeed
}

func newConn(id string, sink Sink) *Conn {
	return &Conn{id: id, sink: sink}
}

// ID は接続IDを返す。
func (c *Conn) ID() string {
	return c.id
}

// Participant は認証済みの参加者を返す。未認証の場合はfalse。
func (c *Conn) Participant() (model.Participant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.participant == nil {
		return model.Participant{}, false
	}
	return *c.participant, true
}

// ChannelID は参加中のチャンネルIDを返す。
func (c *Conn) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live == nil {
		return ""
	}
	return c.live.channelID
}

func (c *Conn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// replaceLive は参加中チャンネルの購読を差し替え、前の購読を終了する。
// beforeはライブ配信の開始前に呼ばれる。
func (c *Conn) replaceLive(channelID string, sub *message.Subscription, gapWait time.Duration, before func()) bool {
	feed := &liveFeed{channelID: channelID, sub: sub, stop: make(chan struct{}), done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = sub.Close()
		return false
	}
	prev := c.live
	c.live = feed
	c.mu.Unlock()

	prev.shutdown()
	if before != nil {
		before()
	}
	go feed.pump(c.sink, gapWait)
	return true
}

func (c *Conn) stopLive() {
	c.mu.Lock()
	feed := c.live
	c.live = nil
	c.mu.Unlock()
	feed.shutdown()
}

// liveFeed は1チャンネル分の購読をSinkへ転送する。
type liveFeed struct {
	channelID string
	sub       *message.Subscription
	stop      chan struct{}
	done      chan struct{}
	once      sync.Once
}

// pump は受信したメッセージをSeq順に並べ直してSinkへ転送する。
// 欠番がgapWait経っても届かなければ飛ばして先へ進む。
func (f *liveFeed) pump(sink Sink, gapWait time.Duration) {
	defer close(f.done)

	seq := f.sub.Sequencer()
	deliver := func(msgs []model.Message) {
		for _, m := range msgs {
			sink.Deliver(m)
		}
	}

	var gap *time.Timer
	var gapC <-chan time.Time
	defer func() {
		if gap != nil {
			gap.Stop()
		}
	}()

	msgs := f.sub.Messages()
	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				select {
				case <-f.stop:
				default:
					deliver(seq.Drain())
					sink.Lagged(f.channelID)
				}
				return
			}
			deliver(seq.Push(m))
		case <-gapC:
			gap, gapC = nil, nil
			deliver(seq.Skip())
		}

		switch {
		case seq.Pending() && gap == nil:
			gap = time.NewTimer(gapWait)
			gapC = gap.C
		case !seq.Pending() && gap != nil:
			gap.Stop()
			gap, gapC = nil, nil
		}
	}
}

// shutdown は購読を閉じ、転送の終了を待つ。nilでもよい。
func (f *liveFeed) shutdown() {
	if f == nil {
		return
	}
	f.once.Do(func() {
		close(f.stop)
		_ = f.sub.Close()
	})
	<-f.done
}
