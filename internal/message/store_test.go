package message

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/hitoshi/garage/internal/broker"
	"github.com/hitoshi/garage/internal/channel"
	"github.com/hitoshi/garage/internal/model"
	"github.com/hitoshi/garage/internal/repository"
)

func newTestStore(t *testing.T, cfg Config) (*Store, *broker.Memory) {
	t.Helper()
	b := broker.NewMemory()
	t.Cleanup(func() { _ = b.Close() })
	return NewStore(repository.NewMemoryMessageRepo(), b, channel.NewRegistry(), cfg), b
}

func newMessage(channelID, text string) model.Message {
	return model.Message{ChannelID: channelID, AuthorDisplayName: "alice", Text: text}
}

// 並行追記でもSeqは連番、タイムスタンプは非減少、配信はコミット順。
func TestAppend_ConcurrentOrdering(t *testing.T) {
	defer goleak.VerifyNone(t)

	store, _ := newTestStore(t, Config{SubscriberBuffer: 512})
	ctx := context.Background()

	// 時計が時々巻き戻る
	var clockMu sync.Mutex
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	store.SetClock(func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		tick++
		if tick%7 == 0 {
			return base.Add(-time.Hour)
		}
		return base.Add(time.Duration(tick) * time.Millisecond)
	})

	sub, err := store.Subscribe(ctx, channel.General)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	const writers, perWriter = 10, 20
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := store.Append(ctx, newMessage(channel.General, fmt.Sprintf("w%d-%d", w, i))); err != nil {
					t.Errorf("Append() error = %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	var prev model.Message
	for i := 1; i <= writers*perWriter; i++ {
		m := <-sub.Messages()
		if m.Seq != int64(i) {
			t.Fatalf("delivered seq = %d, want %d", m.Seq, i)
		}
		if i > 1 && m.ServerTimestamp.Before(prev.ServerTimestamp) {
			t.Fatalf("timestamp went backwards at seq %d: %v < %v", m.Seq, m.ServerTimestamp, prev.ServerTimestamp)
		}
		prev = m
	}

	history, err := store.RecentMessages(ctx, channel.General, 100)
	if err != nil {
		t.Fatalf("RecentMessages() error = %v", err)
	}
	if len(history) != 100 || history[0].Seq != 101 || history[99].Seq != 200 {
		t.Errorf("history = %d msgs, first seq %d, last seq %d", len(history), history[0].Seq, history[len(history)-1].Seq)
	}
}

// 追記中にJoinしても、履歴とライブストリームの間に欠落も重複もない。
func TestJoin_AtomicCutover(t *testing.T) {
	defer goleak.VerifyNone(t)

	store, _ := newTestStore(t, Config{MaxLimit: 1000, SubscriberBuffer: 1000})
	ctx := context.Background()

	const total = 300
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			if i == total/3 {
				close(started)
			}
			if _, err := store.Append(ctx, newMessage(channel.General, fmt.Sprint(i))); err != nil {
				t.Errorf("Append() error = %v", err)
			}
		}
	}()

	<-started
	history, sub, err := store.Join(ctx, channel.General, 1000)
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	defer sub.Close()
	<-done

	seen := make([]int64, 0, total)
	for _, m := range history {
		seen = append(seen, m.Seq)
	}
	seq := sub.Sequencer()
	for len(seen) < total {
		select {
		case m := <-sub.Messages():
			for _, ready := range seq.Push(m) {
				seen = append(seen, ready.Seq)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout: received %d of %d", len(seen), total)
		}
	}
	for i, seq := range seen {
		if seq != int64(i+1) {
			t.Fatalf("seen[%d] = %d, want %d (gap or duplicate)", i, seq, i+1)
		}
	}
}

// 先に購読してから履歴を読む非原子的な手順では、ライブ側に履歴末尾が重複しうる。
func TestNonAtomicJoin_DuplicateBoundary(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, channel.Recommendations)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	for i := 0; i < 3; i++ {
		_, _ = store.Append(ctx, newMessage(channel.Recommendations, fmt.Sprint(i)))
	}
	history, _ := store.RecentMessages(ctx, channel.Recommendations, 0)
	_, _ = store.Append(ctx, newMessage(channel.Recommendations, "after"))

	var live []model.Message
	for i := 0; i < 4; i++ {
		live = append(live, <-sub.Messages())
	}
	if live[0].Seq != history[0].Seq {
		t.Fatalf("expected live stream to repeat history head, live[0]=%d", live[0].Seq)
	}

	fresh := AfterSeq(live, history[len(history)-1].Seq)
	if len(fresh) != 1 || fresh[0].Text != "after" {
		t.Errorf("AfterSeq() = %+v, want only the message appended after history", fresh)
	}
}

func TestRecentMessages_Limits(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	ctx := context.Background()

	for i := 0; i < 120; i++ {
		_, _ = store.Append(ctx, newMessage(channel.General, fmt.Sprint(i)))
	}

	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{"0は既定値", 0, DefaultHistoryLimit},
		{"負数は既定値", -5, DefaultHistoryLimit},
		{"指定件数", 10, 10},
		{"上限で丸める", 500, MaxHistoryLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := store.RecentMessages(ctx, channel.General, tt.limit)
			if err != nil {
				t.Fatalf("RecentMessages() error = %v", err)
			}
			if len(msgs) != tt.want {
				t.Errorf("len = %d, want %d", len(msgs), tt.want)
			}
			if msgs[len(msgs)-1].Seq != 120 {
				t.Errorf("last seq = %d, want 120 (newest last)", msgs[len(msgs)-1].Seq)
			}
		})
	}
}

func TestUnknownChannel(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	ctx := context.Background()

	if _, err := store.Append(ctx, newMessage("random", "x")); !model.IsCode(err, model.ErrCodeChannelNotFound) {
		t.Errorf("Append() error = %v, want CHANNEL_NOT_FOUND", err)
	}
	if _, err := store.RecentMessages(ctx, "random", 10); !model.IsCode(err, model.ErrCodeChannelNotFound) {
		t.Errorf("RecentMessages() error = %v, want CHANNEL_NOT_FOUND", err)
	}
	if _, err := store.Subscribe(ctx, "random"); !model.IsCode(err, model.ErrCodeChannelNotFound) {
		t.Errorf("Subscribe() error = %v, want CHANNEL_NOT_FOUND", err)
	}
	if _, _, err := store.Join(ctx, "random", 10); !model.IsCode(err, model.ErrCodeChannelNotFound) {
		t.Errorf("Join() error = %v, want CHANNEL_NOT_FOUND", err)
	}
}

type failingRepo struct{ repository.MessageRepository }

func (failingRepo) Append(ctx context.Context, msg *model.Message) error {
	return errors.New("disk full")
}

func (failingRepo) ListRecent(ctx context.Context, channelID string, limit int) ([]model.Message, error) {
	return nil, errors.New("disk full")
}

// 追記に失敗した場合はUNAVAILABLEを返し、何も配信しない。
func TestAppend_StoreFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := &closeCountingBroker{Broker: broker.NewMemory()}
	defer b.Close()
	store := NewStore(failingRepo{}, b, channel.NewRegistry(), Config{})
	ctx := context.Background()

	sub, _ := b.Broker.Subscribe(ctx, channel.General, 4)
	defer sub.Close()

	if _, err := store.Append(ctx, newMessage(channel.General, "lost")); !model.IsCode(err, model.ErrCodeUnavailable) {
		t.Errorf("Append() error = %v, want UNAVAILABLE", err)
	}
	select {
	case m := <-sub.Messages():
		t.Errorf("失敗した追記が配信されました: %+v", m)
	default:
	}

	if _, _, err := store.Join(ctx, channel.General, 10); !model.IsCode(err, model.ErrCodeUnavailable) {
		t.Errorf("Join() error = %v, want UNAVAILABLE", err)
	}
	if got := b.open.Load(); got != 0 {
		t.Errorf("失敗したJoinの購読が残っています: %d", got)
	}
}

// closeCountingBroker はSubscribeで開いてまだCloseしていない購読数を数える。
type closeCountingBroker struct {
	broker.Broker
	open atomic.Int32
}

func (b *closeCountingBroker) Subscribe(ctx context.Context, channelID string, buffer int) (broker.Subscription, error) {
	sub, err := b.Broker.Subscribe(ctx, channelID, buffer)
	if err != nil {
		return nil, err
	}
	b.open.Add(1)
	return &closeCountingSubscription{Subscription: sub, open: &b.open}, nil
}

type closeCountingSubscription struct {
	broker.Subscription
	once sync.Once
	open *atomic.Int32
}

func (s *closeCountingSubscription) Close() error {
	s.once.Do(func() { s.open.Add(-1) })
	return s.Subscription.Close()
}

func TestAfterSeq(t *testing.T) {
	msgs := []model.Message{{Seq: 1}, {Seq: 2}, {Seq: 3}}
	if got := AfterSeq(msgs, 2); len(got) != 1 || got[0].Seq != 3 {
		t.Errorf("AfterSeq(2) = %+v", got)
	}
	if got := AfterSeq(msgs, 0); len(got) != 3 {
		t.Errorf("AfterSeq(0) = %d msgs, want 3", len(got))
	}
	if got := AfterSeq(nil, 0); len(got) != 0 {
		t.Errorf("AfterSeq(nil) = %+v", got)
	}
}
