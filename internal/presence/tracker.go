// Package presence は接続中の参加者集合とオンライン数を管理する。
// オンライン数は常に現在の集合の要素数から算出し、別のカウンタは持たない。
package presence

import (
	"errors"
	"sync"

	"github.com/hitoshi/garage/internal/model"
)

// ErrAlreadyJoined は同じ接続IDで二重にJoinした場合のエラー。
var ErrAlreadyJoined = errors.New("presence: connection already joined")

// ErrNotJoined は未登録の接続IDを操作した場合のエラー。
var ErrNotJoined = errors.New("presence: connection not joined")

// EventKind はプレゼンスイベントの種別。
type EventKind string

const (
	EventJoined  EventKind = "joined"
	EventLeft    EventKind = "left"
	EventRenamed EventKind = "renamed"
)

// Event はプレゼンスの変化を表す。OnlineCountは変化後の値。
type Event struct {
	Kind         EventKind
	ConnID       string
	Participant  model.Participant
	PreviousName string
	OnlineCount  int
}

// Tracker は接続IDから参加者への対応を保持する。
// イベントはロック内で配信するため、同じ接続のjoinは必ずleaveより先に届く。
type Tracker struct {
	mu          sync.Mutex
	entries     map[string]model.Participant
	subscribers map[*Subscription]struct{}
}

// NewTracker はTrackerを生成する。
func NewTracker() *Tracker {
	return &Tracker{
		entries:     make(map[string]model.Participant),
		subscribers: make(map[*Subscription]struct{}),
	}
}

// Join は接続を参加者として登録し、joinedイベントを配信する。
func (t *Tracker) Join(connID string, p model.Participant) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[connID]; exists {
		return ErrAlreadyJoined
	}
	t.entries[connID] = p
	t.publishLocked(Event{Kind: EventJoined, ConnID: connID, Participant: p, OnlineCount: len(t.entries)})
	return nil
}

// Leave は接続を取り除き、leftイベントを配信する。
// 冪等で、取り除いた最初の呼び出しだけがtrueを返しイベントを配信する。
func (t *Tracker) Leave(connID string) (model.Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, exists := t.entries[connID]
	if !exists {
		return model.Participant{}, false
	}
	delete(t.entries, connID)
	t.publishLocked(Event{Kind: EventLeft, ConnID: connID, Participant: p, OnlineCount: len(t.entries)})
	return p, true
}

// Rename は接続中の参加者の表示名を変更し、renamedイベントを配信する。
func (t *Tracker) Rename(connID, displayName string) (model.Participant, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, exists := t.entries[connID]
	if !exists {
		return model.Participant{}, ErrNotJoined
	}
	previous := p.DisplayName
	p.DisplayName = displayName
	t.entries[connID] = p
	t.publishLocked(Event{
		Kind:         EventRenamed,
		ConnID:       connID,
		Participant:  p,
		PreviousName: previous,
		OnlineCount:  len(t.entries),
	})
	return p, nil
}

// OnlineCount は現在の参加者数を返す。
func (t *Tracker) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Participants は現在の参加者のスナップショットを返す。順序は不定。
func (t *Tracker) Participants() []model.Participant {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]model.Participant, 0, len(t.entries))
	for _, p := range t.entries {
		out = append(out, p)
	}
	return out
}

// Subscribe はプレゼンスイベントの購読を開始する。
// bufferが埋まった購読者は配信をブロックせずに切り離され、Eventsが閉じられる。
func (t *Tracker) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscription{
		tracker: t,
		events:  make(chan Event, buffer),
	}
	t.mu.Lock()
	t.subscribers[sub] = struct{}{}
	t.mu.Unlock()
	return sub
}

func (t *Tracker) publishLocked(ev Event) {
	for sub := range t.subscribers {
		select {
		case sub.events <- ev:
		default:
			delete(t.subscribers, sub)
			sub.closeLocked()
		}
	}
}

func (t *Tracker) unsubscribe(sub *Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subscribers, sub)
	sub.closeLocked()
}

// Subscription はプレゼンスイベントの購読。
type Subscription struct {
	tracker *Tracker
	events  chan Event
	closed  bool // tracker.muで保護
}

// Events はイベントを受け取るチャネルを返す。購読終了時に閉じられる。
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close は購読を終了する。複数回呼んでもよい。
func (s *Subscription) Close() {
	s.tracker.unsubscribe(s)
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}
