package message

import (
	"sort"
	"time"

	"github.com/hitoshi/garage/internal/model"
)

// DefaultGapWait は欠番の到着を待つ時間の既定値。
const DefaultGapWait = 500 * time.Millisecond

// Sequencer はライブストリームのメッセージをSeq順に並べ直す。
// 複数プロセスの追記はコミット順と異なる順でブローカーに届きうる。
// Seqはチャンネル内で1ずつ増えるため、欠番は後続を保留して待つ。
// 配信済みのSeq以下は重複として捨てる。
type Sequencer struct {
	next    int64
	pending map[int64]model.Message
}

// NewSequencer は次に配信するSeqを指定してSequencerを生成する。
// nextが0の場合は最初に届いたメッセージを起点にする。
func NewSequencer(next int64) *Sequencer {
	return &Sequencer{next: next, pending: make(map[int64]model.Message)}
}

// Push はメッセージを受け取り、配信可能になったものをSeq順に返す。
func (q *Sequencer) Push(m model.Message) []model.Message {
	if q.next == 0 {
		q.next = m.Seq
	}
	if m.Seq < q.next {
		return nil
	}
	q.pending[m.Seq] = m
	return q.release()
}

// Pending は欠番待ちで保留中のメッセージがあるかを返す。
func (q *Sequencer) Pending() bool {
	return len(q.pending) > 0
}

// Skip は欠番を諦め、保留中の最小Seqから連続する分を返す。
// 追記は成功したが配信に失敗したSeqはここで飛ばされる。
func (q *Sequencer) Skip() []model.Message {
	if len(q.pending) == 0 {
		return nil
	}
	q.next = q.minPending()
	return q.release()
}

// Drain は保留中の全メッセージを欠番を無視してSeq順に返す。
func (q *Sequencer) Drain() []model.Message {
	if len(q.pending) == 0 {
		return nil
	}
	out := make([]model.Message, 0, len(q.pending))
	for _, m := range q.pending {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	q.pending = make(map[int64]model.Message)
	q.next = out[len(out)-1].Seq + 1
	return out
}

func (q *Sequencer) release() []model.Message {
	var out []model.Message
	for {
		m, ok := q.pending[q.next]
		if !ok {
			return out
		}
		delete(q.pending, q.next)
		out = append(out, m)
		q.next++
	}
}

func (q *Sequencer) minPending() int64 {
	first := true
	var lowest int64
	for seq := range q.pending {
		if first || seq < lowest {
			lowest = seq
			first = false
		}
	}
	return lowest
}
