package model

import "time"

// ParticipantKind はチャット参加者の種別。
type ParticipantKind string

const (
	ParticipantAnonymous ParticipantKind = "anonymous"
	ParticipantBand      ParticipantKind = "band"
)

// Participant は接続中のチャット参加者を表す。
// 接続時に生成され、切断時に破棄される。
type Participant struct {
	ID          string
	DisplayName string
	Kind        ParticipantKind
	// BandID はKindがbandの場合のみ設定される。
	BandID      string
	ConnectedAt time.Time
}

// IsBand はバンドアカウントとして認証された参加者かどうかを返す。
func (p Participant) IsBand() bool {
	return p.Kind == ParticipantBand && p.BandID != ""
}

// WritePolicy はチャンネルへの投稿権限。
type WritePolicy string

const (
	WriteOpen     WritePolicy = "open"
	WriteBandOnly WritePolicy = "band-only"
)

// Channel は静的に定義されたメッセージストリーム。実行時には変更されない。
type Channel struct {
	ID          string
	DisplayName string
	Description string
	WritePolicy WritePolicy
}

// Message はチャンネルに追記されたメッセージ。
// Seq と ServerTimestamp はストアがコミット時に割り当てる。
type Message struct {
	ID                string
	ChannelID         string
	Seq               int64
	AuthorDisplayName string
	AuthorIsBand      bool
	AuthorBandID      string
	Text              string
	ServerTimestamp   time.Time
}
