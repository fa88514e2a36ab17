package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/garage/internal/model"
	"github.com/hitoshi/garage/internal/security"
)

// クライアントから受け付けるフレーム種別
const (
	frameAuth         = "auth"
	frameRename       = "rename"
	frameChannelJoin  = "channel.join"
	frameMessageSend  = "message.send"
	frameHistoryFetch = "history.fetch"
)

// サーバーが送るフレーム種別
const (
	frameAuthOK          = "auth.ok"
	frameChannelJoined   = "channel.joined"
	frameMessage         = "message"
	frameAck             = "ack"
	frameError           = "error"
	framePresenceCount   = "presence.count"
	framePresenceJoined  = "presence.joined"
	framePresenceLeft    = "presence.left"
	framePresenceRenamed = "presence.renamed"
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type authPayload struct {
	DisplayName   string `json:"display_name"`
	ReservationID string `json:"reservation_id"`
	BandToken     string `json:"band_token"`
}

type renamePayload struct {
	DisplayName string `json:"display_name"`
}

type channelPayload struct {
	ChannelID string `json:"channel_id"`
	Limit     int    `json:"limit"`
}

type sendPayload struct {
	ChannelID string `json:"channel_id"`
	Text      string `json:"text"`
}

type participantView struct {
	ID              string `json:"id"`
	DisplayName     string `json:"display_name"`
	SafeDisplayName string `json:"safe_display_name"`
	Kind            string `json:"kind"`
	BandID          string `json:"band_id,omitempty"`
}

type channelView struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	WritePolicy string `json:"write_policy"`
}

// messageView は配信するメッセージ。textは送信されたまま、safe_textは表示用。
type messageView struct {
	ID             string `json:"id"`
	ChannelID      string `json:"channel_id"`
	Seq            int64  `json:"seq"`
	AuthorName     string `json:"author_name"`
	SafeAuthorName string `json:"safe_author_name"`
	AuthorIsBand   bool   `json:"author_is_band"`
	AuthorBandID   string `json:"author_band_id,omitempty"`
	Text           string `json:"text"`
	SafeText       string `json:"safe_text"`
	ServerTime     string `json:"server_ts"`
}

type authOKPayload struct {
	Participant  participantView   `json:"participant"`
	OnlineCount  int               `json:"online_count"`
	Participants []participantView `json:"participants"`
	Channels     []channelView     `json:"channels"`
}

type channelJoinedPayload struct {
	Channel  channelView   `json:"channel"`
	Messages []messageView `json:"messages"`
}

type messagePayload struct {
	Message messageView `json:"message"`
}

type ackPayload struct {
	Status      string           `json:"status"`
	Message     *messageView     `json:"message,omitempty"`
	Messages    []messageView    `json:"messages,omitempty"`
	Participant *participantView `json:"participant,omitempty"`
}

type presencePayload struct {
	OnlineCount  int              `json:"online_count"`
	Participant  *participantView `json:"participant,omitempty"`
	PreviousName string           `json:"previous_name,omitempty"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Action       string `json:"action,omitempty"`
	Retryable    bool   `json:"retryable"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// wsPeer はフレームの書き込みを直列化する。
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

func writeWSError(peer *wsPeer, requestID string, apiErr *model.APIError) error {
	e := wsError{
		Code:    apiErr.Code,
		Message: apiErr.Message,
		Action:  apiErr.Action,
	}
	switch apiErr.Code {
	case model.ErrCodeRateLimited:
		e.Retryable = true
		e.RetryAfterMS = apiErr.RetryAfter.Milliseconds()
	case model.ErrCodeUnavailable:
		e.Retryable = true
	}
	return peer.writeFrame(wsFrame{
		Type:      frameError,
		RequestID: requestID,
		Payload:   mustJSON(wsErrorEnvelope{Error: e}),
	})
}

func invalidFrame(reason string) *model.APIError {
	return model.NewValidationError("frame", reason)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("WebSocketフレームのエンコードに失敗しました", slog.String("error", err.Error()))
		return nil
	}
	return b
}

func toParticipantView(p model.Participant, s security.TextSanitizer) participantView {
	return participantView{
		ID:              p.ID,
		DisplayName:     p.DisplayName,
		SafeDisplayName: s.SafeText(p.DisplayName),
		Kind:            string(p.Kind),
		BandID:          p.BandID,
	}
}

func toChannelView(c model.Channel) channelView {
	return channelView{
		ID:          c.ID,
		DisplayName: c.DisplayName,
		Description: c.Description,
		WritePolicy: string(c.WritePolicy),
	}
}

func toMessageView(m model.Message, s security.TextSanitizer) messageView {
	return messageView{
		ID:             m.ID,
		ChannelID:      m.ChannelID,
		Seq:            m.Seq,
		AuthorName:     m.AuthorDisplayName,
		SafeAuthorName: s.SafeText(m.AuthorDisplayName),
		AuthorIsBand:   m.AuthorIsBand,
		AuthorBandID:   m.AuthorBandID,
		Text:           m.Text,
		SafeText:       s.SafeText(m.Text),
		ServerTime:     m.ServerTimestamp.UTC().Format(time.RFC3339Nano),
	}
}

func toMessageViews(msgs []model.Message, s security.TextSanitizer) []messageView {
	out := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageView(m, s))
	}
	return out
}
