package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/garage/internal/model"
	"github.com/hitoshi/garage/internal/security"
)

// ChatServiceInterface はチャンネル一覧・履歴・集計値の取得に必要なサービスインターフェース。
// gateway.Gatewayが実装する。
type ChatServiceInterface interface {
	Channels() []model.Channel
	FetchHistory(ctx context.Context, channelID string, limit int) ([]model.Message, error)
	Stats(ctx context.Context) (model.SiteStats, error)
}

// ChatHandler はチャットの読み取り系HTTPハンドラー。
type ChatHandler struct {
	service   ChatServiceInterface
	sanitizer security.TextSanitizer
}

// NewChatHandler はChatHandlerを生成する。
func NewChatHandler(service ChatServiceInterface, sanitizer security.TextSanitizer) *ChatHandler {
	return &ChatHandler{service: service, sanitizer: sanitizer}
}

type channelResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	WritePolicy string `json:"write_policy"`
}

type channelListResponse struct {
	Channels []channelResponse `json:"channels"`
}

// messageResponse はメッセージのAPIレスポンス。textは送信されたまま、safe_textは表示用。
type messageResponse struct {
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

type messageListResponse struct {
	ChannelID string            `json:"channel_id"`
	Messages  []messageResponse `json:"messages"`
}

type statsResponse struct {
	TotalUsers  int   `json:"total_users"`
	TotalVisits int64 `json:"total_visits"`
	OnlineCount int   `json:"online_count"`
}

// ListChannels はチャンネル一覧を返す。
// GET /api/channels
func (h *ChatHandler) ListChannels(w http.ResponseWriter, r *http.Request) {
	channels := h.service.Channels()
	resp := channelListResponse{Channels: make([]channelResponse, 0, len(channels))}
	for _, c := range channels {
		resp.Channels = append(resp.Channels, channelResponse{
			ID:          c.ID,
			DisplayName: c.DisplayName,
			Description: c.Description,
			WritePolicy: string(c.WritePolicy),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListMessages はチャンネルの直近のメッセージを古い順に返す。
// GET /api/channels/{id}/messages?limit=
func (h *ChatHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "id")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			handleServiceError(w, model.NewValidationError("limit", "limit must be a positive integer"))
			return
		}
		limit = n
	}

	msgs, err := h.service.FetchHistory(r.Context(), channelID, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := messageListResponse{ChannelID: channelID, Messages: make([]messageResponse, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, h.toMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Stats はトップページ用の集計値を返す。
// GET /api/stats
func (h *ChatHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		TotalUsers:  stats.TotalUsers,
		TotalVisits: stats.TotalVisits,
		OnlineCount: stats.OnlineCount,
	})
}

func (h *ChatHandler) toMessageResponse(m model.Message) messageResponse {
	return messageResponse{
		ID:             m.ID,
		ChannelID:      m.ChannelID,
		Seq:            m.Seq,
		AuthorName:     m.AuthorDisplayName,
		SafeAuthorName: h.sanitizer.SafeText(m.AuthorDisplayName),
		AuthorIsBand:   m.AuthorIsBand,
		AuthorBandID:   m.AuthorBandID,
		Text:           m.Text,
		SafeText:       h.sanitizer.SafeText(m.Text),
		ServerTime:     m.ServerTimestamp.UTC().Format(time.RFC3339Nano),
	}
}
