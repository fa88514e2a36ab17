// Package ws はゲートウェイをWebSocket（golang.org/x/net/websocket）で公開する。
// 接続の切断（EOFや読み込みエラー）がDisconnectを呼ぶ唯一の契機となる。
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/hitoshi/garage/internal/gateway"
	"github.com/hitoshi/garage/internal/model"
	"github.com/hitoshi/garage/internal/presence"
	"github.com/hitoshi/garage/internal/security"
)

const (
	maxFramePayloadBytes   = 8 * 1024
	maxFramesPerSecond     = 20
	maxDecodeErrorsPerConn = 3
	presenceBuffer         = 64
)

// Server はWebSocketのエンドポイント。
type Server struct {
	gateway   *gateway.Gateway
	sanitizer security.TextSanitizer
	now       func() time.Time
}

// NewServer はServerを生成する。
func NewServer(gw *gateway.Gateway, sanitizer security.TextSanitizer) *Server {
	return &Server{
		gateway:   gw,
		sanitizer: sanitizer,
		now:       time.Now,
	}
}

// Handler はWebSocketのHTTPハンドラーを返す。GET以外は405。
func (s *Server) Handler() http.Handler {
	wsHandler := websocket.Handler(s.serveConn)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})
}

// connSink はゲートウェイからのライブ配信をフレームとして書き出す。
type connSink struct {
	peer      *wsPeer
	sanitizer security.TextSanitizer
}

func (c *connSink) Deliver(m model.Message) {
	_ = c.peer.writeFrame(wsFrame{
		Type:    frameMessage,
		Payload: mustJSON(messagePayload{Message: toMessageView(m, c.sanitizer)}),
	})
}

func (c *connSink) Lagged(channelID string) {
	_ = writeWSError(c.peer, "", model.NewUnavailableError("Live updates for "+channelID+" were interrupted; join the channel again"))
}

func (s *Server) serveConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	ctx := context.Background()
	if req := conn.Request(); req != nil {
		ctx = req.Context()
	}

	connID := uuid.New().String()
	peer := newWSPeer(json.NewEncoder(conn))
	gconn := s.gateway.Open(ctx, connID, &connSink{peer: peer, sanitizer: s.sanitizer})
	defer s.gateway.Disconnect(gconn)

	presenceSub := s.gateway.SubscribePresence(presenceBuffer)
	presenceDone := make(chan struct{})
	go s.forwardPresence(peer, presenceSub, presenceDone)
	defer func() {
		presenceSub.Close()
		<-presenceDone
	}()

	_ = peer.writeFrame(wsFrame{
		Type:    framePresenceCount,
		Payload: mustJSON(presencePayload{OnlineCount: s.gateway.OnlineCount()}),
	})

	decoder := json.NewDecoder(conn)
	windowStart := s.now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if !errors.As(err, &syntaxErr) && !errors.As(err, &typeErr) {
				// 読み込みエラーは切断として扱う
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "", invalidFrame("invalid frame payload"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			// 不正なJSONの後はストリームを再同期できない
			decoder = json.NewDecoder(conn)
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, invalidFrame("payload too large"))
			continue
		}

		now := s.now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(peer, frame.RequestID, model.NewRateLimitedError(time.Second))
			slog.Warn("フレームレート超過のため接続を閉じます", slog.String("conn_id", connID))
			return
		}

		s.dispatch(ctx, gconn, peer, frame)
	}
}

func (s *Server) dispatch(ctx context.Context, gconn *gateway.Conn, peer *wsPeer, frame wsFrame) {
	var err error
	switch frame.Type {
	case frameAuth:
		err = s.handleAuth(ctx, gconn, peer, frame)
	case frameRename:
		err = s.handleRename(ctx, gconn, peer, frame)
	case frameChannelJoin:
		err = s.handleChannelJoin(ctx, gconn, peer, frame)
	case frameMessageSend:
		err = s.handleSend(ctx, gconn, peer, frame)
	case frameHistoryFetch:
		err = s.handleHistory(ctx, peer, frame)
	default:
		err = invalidFrame("unsupported frame type")
	}
	if err != nil {
		s.writeError(peer, frame.RequestID, err)
	}
}

// writeError は分類済みのエラーはそのまま、未分類のエラーはログに記録してUNAVAILABLEとして返す。
func (s *Server) writeError(peer *wsPeer, requestID string, err error) {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		slog.Error("WebSocketリクエストの処理中に予期しないエラーが発生しました",
			slog.String("error", err.Error()),
		)
		apiErr = model.NewUnavailableError("Service temporarily unavailable")
	}
	_ = writeWSError(peer, requestID, apiErr)
}

func decodePayload(frame wsFrame, v any) error {
	if len(frame.Payload) == 0 {
		return invalidFrame("payload is required")
	}
	if err := json.Unmarshal(frame.Payload, v); err != nil {
		return invalidFrame("invalid " + frame.Type + " payload")
	}
	return nil
}

func (s *Server) handleAuth(ctx context.Context, gconn *gateway.Conn, peer *wsPeer, frame wsFrame) error {
	var payload authPayload
	if err := decodePayload(frame, &payload); err != nil {
		return err
	}
	p, err := s.gateway.Authenticate(ctx, gconn, gateway.Credentials{
		DisplayName:   payload.DisplayName,
		ReservationID: strings.TrimSpace(payload.ReservationID),
		BandToken:     strings.TrimSpace(payload.BandToken),
	})
	if err != nil {
		return err
	}

	channels := s.gateway.Channels()
	views := make([]channelView, 0, len(channels))
	for _, c := range channels {
		views = append(views, toChannelView(c))
	}
	online := s.gateway.Participants()
	people := make([]participantView, 0, len(online))
	for _, op := range online {
		people = append(people, toParticipantView(op, s.sanitizer))
	}
	return peer.writeFrame(wsFrame{
		Type:      frameAuthOK,
		RequestID: frame.RequestID,
		Payload: mustJSON(authOKPayload{
			Participant:  toParticipantView(p, s.sanitizer),
			OnlineCount:  len(people),
			Participants: people,
			Channels:     views,
		}),
	})
}

func (s *Server) handleRename(ctx context.Context, gconn *gateway.Conn, peer *wsPeer, frame wsFrame) error {
	var payload renamePayload
	if err := decodePayload(frame, &payload); err != nil {
		return err
	}
	p, err := s.gateway.Rename(ctx, gconn, payload.DisplayName)
	if err != nil {
		return err
	}
	view := toParticipantView(p, s.sanitizer)
	return peer.writeFrame(wsFrame{
		Type:      frameAck,
		RequestID: frame.RequestID,
		Payload:   mustJSON(ackPayload{Status: "ok", Participant: &view}),
	})
}

func (s *Server) handleChannelJoin(ctx context.Context, gconn *gateway.Conn, peer *wsPeer, frame wsFrame) error {
	var payload channelPayload
	if err := decodePayload(frame, &payload); err != nil {
		return err
	}
	channelID := strings.TrimSpace(payload.ChannelID)
	ch, ok := s.gateway.Channel(channelID)
	if !ok {
		return model.NewChannelNotFoundError(channelID)
	}

	// channel.joinedはライブ配信の開始前に書く
	_, err := s.gateway.JoinChannel(ctx, gconn, channelID, payload.Limit, func(history []model.Message) {
		_ = peer.writeFrame(wsFrame{
			Type:      frameChannelJoined,
			RequestID: frame.RequestID,
			Payload: mustJSON(channelJoinedPayload{
				Channel:  toChannelView(ch),
				Messages: toMessageViews(history, s.sanitizer),
			}),
		})
	})
	return err
}

func (s *Server) handleSend(ctx context.Context, gconn *gateway.Conn, peer *wsPeer, frame wsFrame) error {
	var payload sendPayload
	if err := decodePayload(frame, &payload); err != nil {
		return err
	}
	msg, err := s.gateway.Send(ctx, gconn, strings.TrimSpace(payload.ChannelID), payload.Text)
	if err != nil {
		return err
	}
	view := toMessageView(msg, s.sanitizer)
	return peer.writeFrame(wsFrame{
		Type:      frameAck,
		RequestID: frame.RequestID,
		Payload:   mustJSON(ackPayload{Status: "ok", Message: &view}),
	})
}

func (s *Server) handleHistory(ctx context.Context, peer *wsPeer, frame wsFrame) error {
	var payload channelPayload
	if err := decodePayload(frame, &payload); err != nil {
		return err
	}
	msgs, err := s.gateway.FetchHistory(ctx, strings.TrimSpace(payload.ChannelID), payload.Limit)
	if err != nil {
		return err
	}
	return peer.writeFrame(wsFrame{
		Type:      frameAck,
		RequestID: frame.RequestID,
		Payload:   mustJSON(ackPayload{Status: "ok", Messages: toMessageViews(msgs, s.sanitizer)}),
	})
}

// forwardPresence はプレゼンスイベントをフレームとして書き出す。
// 購読が切り離された場合は以後の件数変化を送らない。
func (s *Server) forwardPresence(peer *wsPeer, sub *presence.Subscription, done chan<- struct{}) {
	defer close(done)
	for ev := range sub.Events() {
		payload := presencePayload{OnlineCount: ev.OnlineCount}
		view := toParticipantView(ev.Participant, s.sanitizer)
		payload.Participant = &view

		var frameType string
		switch ev.Kind {
		case presence.EventJoined:
			frameType = framePresenceJoined
		case presence.EventLeft:
			frameType = framePresenceLeft
		case presence.EventRenamed:
			frameType = framePresenceRenamed
			payload.PreviousName = ev.PreviousName
		default:
			continue
		}
		_ = peer.writeFrame(wsFrame{Type: frameType, Payload: mustJSON(payload)})
	}
}
