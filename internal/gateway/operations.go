package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/hitoshi/garage/internal/identity"
	"github.com/hitoshi/garage/internal/model"
)

// Credentials はConnの認証情報。
// BandTokenがあればバンドとして、なければDisplayNameかReservationIDの匿名参加者として認証する。
type Credentials struct {
	DisplayName   string
	ReservationID string
	BandToken     string
}

// Authenticate はConnを参加者に対応付け、プレゼンスに登録する。
// 匿名の表示名がバンド名と大文字小文字を区別せず一致する場合はDUPLICATE_USERNAMEを返す。
func (g *Gateway) Authenticate(ctx context.Context, conn *Conn, cred Credentials) (model.Participant, error) {
	if _, ok := conn.Participant(); ok {
		return model.Participant{}, model.NewValidationError("auth", "Connection is already authenticated")
	}

	var p model.Participant
	var err error
	if cred.BandToken != "" {
		p, err = g.bandParticipant(ctx, conn.id, cred.BandToken)
	} else {
		p, err = g.anonymousParticipant(ctx, conn.id, cred)
	}
	if err != nil {
		return model.Participant{}, err
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.closed {
		return model.Participant{}, model.NewUnauthenticatedError()
	}
	if conn.participant != nil {
		return model.Participant{}, model.NewValidationError("auth", "Connection is already authenticated")
	}
	if err := g.presence.Join(conn.id, p); err != nil {
		return model.Participant{}, fmt.Errorf("プレゼンスへの登録に失敗しました: %w", err)
	}
	conn.participant = &p
	conn.limiter = rate.NewLimiter(rate.Every(g.cfg.Cooldown), 1)
	g.metrics.SetOnlineCount(g.presence.OnlineCount())

	slog.Info("participant joined",
		slog.String("conn_id", conn.id),
		slog.String("kind", string(p.Kind)),
		slog.String("band_id", p.BandID),
	)
	return p, nil
}

func (g *Gateway) bandParticipant(ctx context.Context, connID, token string) (model.Participant, error) {
	band, err := g.sessions.VerifyToken(ctx, token)
	if err != nil {
		return model.Participant{}, err
	}
	if !band.IsApproved() {
		return model.Participant{}, model.NewPendingApprovalError()
	}
	return model.Participant{
		ID:          connID,
		DisplayName: band.Username,
		Kind:        model.ParticipantBand,
		BandID:      band.ID,
		ConnectedAt: g.now().UTC(),
	}, nil
}

func (g *Gateway) anonymousParticipant(ctx context.Context, connID string, cred Credentials) (model.Participant, error) {
	name := cred.DisplayName
	if cred.ReservationID != "" {
		user, err := g.identity.FindAnonymousUser(ctx, cred.ReservationID)
		if err != nil {
			return model.Participant{}, g.unavailable("予約済みユーザー名の取得に失敗しました", err)
		}
		if user == nil {
			return model.Participant{}, model.NewValidationError("reservation_id", "Unknown username reservation")
		}
		if err := g.identity.TouchAnonymousUser(ctx, user.ID); err != nil {
			slog.Warn("予約済みユーザー名の利用日時の更新に失敗しました", slog.String("error", err.Error()))
		}
		name = user.Username
	}

	name, err := g.checkAnonymousName(ctx, name)
	if err != nil {
		return model.Participant{}, err
	}
	return model.Participant{
		ID:          connID,
		DisplayName: name,
		Kind:        model.ParticipantAnonymous,
		ConnectedAt: g.now().UTC(),
	}, nil
}

func (g *Gateway) checkAnonymousName(ctx context.Context, name string) (string, error) {
	name, err := identity.ValidateDisplayName(name)
	if err != nil {
		return "", err
	}
	taken, err := g.identity.IsBandUsername(ctx, name)
	if err != nil {
		return "", g.unavailable("バンド名の確認に失敗しました", err)
	}
	if taken {
		return "", model.NewDuplicateUsernameError()
	}
	return name, nil
}

// Rename は匿名参加者の表示名を変更する。バンドの表示名は変更できない。
func (g *Gateway) Rename(ctx context.Context, conn *Conn, name string) (model.Participant, error) {
	p, ok := conn.Participant()
	if !ok {
		return model.Participant{}, model.NewUnauthenticatedError()
	}
	if p.IsBand() {
		return model.Participant{}, model.NewForbiddenError("Band display names cannot be changed")
	}

	name, err := g.checkAnonymousName(ctx, name)
	if err != nil {
		return model.Participant{}, err
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.closed || conn.participant == nil {
		return model.Participant{}, model.NewUnauthenticatedError()
	}
	updated, err := g.presence.Rename(conn.id, name)
	if err != nil {
		return model.Participant{}, model.NewUnauthenticatedError()
	}
	conn.participant = &updated
	return updated, nil
}

// JoinChannel は接続の参加チャンネルを切り替え、直近の履歴を返す。
// 以後のメッセージはSinkに届く。履歴とライブ配信の間に欠落はない。
// onHistoryを指定した場合、ライブ配信の開始前に履歴を渡して呼び出す。
func (g *Gateway) JoinChannel(ctx context.Context, conn *Conn, channelID string, limit int, onHistory func([]model.Message)) ([]model.Message, error) {
	if conn.isClosed() {
		return nil, model.NewUnauthenticatedError()
	}
	if limit <= 0 {
		limit = g.cfg.HistoryLimit
	}
	history, sub, err := g.store.Join(ctx, channelID, limit)
	if err != nil {
		return nil, err
	}
	var before func()
	if onHistory != nil {
		before = func() { onHistory(history) }
	}
	if !conn.replaceLive(channelID, sub, g.cfg.GapWait, before) {
		return nil, model.NewUnauthenticatedError()
	}
	return history, nil
}

// Send は送信アルゴリズムに従ってメッセージを追記する。
//  1. 未認証ならUNAUTHENTICATED
//  2. 前回の送信からクールダウン未満ならRATE_LIMITED
//  3. トリム後の本文が空または上限超過ならINVALID_MESSAGE
//  4. band-onlyチャンネルは承認済みバンドのみ（毎回ストアを再確認）
//  5. ストアへ追記し購読者へ配信
//  6. 成功時のみクールダウンを消費
//
// 同一接続の送信は直列化される。
func (g *Gateway) Send(ctx context.Context, conn *Conn, channelID, rawText string) (model.Message, error) {
	conn.sendMu.Lock()
	defer conn.sendMu.Unlock()

	msg, err := g.send(ctx, conn, channelID, rawText)
	if err != nil {
		code := model.ErrorCode(err)
		if code == "" {
			code = "INTERNAL_ERROR"
		}
		g.metrics.RecordSendRejected(code)
		return model.Message{}, err
	}
	g.metrics.RecordMessageAccepted(channelID)
	return msg, nil
}

func (g *Gateway) send(ctx context.Context, conn *Conn, channelID, rawText string) (model.Message, error) {
	conn.mu.Lock()
	if conn.closed || conn.participant == nil {
		conn.mu.Unlock()
		return model.Message{}, model.NewUnauthenticatedError()
	}
	p := *conn.participant
	limiter := conn.limiter
	conn.mu.Unlock()

	now := g.now()
	if tokens := limiter.TokensAt(now); tokens < 1 {
		wait := time.Duration(math.Ceil((1 - tokens) * float64(g.cfg.Cooldown)))
		return model.Message{}, model.NewRateLimitedError(wait)
	}

	text := strings.TrimSpace(rawText)
	if text == "" {
		return model.Message{}, model.NewInvalidMessageError("Message cannot be empty")
	}
	if utf8.RuneCountInString(text) > g.cfg.MaxMessageLength {
		return model.Message{}, model.NewInvalidMessageError(
			fmt.Sprintf("Message must be at most %d characters", g.cfg.MaxMessageLength))
	}

	ch, ok := g.channels.Get(channelID)
	if !ok {
		return model.Message{}, model.NewChannelNotFoundError(channelID)
	}

	if ch.WritePolicy == model.WriteBandOnly {
		if err := g.checkBandApproved(ctx, p); err != nil {
			return model.Message{}, err
		}
	}

	start := time.Now()
	committed, err := g.store.Append(ctx, model.Message{
		ChannelID:         ch.ID,
		AuthorDisplayName: p.DisplayName,
		AuthorIsBand:      p.IsBand(),
		AuthorBandID:      p.BandID,
		Text:              text,
	})
	g.metrics.RecordAppendLatency(time.Since(start))
	if err != nil {
		return model.Message{}, err
	}

	limiter.AllowN(now, 1)
	return committed, nil
}

// checkBandApproved は送信時点のストアの状態でバンドが承認済みかを確認する。
func (g *Gateway) checkBandApproved(ctx context.Context, p model.Participant) error {
	if !p.IsBand() {
		return model.NewForbiddenError("Only approved bands can post in this channel")
	}
	band, err := g.identity.FindBandByID(ctx, p.BandID)
	if err != nil {
		return g.unavailable("バンドの取得に失敗しました", err)
	}
	if band == nil || !band.IsApproved() {
		return model.NewForbiddenError("Only approved bands can post in this channel")
	}
	return nil
}

func (g *Gateway) unavailable(msg string, err error) error {
	slog.Error(msg, slog.String("error", err.Error()))
	return model.NewUnavailableError("Service temporarily unavailable")
}
