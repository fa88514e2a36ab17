package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/garage/internal/approval"
	"github.com/hitoshi/garage/internal/broker"
	"github.com/hitoshi/garage/internal/channel"
	"github.com/hitoshi/garage/internal/config"
	"github.com/hitoshi/garage/internal/database"
	"github.com/hitoshi/garage/internal/gateway"
	"github.com/hitoshi/garage/internal/handler"
	"github.com/hitoshi/garage/internal/identity"
	"github.com/hitoshi/garage/internal/message"
	"github.com/hitoshi/garage/internal/metrics"
	"github.com/hitoshi/garage/internal/middleware"
	"github.com/hitoshi/garage/internal/notify"
	"github.com/hitoshi/garage/internal/presence"
	"github.com/hitoshi/garage/internal/repository"
	"github.com/hitoshi/garage/internal/security"
	"github.com/hitoshi/garage/internal/session"
	"github.com/hitoshi/garage/internal/transport/ws"
)

// webhookTimeout は管理者Webhook送信のタイムアウト。
const webhookTimeout = 10 * time.Second

// storage はserveモードが使うリポジトリ一式。
type storage struct {
	db       *sql.DB
	bands    repository.BandRepository
	anon     repository.AnonymousUserRepository
	messages repository.MessageRepository
	stats    repository.StatsRepository
}

// openStorage はDATABASE_URLがあればPostgreSQL、なければプロセス内ストアを返す。
func openStorage(ctx context.Context, cfg *config.Config) (*storage, error) {
	if !cfg.UsesDatabase() {
		slog.Warn("DATABASE_URL is not set; using in-process storage (data is lost on restart)")
		return &storage{
			bands:    repository.NewMemoryBandRepo(),
			anon:     repository.NewMemoryAnonymousUserRepo(),
			messages: repository.NewMemoryMessageRepo(),
			stats:    repository.NewMemoryStatsRepo(),
		}, nil
	}

	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")

	return &storage{
		db:       db,
		bands:    repository.NewPostgresBandRepo(db),
		anon:     repository.NewPostgresAnonymousUserRepo(db),
		messages: repository.NewPostgresMessageRepo(db),
		stats:    repository.NewPostgresStatsRepo(db),
	}, nil
}

// healthChecker はDBがない場合nilを返す。nilのinterfaceにするため型付きnilを避ける。
func (s *storage) healthChecker() handler.HealthChecker {
	if s.db == nil {
		return nil
	}
	return s.db
}

// openBroker はREDIS_URLがあればRedis Pub/Sub、なければプロセス内ブローカーを返す。
// 戻り値のcloseはブローカーとRedisクライアントを閉じる。
func openBroker(ctx context.Context, cfg *config.Config) (broker.Broker, func(), error) {
	if cfg.RedisURL == "" {
		b := broker.NewMemory()
		return b, func() { _ = b.Close() }, nil
	}

	client, err := broker.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Info("redis connection established")

	b := broker.NewRedis(client, slog.Default())
	return b, func() {
		_ = b.Close()
		_ = client.Close()
	}, nil
}

// buildNotifier は設定に応じて管理者通知の送信手段を組み立てる。
// SMTPもWebhookも未設定の場合はログ出力のみ。
func buildNotifier(cfg *config.Config) (notify.Notifier, error) {
	var notifiers notify.Multi

	if cfg.SMTPEnabled() {
		notifiers = append(notifiers, notify.NewSMTPNotifier(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPass,
			From:     cfg.SMTPFrom,
		}))
	}

	if cfg.AdminWebhookURL != "" {
		guard := security.NewOutboundGuard()
		if err := guard.ValidateWebhookURL(cfg.AdminWebhookURL); err != nil {
			return nil, fmt.Errorf("invalid ADMIN_WEBHOOK_URL: %w", err)
		}
		notifiers = append(notifiers, notify.NewWebhookNotifier(guard.NewSafeClient(webhookTimeout), cfg.AdminWebhookURL))
	}

	switch len(notifiers) {
	case 0:
		slog.Warn("no admin notifier configured; approval links are written to the log")
		return notify.NewLogNotifier(slog.Default()), nil
	case 1:
		return notifiers[0], nil
	default:
		return notifiers, nil
	}
}

// authRateLimiterConfig はRATE_LIMIT_AUTH（req/min/IP）をRateLimiterConfigに変換する。
func authRateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rlCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitAuth > 0 {
		rlCfg.AuthRate = rate.Limit(float64(cfg.RateLimitAuth) / 60.0)
		rlCfg.AuthBurst = cfg.RateLimitAuth
	}
	rlCfg.TrustProxy = cfg.TrustProxy
	return rlCfg
}

// server はserveモードで組み立てた依存関係一式。
type server struct {
	handler http.Handler
	closers []func()
}

// Close は組み立てた資源を生成と逆順に解放する。
func (s *server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// buildServer は設定から全依存関係をワイヤリングし、アクセスログ付きのハンドラーを返す。
func buildServer(ctx context.Context, cfg *config.Config, reg *prometheus.Registry) (_ *server, err error) {
	srv := &server{}
	defer func() {
		if err != nil {
			srv.Close()
		}
	}()

	// 1. 永続化とブローカー
	store, err := openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if store.db != nil {
		srv.closers = append(srv.closers, func() { _ = store.db.Close() })
	}

	b, closeBroker, err := openBroker(ctx, cfg)
	if err != nil {
		return nil, err
	}
	srv.closers = append(srv.closers, closeBroker)

	// 2. メトリクス
	collector := metrics.NewCollector(reg)

	// 3. ドメインサービス
	ids := identity.NewService(store.bands, store.anon, identity.NewBcryptHasher(cfg.BcryptCost))

	sessions, err := session.NewService(ids, session.Config{Secret: cfg.JWTSecret, TTL: cfg.SessionTTL})
	if err != nil {
		return nil, fmt.Errorf("failed to create session service: %w", err)
	}

	notifier, err := buildNotifier(cfg)
	if err != nil {
		return nil, err
	}
	approvals := approval.NewService(ids, notifier, collector, approval.Config{
		BaseURL:    cfg.BaseURL,
		AdminEmail: cfg.AdminEmail,
	})

	registry := channel.NewRegistry()
	messages := message.NewStore(store.messages, b, registry, message.Config{
		DefaultLimit: cfg.HistoryLimit,
		MaxLimit:     cfg.MaxHistoryLimit,
	})

	gw := gateway.New(gateway.Deps{
		Sessions: sessions,
		Identity: ids,
		Store:    messages,
		Channels: registry,
		Presence: presence.NewTracker(),
		Visits:   store.stats,
		Metrics:  collector,
	}, gateway.Config{
		Cooldown:         cfg.MessageCooldown,
		MaxMessageLength: cfg.MaxMessageLength,
		HistoryLimit:     cfg.HistoryLimit,
	})

	// 4. トランスポート
	sanitizer := security.NewTextSanitizer()
	wsServer := ws.NewServer(gw, sanitizer)

	limiter := middleware.NewRateLimiter(authRateLimiterConfig(cfg))
	srv.closers = append(srv.closers, limiter.Stop)

	router := handler.NewRouter(&handler.RouterDeps{
		BandVerifier:      sessions,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       limiter,
		BandService:       approvals,
		LoginService:      sessions,
		ChatService:       gw,
		Sanitizer:         sanitizer,
		WebSocket:         wsServer.Handler(),
		UsernameService:   ids,
		HealthChecker:     store.healthChecker(),
		MetricsHandler:    metrics.Handler(reg),
	})

	srv.handler = middleware.NewLoggingMiddleware(slog.Default())(router)
	return srv, nil
}
