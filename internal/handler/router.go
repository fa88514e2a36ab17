package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/garage/internal/middleware"
	"github.com/hitoshi/garage/internal/security"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	BandVerifier      middleware.BandVerifier
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// バンド
	BandService  BandServiceInterface
	LoginService LoginServiceInterface

	// チャット
	ChatService ChatServiceInterface
	Sanitizer   security.TextSanitizer
	WebSocket   http.Handler

	// 匿名ユーザー名
	UsernameService UsernameServiceInterface

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → (RateLimit(Auth) | BandAuth)
//
// アクセスログはapp層でルーター全体を包む。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	bandHandler := NewBandHandler(deps.BandService, deps.LoginService)
	chatHandler := NewChatHandler(deps.ChatService, deps.Sanitizer)
	usernameHandler := NewUsernameHandler(deps.UsernameService)

	authLimit := func(next http.Handler) http.Handler { return next }
	if deps.RateLimiter != nil {
		authLimit = deps.RateLimiter.AuthMiddleware()
	}

	// 運用エンドポイント
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// WebSocket（GET以外はハンドラー側で405）
	if deps.WebSocket != nil {
		r.Handle("/ws", deps.WebSocket)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/bands", func(r chi.Router) {
			r.With(authLimit).Post("/register", bandHandler.Register)
			r.With(authLimit).Post("/login", bandHandler.Login)
			r.With(middleware.NewBandAuthMiddleware(deps.BandVerifier)).Get("/verify", bandHandler.Verify)
			r.Get("/approve", bandHandler.Approve)
		})

		r.Route("/channels", func(r chi.Router) {
			r.Get("/", chatHandler.ListChannels)
			r.Get("/{id}/messages", chatHandler.ListMessages)
		})

		r.Get("/stats", chatHandler.Stats)

		r.Route("/usernames", func(r chi.Router) {
			r.With(authLimit).Post("/", usernameHandler.Reserve)
			r.Get("/{name}/availability", usernameHandler.Availability)
			r.Get("/{id}", usernameHandler.Get)
		})
	})

	return r
}
