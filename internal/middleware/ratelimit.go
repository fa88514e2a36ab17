package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/garage/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	AuthRate        rate.Limit    // 登録・ログイン・ユーザー名予約のレート（req/sec）。10/60
	AuthBurst       int           // 同バーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
	// TrustProxy がtrueの場合はX-Forwarded-Forの先頭をクライアントIPとする。
	TrustProxy bool
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// 登録・ログイン・ユーザー名予約 10 req/min/IP
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		AuthRate:        rate.Limit(10.0 / 60.0),
		AuthBurst:       10,
		CleanupInterval: 5 * time.Minute,
	}
}

// ipLimiter はIPごとのレートリミッターとアクセス時刻を保持する。
type ipLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter はクライアントIPごとのレート制限を管理する。
type RateLimiter struct {
	config RateLimiterConfig

	mu       sync.Mutex
	limiters map[string]*ipLimiter

	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.AuthBurst <= 0 {
		config.AuthBurst = 1
	}
	rl := &RateLimiter{
		config:   config,
		limiters: make(map[string]*ipLimiter),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。冪等。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// AuthMiddleware は登録・ログイン・ユーザー名予約用のレート制限ミドルウェアを返す。
// 超過時は429とRetry-Afterを返す。
func (rl *RateLimiter) AuthMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := rl.clientIP(r)
			now := rl.now()

			rl.mu.Lock()
			limiter := rl.getOrCreateLocked(ip, now)
			rl.mu.Unlock()

			reservation := limiter.ReserveN(now, 1)
			if delay := reservation.DelayFrom(now); delay > 0 {
				reservation.CancelAt(now)
				slog.Warn("rate limit exceeded",
					slog.String("client_ip", ip),
					slog.String("path", r.URL.Path),
				)
				WriteError(w, model.NewRateLimitedError(delay))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LimiterCount は現在管理されているリミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func (rl *RateLimiter) getOrCreateLocked(ip string, now time.Time) *rate.Limiter {
	if l, ok := rl.limiters[ip]; ok {
		l.lastAccess = now
		return l.limiter
	}
	limiter := rate.NewLimiter(rl.config.AuthRate, rl.config.AuthBurst)
	rl.limiters[ip] = &ipLimiter{limiter: limiter, lastAccess: now}
	return limiter
}

// clientIP はリクエスト元のIPを返す。
func (rl *RateLimiter) clientIP(r *http.Request) string {
	if rl.config.TrustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍と補充時間のいずれか長い方を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	if refill := rl.fullRefill(); refill > ttl {
		ttl = refill
	}

	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, l := range rl.limiters {
		if now.Sub(l.lastAccess) > ttl {
			delete(rl.limiters, ip)
		}
	}
}

// fullRefill はバーストが空から満杯に戻るまでの時間。
func (rl *RateLimiter) fullRefill() time.Duration {
	if rl.config.AuthRate <= 0 || rl.config.AuthRate == rate.Inf {
		return 0
	}
	secs := float64(rl.config.AuthBurst) / float64(rl.config.AuthRate)
	return time.Duration(math.Ceil(secs)) * time.Second
}
