package notify

import (
	"context"
	"net/http"
	"time"
)

// deliveryResult はWebhook応答のステータスコードに基づく分類。
type deliveryResult int

const (
	deliveryOK deliveryResult = iota
	// deliveryRetry は一時的な失敗（429/5xx）。
	deliveryRetry
	// deliveryGiveUp は再送しても成功しない失敗（その他の4xxなど）。
	deliveryGiveUp
)

const (
	// defaultMaxAttempts はWebhook送信の最大試行回数。
	defaultMaxAttempts = 3
	// initialBackoff は指数バックオフの初回遅延。
	initialBackoff = 200 * time.Millisecond
	// maxBackoff は指数バックオフの最大遅延。
	maxBackoff = 2 * time.Second
)

// classifyStatus はHTTPステータスコードを送信結果に分類する。
func classifyStatus(statusCode int) deliveryResult {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return deliveryOK
	case statusCode == http.StatusTooManyRequests:
		return deliveryRetry
	case statusCode >= 500:
		return deliveryRetry
	default:
		return deliveryGiveUp
	}
}

// backoffDelay は失敗回数に基づいて指数バックオフ遅延を計算する。
// 初回200ms、2倍ずつ増加、最大2秒。
func backoffDelay(failures int) time.Duration {
	delay := initialBackoff
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// sleepContext はdだけ待つ。ctxが先に終了した場合はそのエラーを返す。
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
