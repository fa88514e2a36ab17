package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// webhookPayload はWebhookに送るJSON本文。
type webhookPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

// WebhookNotifier は通知をJSONでPOSTするNotifier。
// httpClientには送信先を検証済みのクライアントを渡す。
type WebhookNotifier struct {
	httpClient  *http.Client
	endpoint    string
	maxAttempts int
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewWebhookNotifier はWebhookNotifierを生成する。
func NewWebhookNotifier(httpClient *http.Client, endpoint string) *WebhookNotifier {
	return &WebhookNotifier{
		httpClient:  httpClient,
		endpoint:    endpoint,
		maxAttempts: defaultMaxAttempts,
		sleep:       sleepContext,
	}
}

// Send は通知をPOSTする。429と5xxは指数バックオフで再送し、それ以外の2xx以外は即座にエラーとする。
func (n *WebhookNotifier) Send(ctx context.Context, to, subject, body string) error {
	payload, err := json.Marshal(webhookPayload{To: to, Subject: subject, Text: body})
	if err != nil {
		return fmt.Errorf("Webhookペイロードの生成に失敗しました: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < n.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := n.sleep(ctx, backoffDelay(attempt-1)); err != nil {
				return fmt.Errorf("Webhookの再送を中断しました: %w (last: %v)", err, lastErr)
			}
		}

		status, err := n.post(ctx, payload)
		if err != nil {
			// 接続エラーは一時的な失敗として扱う
			lastErr = err
			continue
		}
		switch classifyStatus(status) {
		case deliveryOK:
			return nil
		case deliveryRetry:
			lastErr = fmt.Errorf("Webhookがステータス %d を返しました", status)
		default:
			return fmt.Errorf("Webhookがステータス %d を返しました", status)
		}
	}
	return fmt.Errorf("Webhookの送信に%d回失敗しました: %w", n.maxAttempts, lastErr)
}

func (n *WebhookNotifier) post(ctx context.Context, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Garage/1.0 Notifier")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("Webhookの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	return resp.StatusCode, nil
}

var _ Notifier = (*WebhookNotifier)(nil)
