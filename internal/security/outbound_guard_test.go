package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewSafeClient(t *testing.T) {
	guard := NewOutboundGuard()
	timeout := 5 * time.Second
	client := guard.NewSafeClient(timeout)
	if client == nil {
		t.Fatal("NewSafeClient() returned nil")
	}
	if client.Timeout != timeout {
		t.Errorf("expected timeout %v, got %v", timeout, client.Timeout)
	}
	if client.Transport == nil || client.Transport == http.DefaultTransport {
		t.Error("expected custom Transport")
	}
}

// httptestサーバーは127.0.0.1で起動されるためブロックされる。
func TestNewSafeClient_BlocksLoopback(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewOutboundGuard().NewSafeClient(5 * time.Second)
	if _, err := client.Get(ts.URL); err == nil {
		t.Fatal("expected error for loopback address request, got nil")
	}
}

func TestValidateWebhookURL(t *testing.T) {
	guard := NewOutboundGuard()

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{name: "公開httpsURL", url: "https://hooks.example.com/garage", wantErr: false},
		{name: "明示的な443番ポート", url: "https://hooks.example.com:443/garage", wantErr: false},
		{name: "空文字列", url: "", wantErr: true},
		{name: "http は不可", url: "http://hooks.example.com/garage", wantErr: true},
		{name: "その他のポート", url: "https://hooks.example.com:8443/garage", wantErr: true},
		{name: "ホストなし", url: "https:///garage", wantErr: true},
		{name: "localhost", url: "https://localhost/garage", wantErr: true},
		{name: "プライベートIP", url: "https://10.0.0.5/garage", wantErr: true},
		{name: "ループバック", url: "https://127.0.0.1/garage", wantErr: true},
		{name: "メタデータIP", url: "https://169.254.169.254/latest", wantErr: true},
		{name: "IPv6ループバック", url: "https://[::1]/garage", wantErr: true},
		{name: "パース不能", url: "https://%zz", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := guard.ValidateWebhookURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateWebhookURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestOutboundGuardInterface(t *testing.T) {
	var _ OutboundGuard = NewOutboundGuard()
}
