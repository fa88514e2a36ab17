package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// OutboundGuard は管理者通知Webhookなど外部への送信先を検証する。
type OutboundGuard interface {
	// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
	// プライベートIP、ループバック、リンクローカル、メタデータIPへの接続は
	// DNS解決後のDialer段階で拒否される。
	NewSafeClient(timeout time.Duration) *http.Client

	// ValidateWebhookURL は設定されたWebhook URLを起動時に静的検証する。
	ValidateWebhookURL(rawURL string) error
}

// webhookSchemes はWebhookとして許可するスキーム。
var webhookSchemes = []string{"https"}

// blockedNetworks は送信先として拒否するネットワーク範囲。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// RFC 1918
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		// クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

type outboundGuard struct{}

// NewOutboundGuard はOutboundGuardを生成する。
func NewOutboundGuard() *outboundGuard {
	return &outboundGuard{}
}

// NewSafeClient はhttpsの443番ポートのみに接続するHTTPクライアントを生成する。
func (g *outboundGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(webhookSchemes...).
		SetAllowedPorts(443).
		Build()

	return safeurl.Client(config).Client
}

// ValidateWebhookURL はWebhook URLのスキーム、ホスト、IPアドレスを検証する。
// DNS解決は行わない。DNS再バインディングはNewSafeClient側で防ぐ。
func (g *outboundGuard) ValidateWebhookURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, webhookSchemes)
	}

	if port := parsed.Port(); port != "" && port != "443" {
		return fmt.Errorf("disallowed port: %s", port)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range webhookSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
