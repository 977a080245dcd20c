// Package security はアプリケーションのセキュリティ機能を提供する。
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

// OutboundGuard はIdPへの外向き通信を制限する機能のインターフェースを定義する。
// OIDCのディスカバリ、JWKS、トークン、userinfoの各エンドポイントへの通信で使用される。
type OutboundGuard interface {
	// NewProviderClient はSSRF防止機能付きのHTTPクライアントを生成する。
	// safeurlライブラリにより、https/443以外の通信と、プライベートIP、ループバック、
	// リンクローカル、メタデータIPへの接続がDNS解決後に拒否される。
	NewProviderClient(timeout time.Duration) *http.Client

	// ValidateEndpoint はディスカバリ文書から得たエンドポイントURLを事前に検証する。
	ValidateEndpoint(rawURL string) error
}

// blockedNetworks はエンドポイント検証でブロックされるネットワーク範囲。
// パッケージ初期化時に1回だけパースする。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック
		"127.0.0.0/8",
		// リンクローカル（クラウドメタデータIPを含む）
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

// outboundGuard はOutboundGuardの実装。
type outboundGuard struct{}

// NewOutboundGuard はOutboundGuardの新しいインスタンスを生成する。
func NewOutboundGuard() *outboundGuard {
	return &outboundGuard{}
}

// NewProviderClient はSSRF防止機能付きのHTTPクライアントを生成する。
// IdPのエンドポイントはすべてhttpsで公開されているため、httpと443以外のポートは許可しない。
func (g *outboundGuard) NewProviderClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(443).
		Build()

	return safeurl.Client(config).Client
}

// ValidateEndpoint はエンドポイントURLの安全性を事前に検証する。
// DNS解決を伴わない静的な検証であり、DNS再バインディングは
// NewProviderClientのDialer検証で防止される。
func (g *outboundGuard) ValidateEndpoint(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if !strings.EqualFold(parsed.Scheme, "https") {
		return fmt.Errorf("disallowed scheme: %s (allowed: https)", parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}
	if port := parsed.Port(); port != "" && port != "443" {
		return fmt.Errorf("disallowed port: %s", port)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}

	return nil
}

// isBlockedIP はIPアドレスがブロック対象のネットワーク範囲に含まれるかを検証する。
func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

var _ OutboundGuard = (*outboundGuard)(nil)
