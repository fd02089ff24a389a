// Package security は外部送信と利用者入力に関するセキュリティ機能を提供する。
package security

import (
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// SSRFGuardService は外部APIへの送信先を制限するインターフェース。
// メール配信APIの設定検証（起動時）と送信（実行時）の両方で使用する。
type SSRFGuardService interface {
	// NewSafeClient は内部ネットワーク宛ての接続をDialer段階で拒否するHTTPクライアントを返す。
	NewSafeClient(timeout time.Duration) *http.Client
	// ValidateURL はDNS解決を伴わない静的な検証を行う。
	ValidateURL(rawURL string) error
}

// 配信APIはAPIキーを運ぶため、https/443以外には送らない。
const (
	outboundScheme = "https"
	outboundPort   = 443
)

// blockedPrefixes は静的検証で拒否するアドレス範囲。
// 実行時の判定はsafeurlが解決後のIPに対して行う。
var blockedPrefixes = mustParsePrefixes(
	"0.0.0.0/8",      // カレントネットワーク
	"10.0.0.0/8",     // RFC 1918
	"172.16.0.0/12",  // RFC 1918
	"192.168.0.0/16", // RFC 1918
	"127.0.0.0/8",    // ループバック
	"169.254.0.0/16", // リンクローカル（メタデータIPを含む）
	"100.64.0.0/10",  // CGNAT
	"::1/128",
	"fe80::/10",
	"fc00::/7",
)

var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
}

func mustParsePrefixes(cidrs ...string) []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		prefixes = append(prefixes, netip.MustParsePrefix(c))
	}
	return prefixes
}

// URLRejectedError は送信先URLが拒否された理由を表す。
type URLRejectedError struct {
	URL    string
	Reason string
}

func (e *URLRejectedError) Error() string {
	return fmt.Sprintf("outbound URL %q rejected: %s", e.URL, e.Reason)
}

type ssrfGuard struct{}

var _ SSRFGuardService = (*ssrfGuard)(nil)

// NewSSRFGuard はSSRFGuardServiceを生成する。
func NewSSRFGuard() *ssrfGuard {
	return &ssrfGuard{}
}

// NewSafeClient はsafeurlでラップしたHTTPクライアントを返す。
// 接続時に解決後のIPを検証するため、DNS再バインディングも防げる。
func (g *ssrfGuard) NewSafeClient(timeout time.Duration) *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(outboundScheme).
		SetAllowedPorts(outboundPort).
		Build()

	return safeurl.Client(cfg).Client
}

// ValidateURL は SENDGRID_BASE_URL のような送信先設定を検証する。
func (g *ssrfGuard) ValidateURL(rawURL string) error {
	reject := func(reason string) error {
		return &URLRejectedError{URL: rawURL, Reason: reason}
	}

	if strings.TrimSpace(rawURL) == "" {
		return reject("empty URL")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return reject(err.Error())
	}
	if !strings.EqualFold(u.Scheme, outboundScheme) {
		return reject(fmt.Sprintf("scheme %q is not allowed", u.Scheme))
	}
	if u.User != nil {
		return reject("credentials in URL are not allowed")
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return reject("empty host")
	}
	if p := u.Port(); p != "" && p != strconv.Itoa(outboundPort) {
		return reject(fmt.Sprintf("port %s is not allowed", p))
	}
	if blockedHosts[host] || strings.HasSuffix(host, ".localhost") {
		return reject(fmt.Sprintf("host %s is blocked", host))
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap().WithZone("")
		for _, prefix := range blockedPrefixes {
			if prefix.Contains(addr) {
				return reject(fmt.Sprintf("address %s is in blocked range %s", addr, prefix))
			}
		}
	}
	return nil
}
