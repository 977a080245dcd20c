package middleware

import (
	"net"
	"net/http"
	"strings"
)

// NewClientIPMiddleware は信頼するリバースプロキシの段数からクライアントIPを決め、RemoteAddrを書き換える。
//
// trustedProxiesが0ならX-Forwarded-Forは見ない。n段のプロキシを信頼する場合は
// X-Forwarded-Forの右からn番目をクライアントとみなす。それより左はクライアントが自由に書けるため使わない。
// エントリが足りない、またはIPとして解釈できない場合はRemoteAddrをそのまま使う。
func NewClientIPMiddleware(trustedProxies int) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if trustedProxies <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ip := forwardedClientIP(r.Header.Values("X-Forwarded-For"), trustedProxies); ip != "" {
				r.RemoteAddr = ip
			}
			next.ServeHTTP(w, r)
		})
	}
}

// forwardedClientIP は複数のX-Forwarded-Forヘッダーを連結したリストの右からhops番目を返す。
func forwardedClientIP(headers []string, hops int) string {
	var entries []string
	for _, h := range headers {
		for _, part := range strings.Split(h, ",") {
			entries = append(entries, strings.TrimSpace(part))
		}
	}
	if len(entries) < hops {
		return ""
	}
	ip := net.ParseIP(entries[len(entries)-hops])
	if ip == nil {
		return ""
	}
	return ip.String()
}
