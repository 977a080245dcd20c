// Package access は組織のドメイン許可リストと管理者リストに基づく認可区分を判定する。
package access

import (
	"strings"

	"golang.org/x/net/idna"
)

// Decision はメールアドレスに対する認可判定の結果。
type Decision struct {
	Allowed bool
	IsAdmin bool
}

// Policy は許可ドメインと管理者メールアドレスの集合を保持する。
// 生成後は不変で、並行に呼び出してよい。
type Policy struct {
	domains map[string]struct{}
	admins  map[string]struct{}
}

// NewPolicy はPolicyを生成する。
// domainsが空の場合はオープン登録モード（全ドメインを許可）となる。
func NewPolicy(domains, adminEmails []string) *Policy {
	p := &Policy{
		domains: make(map[string]struct{}, len(domains)),
		admins:  make(map[string]struct{}, len(adminEmails)),
	}
	for _, d := range domains {
		if d = normalizeDomain(d); d != "" {
			p.domains[d] = struct{}{}
		}
	}
	for _, e := range adminEmails {
		if e = normalizeEmail(e); e != "" {
			p.admins[e] = struct{}{}
		}
	}
	return p
}

// Evaluate はメールアドレスのログイン可否と管理者判定を返す。
// ドメインは最後の@以降の部分文字列との完全一致（大文字小文字は区別しない）で判定し、
// サブドメインのワイルドカード一致は行わない。
// 管理者判定はAllowedとは独立に行う。
func (p *Policy) Evaluate(email string) Decision {
	email = normalizeEmail(email)
	_, isAdmin := p.admins[email]
	return Decision{
		Allowed: p.domainAllowed(email),
		IsAdmin: isAdmin,
	}
}

// OpenRegistration は許可リストが空（全ドメイン許可）かどうかを返す。
func (p *Policy) OpenRegistration() bool {
	return len(p.domains) == 0
}

func (p *Policy) domainAllowed(email string) bool {
	if len(p.domains) == 0 {
		return true
	}
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := normalizeDomain(email[at+1:])
	if domain == "" {
		return false
	}
	_, ok := p.domains[domain]
	return ok
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// normalizeDomain はIDNをASCII（punycode）形式に揃える。
// idnaで変換できない値は小文字化のみ行う。
func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return ""
	}
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return domain
	}
	return ascii
}
