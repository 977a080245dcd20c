package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// MaxDisplayNameLength はアカウント表示名の最大文字数（rune単位）。
const MaxDisplayNameLength = 200

// NameSanitizer はIdPから受け取った表示名をプレーンテキストに整形する。
// 表示名は外部入力であり、HTMLタグや制御文字を含み得る。
type NameSanitizer struct {
	policy *bluemonday.Policy
}

// NewNameSanitizer はすべてのタグを除去するstrictポリシーでNameSanitizerを生成する。
func NewNameSanitizer() *NameSanitizer {
	return &NameSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグと制御文字を除去し、空白を1つにまとめ、
// MaxDisplayNameLength文字に切り詰めたプレーンテキストを返す。
// 出力時のエスケープはテンプレート側で行うため、エンティティは元の文字に戻す。
func (s *NameSanitizer) Sanitize(raw string) string {
	stripped := html.UnescapeString(s.policy.Sanitize(raw))

	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, stripped)
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	if runes := []rune(cleaned); len(runes) > MaxDisplayNameLength {
		cleaned = strings.TrimSpace(string(runes[:MaxDisplayNameLength]))
	}
	return cleaned
}
