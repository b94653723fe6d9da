package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/tradehub/internal/model"
)

// TextSanitizer はフォームから受け取ったテキストのマークアップを除去する。
// 出力はプレーンテキストで、テンプレート側で改めてエスケープされる。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はすべてのタグを除去するポリシーでTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// Clean はタグを除去し、前後の空白を取り除いたテキストを返す。
func (s *TextSanitizer) Clean(text string) string {
	// StrictPolicyは&などをエンティティ化するため、二重エスケープを避けて戻す
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(text)))
}

// CleanExport は輸出品入力のテキスト項目を整える。
func (s *TextSanitizer) CleanExport(in model.ExportInput) model.ExportInput {
	in.Name = s.Clean(in.Name)
	in.OriginCountry = s.Clean(in.OriginCountry)
	in.Image = strings.TrimSpace(in.Image)
	return in
}
