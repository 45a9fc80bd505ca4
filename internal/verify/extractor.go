package verify

import (
	"fmt"
	"regexp"
	"strings"

	"mailforge/backend/internal/mailparse"
)

// DefaultCodePattern 默认匹配独立的 6 位数字
const DefaultCodePattern = `\b\d{6}\b`

var htmlHint = regexp.MustCompile(`(?i)<(html|body|div|p|table|td|span|br)\b`)

// Extractor 用可配置的正则从主题或正文中提取验证码。
//
// 正则含捕获组时取第一个捕获组，否则取整个匹配。
type Extractor struct {
	re *regexp.Regexp
}

// NewExtractor 编译提取正则，pattern 为空时使用 DefaultCodePattern
func NewExtractor(pattern string) (*Extractor, error) {
	if strings.TrimSpace(pattern) == "" {
		pattern = DefaultCodePattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile code pattern: %w", err)
	}
	return &Extractor{re: re}, nil
}

// MustExtractor 用于常量正则
func MustExtractor(pattern string) *Extractor {
	e, err := NewExtractor(pattern)
	if err != nil {
		panic(err)
	}
	return e
}

// Pattern 返回正则文本
func (e *Extractor) Pattern() string {
	return e.re.String()
}

// Extract 先查主题，再查正文
//
// HTML 正文先转为文本匹配，转换后无匹配时再回退到原始正文。
func (e *Extractor) Extract(subject, body string) (string, bool) {
	if code, ok := e.FromText(subject); ok {
		return code, true
	}
	if !htmlHint.MatchString(body) {
		return e.FromText(body)
	}
	if code, ok := e.FromText(mailparse.HTMLToText(body)); ok {
		return code, true
	}
	return e.FromText(body)
}

// FromText 在一段文本中查找验证码
func (e *Extractor) FromText(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	m := e.re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	if len(m) > 1 {
		for _, group := range m[1:] {
			if group != "" {
				return group, true
			}
		}
	}
	code := strings.TrimSpace(m[0])
	return code, code != ""
}
