package domain

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail      = errors.New("invalid email format")
	ErrEmailTooLong      = errors.New("email address too long")
	ErrLocalPartTooLong  = errors.New("local part too long (max 64 chars)")
	ErrLocalPartTooShort = errors.New("local part too short (min 3 chars)")
	ErrDomainTooLong     = errors.New("domain too long (max 253 chars)")
	ErrInvalidLocalPart  = errors.New("invalid local part format")
	ErrInvalidDomain     = errors.New("invalid domain format")
	ErrInvalidTagName    = errors.New("invalid tag name")
	ErrInvalidColor      = errors.New("invalid color code")
)

// 验证常量
const (
	// RFC 5321 邮箱地址长度限制
	MaxEmailLength     = 254 // 整个邮箱地址最大长度
	MaxLocalPartLength = 64  // 本地部分最大长度(@前面)
	MinLocalPartLength = 3
	MaxDomainLength    = 253 // 域名最大长度
	MaxTagNameLength   = 100
)

// 正则表达式
var (
	// 本地部分只允许保守字符集：小写字母、数字以及 . _ -，首尾必须是字母或数字
	localPartRegex = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9._-]*[a-z0-9])?$`)

	// 域名验证（支持子域名）
	domainRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)+$`)

	colorRegex = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)
)

// ValidateLocalPart 验证邮箱本地部分（调用方负责先转小写）。
func ValidateLocalPart(localPart string) error {
	if len(localPart) < MinLocalPartLength {
		return ErrLocalPartTooShort
	}
	if len(localPart) > MaxLocalPartLength {
		return ErrLocalPartTooLong
	}
	if !localPartRegex.MatchString(localPart) {
		return ErrInvalidLocalPart
	}

	// 不允许连续的特殊字符
	for _, pair := range []string{"..", ".-", "-.", "--", "__", "_.", "._", "_-", "-_"} {
		if strings.Contains(localPart, pair) {
			return ErrInvalidLocalPart
		}
	}
	return nil
}

// ValidateDomain 验证域名。
func ValidateDomain(domainName string) error {
	if domainName == "" {
		return ErrInvalidDomain
	}
	if len(domainName) > MaxDomainLength {
		return ErrDomainTooLong
	}
	if !domainRegex.MatchString(domainName) {
		return ErrInvalidDomain
	}
	return nil
}

// ValidateAddress 完整验证邮箱地址。
func ValidateAddress(address string) error {
	if len(address) > MaxEmailLength {
		return ErrEmailTooLong
	}
	if _, err := mail.ParseAddress(address); err != nil {
		return ErrInvalidEmail
	}
	localPart, domainName, ok := SplitAddress(address)
	if !ok {
		return ErrInvalidEmail
	}
	if err := ValidateLocalPart(localPart); err != nil {
		return err
	}
	return ValidateDomain(domainName)
}

// NormalizeAddress 去除空白与尖括号并转小写。
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	address = strings.Trim(address, "<>")
	return strings.ToLower(address)
}

// SplitAddress 拆分本地部分与域名。
func SplitAddress(address string) (localPart, domainName string, ok bool) {
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return "", "", false
	}
	return address[:at], address[at+1:], true
}

// JoinAddress 拼接本地部分与域名。
func JoinAddress(localPart, domainName string) string {
	return strings.ToLower(localPart) + "@" + strings.ToLower(domainName)
}

// ValidateTagName 验证标签名称。
func ValidateTagName(name string) error {
	if strings.TrimSpace(name) == "" || len(name) > MaxTagNameLength {
		return ErrInvalidTagName
	}
	// 不允许控制字符以及会干扰查询的符号
	for _, r := range name {
		if r < 32 || r == '@' || r == '#' || r == '$' || r == '%' || r == ',' {
			return ErrInvalidTagName
		}
	}
	return nil
}

// ValidateColorCode 验证十六进制颜色，空值表示使用默认颜色。
func ValidateColorCode(color string) error {
	if color == "" {
		return nil
	}
	if !colorRegex.MatchString(color) {
		return ErrInvalidColor
	}
	return nil
}
